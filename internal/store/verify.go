package store

import (
	"context"
	"fmt"
	"strings"

	"wfbase/wfetl/internal/normalize"
)

// TableReport describes one table across both applications of a batch
type TableReport struct {
	Category    normalize.Category `json:"category"`
	Statements  int                `json:"statements"`
	RowsFirst   int                `json:"rows_first"`
	RowsSecond  int                `json:"rows_second"`
	Unchanged   bool               `json:"unchanged"`
	checksumOne string
}

// Report is the outcome of Verify
type Report struct {
	Tables []TableReport `json:"tables"`
}

// Idempotent reports whether the second application changed nothing
func (r Report) Idempotent() bool {
	for _, t := range r.Tables {
		if !t.Unchanged || t.RowsFirst != t.RowsSecond {
			return false
		}
	}
	return true
}

// NotIdempotentError is returned when re-applying a batch altered the store.
type NotIdempotentError struct {
	Tables []string
}

func (e *NotIdempotentError) Error() string {
	return fmt.Sprintf("batch is not idempotent: %s changed on second application", strings.Join(e.Tables, ", "))
}

// Verify applies statements twice to d and compares every table after each pass.
// counts gives the number of record statements per category for the report.
func Verify(ctx context.Context, d *DB, statements []string, counts map[normalize.Category]int) (Report, error) {
	if err := d.EnsureSchema(ctx); err != nil {
		return Report{}, err
	}

	report := Report{Tables: make([]TableReport, len(normalize.Categories))}

	if err := d.Apply(ctx, statements); err != nil {
		return report, fmt.Errorf("applying batch: %w", err)
	}
	for i, c := range normalize.Categories {
		n, err := d.CountRows(ctx, c)
		if err != nil {
			return report, err
		}
		sum, err := d.Checksum(ctx, c)
		if err != nil {
			return report, err
		}
		report.Tables[i] = TableReport{Category: c, Statements: counts[c], RowsFirst: n, checksumOne: sum}
	}

	if err := d.Apply(ctx, statements); err != nil {
		return report, fmt.Errorf("re-applying batch: %w", err)
	}
	var changed []string
	for i, c := range normalize.Categories {
		n, err := d.CountRows(ctx, c)
		if err != nil {
			return report, err
		}
		sum, err := d.Checksum(ctx, c)
		if err != nil {
			return report, err
		}
		t := &report.Tables[i]
		t.RowsSecond = n
		t.Unchanged = sum == t.checksumOne && n == t.RowsFirst
		if !t.Unchanged {
			changed = append(changed, c.Table())
		}
	}

	if len(changed) > 0 {
		return report, &NotIdempotentError{Tables: changed}
	}
	return report, nil
}
