// Package synth turns normalized records into idempotent insert statements and
// assembles them into a single transactional batch.
package synth

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"wfbase/wfetl/internal/normalize"
)

// Dialect names
const (
	DialectMSSQL  = "mssql"
	DialectSQLite = "sqlite"
)

// DefaultSchema is the production schema qualifying every table
const DefaultSchema = "wf_base"

// Dialect selects the statement rendition.
type Dialect struct {
	Name   string
	Schema string // mssql only
}

// MSSQL is the production target.
var MSSQL = Dialect{Name: DialectMSSQL, Schema: DefaultSchema}

// SQLite is used by the verification store.
var SQLite = Dialect{Name: DialectSQLite}

// ParseDialect resolves a configured dialect name. An empty name means mssql.
func ParseDialect(name, schema string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DialectMSSQL:
		if schema == "" {
			schema = DefaultSchema
		}
		return Dialect{Name: DialectMSSQL, Schema: schema}, nil
	case DialectSQLite:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// Table returns the qualified table name for c
func (d Dialect) Table(c normalize.Category) string {
	if d.Name == DialectSQLite {
		return c.Table()
	}
	return fmt.Sprintf("[%s].[%s]", d.Schema, c.Table())
}

// Statement renders one conditional insert for r
func (d Dialect) Statement(c normalize.Category, r normalize.Record) string {
	table := d.Table(c)
	cols := strings.Join(r.Columns(), ", ")
	vals := make([]string, 0, len(r.Columns()))
	for _, v := range r.Values() {
		vals = append(vals, d.literal(v))
	}
	key := d.literal(r.Key())

	if d.Name == DialectSQLite {
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE UniqueName = %s);",
			table, cols, strings.Join(vals, ", "), table, key)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IF NOT EXISTS (SELECT 1 FROM %s WHERE UniqueName = %s)\n", table, key)
	b.WriteString("BEGIN\n")
	fmt.Fprintf(&b, "    INSERT INTO %s (%s)\n", table, cols)
	fmt.Fprintf(&b, "    VALUES (%s);\n", strings.Join(vals, ", "))
	b.WriteString("END")
	return b.String()
}

// literal renders v for d. mssql text literals holding non-ASCII characters
// take the N prefix so they are read as NVARCHAR rather than through the
// database code page.
func (d Dialect) literal(v any) string {
	s := Literal(v)
	if d.Name == DialectMSSQL && strings.HasPrefix(s, "'") && !isASCII(s) {
		return "N" + s
	}
	return s
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Synthesize renders one statement per record, preserving order.
func Synthesize(d Dialect, c normalize.Category, records []normalize.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, d.Statement(c, r))
	}
	return out
}

// Batch markers
const (
	BeginMarker  = "BEGIN TRANSACTION;"
	CommitMarker = "COMMIT TRANSACTION;"
	HeaderLine   = "-- Auto-generated by wfetl"
)

// Batch is a complete load script: every category's statements inside one
// transaction, followed by an informational trailer.
type Batch struct {
	Dialect    Dialect
	Statements []string
	Counts     map[normalize.Category]int
}

// BuildBatch synthesizes records for every category in pipeline order.
// Categories missing from records contribute no statements.
func BuildBatch(d Dialect, records map[normalize.Category][]normalize.Record) *Batch {
	b := &Batch{Dialect: d, Counts: make(map[normalize.Category]int, len(normalize.Categories))}
	for _, c := range normalize.Categories {
		stmts := Synthesize(d, c, records[c])
		b.Statements = append(b.Statements, stmts...)
		b.Counts[c] = len(stmts)
	}
	return b
}

// Trailer returns the informational statement closing the script
func (b *Batch) Trailer() string {
	if b.Dialect.Name == DialectSQLite {
		return "SELECT 'Data loaded successfully';"
	}
	return "PRINT 'Data loaded successfully';"
}

// Executable returns the batch as statements to run in order, header excluded
func (b *Batch) Executable() []string {
	out := make([]string, 0, len(b.Statements)+3)
	out = append(out, BeginMarker)
	out = append(out, b.Statements...)
	out = append(out, CommitMarker, b.Trailer())
	return out
}

// Lines returns the full script, one element per statement or marker
func (b *Batch) Lines() []string {
	exec := b.Executable()
	out := make([]string, 0, len(exec)+1)
	out = append(out, exec[0], HeaderLine)
	return append(out, exec[1:]...)
}

// WriteTo writes the script with statements joined by newlines.
func (b *Batch) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, strings.Join(b.Lines(), "\n"))
	return int64(n), err
}

// Len returns the number of record statements
func (b *Batch) Len() int { return len(b.Statements) }
