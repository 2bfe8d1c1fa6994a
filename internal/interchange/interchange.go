// Package interchange persists stage outputs on the local filesystem: raw API
// arrays after Extract, normalized arrays after Transform, and the final
// statement script after Load.
package interchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"wfbase/wfetl/internal/fetch"
	"wfbase/wfetl/internal/normalize"
)

// StorageError is a failed read or write in the interchange area.
type StorageError struct {
	Op   string // read, write, decode, encode
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Area is a pair of directories holding one file per category.
type Area struct {
	RawDir       string
	ProcessedDir string
}

// RawPath returns the raw file for c
func (a Area) RawPath(c normalize.Category) string {
	return filepath.Join(a.RawDir, c.FileName())
}

// ProcessedPath returns the processed file for c
func (a Area) ProcessedPath(c normalize.Category) string {
	return filepath.Join(a.ProcessedDir, c.FileName())
}

// SaveRaw writes the untouched API array for c
func (a Area) SaveRaw(c normalize.Category, records []fetch.RawRecord) error {
	if records == nil {
		records = []fetch.RawRecord{}
	}
	return writeJSON(a.RawPath(c), records)
}

// LoadRaw reads the raw array for c, keeping numbers as json.Number.
func (a Area) LoadRaw(c normalize.Category) ([]fetch.RawRecord, error) {
	path := a.RawPath(c)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var records []fetch.RawRecord
	if err := dec.Decode(&records); err != nil {
		return nil, &StorageError{Op: "decode", Path: path, Err: err}
	}
	return records, nil
}

// SaveProcessed writes the normalized records for c
func (a Area) SaveProcessed(c normalize.Category, records []normalize.Record) error {
	if records == nil {
		records = []normalize.Record{}
	}
	return writeJSON(a.ProcessedPath(c), records)
}

// LoadProcessed reads the normalized records for c
func (a Area) LoadProcessed(c normalize.Category) ([]normalize.Record, error) {
	path := a.ProcessedPath(c)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	records, err := normalize.Decode(c, data)
	if err != nil {
		return nil, &StorageError{Op: "decode", Path: path, Err: err}
	}
	return records, nil
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return &StorageError{Op: "encode", Path: path, Err: err}
	}
	return WriteFile(path, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}

// WriteFile replaces path atomically: content goes to a temporary file in the
// same directory which is renamed over path only after write succeeds.
// On any failure the previous file, if any, is left untouched.
func WriteFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StorageError{Op: "write", Path: path, Err: fmt.Errorf("creating directory: %w", err)}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}
