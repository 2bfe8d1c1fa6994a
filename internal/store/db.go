// Package store applies synthesized batches to a SQLite database. It backs
// `wfetl verify`, which proves a batch is idempotent before it ships.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"wfbase/wfetl/internal/normalize"
)

// DB wraps a SQLite database connection
type DB struct {
	conn *sql.DB
	Path string
}

// OpenDB opens a SQLite database with WAL mode.
// The pool is limited to one connection so ":memory:" databases are shared
// and a batch's BEGIN and COMMIT land on the same session.
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	return &DB{conn: conn, Path: path}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying sql.DB for custom queries
func (d *DB) Conn() *sql.DB {
	return d.conn
}

var schema = map[normalize.Category]string{
	normalize.CategoryWarframe: `CREATE TABLE IF NOT EXISTS Warframes (
		UniqueName TEXT NOT NULL UNIQUE,
		Name TEXT,
		Armor REAL,
		Health REAL,
		Shields REAL,
		Energy REAL,
		SprintSpeed REAL,
		RawJson TEXT NOT NULL
	)`,
	normalize.CategoryWeapon: `CREATE TABLE IF NOT EXISTS Weapons (
		UniqueName TEXT NOT NULL UNIQUE,
		Name TEXT,
		Type TEXT NOT NULL,
		MasteryRank INTEGER,
		Impact REAL NOT NULL DEFAULT 0,
		Puncture REAL NOT NULL DEFAULT 0,
		Slash REAL NOT NULL DEFAULT 0,
		CritChance REAL,
		CritMultiplier REAL,
		StatusChance REAL,
		FireRate REAL,
		MagazineSize INTEGER,
		ReloadTime REAL,
		Multishot REAL,
		RawJson TEXT NOT NULL
	)`,
	normalize.CategoryMod: `CREATE TABLE IF NOT EXISTS Mods (
		UniqueName TEXT NOT NULL UNIQUE,
		Name TEXT,
		ModType TEXT,
		Polarity TEXT,
		MaxRank INTEGER,
		RawJson TEXT NOT NULL
	)`,
	normalize.CategoryArcane: `CREATE TABLE IF NOT EXISTS Arcanes (
		UniqueName TEXT NOT NULL UNIQUE,
		Name TEXT,
		ItemType TEXT,
		MaxRank INTEGER NOT NULL DEFAULT 0,
		RawJson TEXT NOT NULL
	)`,
}

// EnsureSchema creates the four destination tables if missing.
// UniqueName is declared UNIQUE so a statement that skips its existence
// check fails loudly instead of duplicating a row.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, c := range normalize.Categories {
		if _, err := d.conn.ExecContext(ctx, schema[c]); err != nil {
			return fmt.Errorf("creating table %s: %w", c.Table(), err)
		}
	}
	return nil
}

// Apply executes statements in order on a single session. If one fails, an
// open transaction is rolled back and the statement's position is reported.
func (d *DB) Apply(ctx context.Context, statements []string) error {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	for i, stmt := range statements {
		if err := execOne(ctx, conn, stmt); err != nil {
			// no-op when no transaction is open
			conn.ExecContext(context.Background(), "ROLLBACK")
			return fmt.Errorf("executing statement %d of %d: %w", i+1, len(statements), err)
		}
	}
	return nil
}

func execOne(ctx context.Context, conn *sql.Conn, stmt string) error {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "SELECT") {
		_, err := conn.ExecContext(ctx, stmt)
		return err
	}
	// informational statements return rows; drain them
	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return err
	}
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

// CountRows returns the number of rows in c's table
func (d *DB) CountRows(ctx context.Context, c normalize.Category) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.Table()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", c.Table(), err)
	}
	return n, nil
}

// Checksum hashes every row of c's table in UniqueName order, so two equal
// checksums mean no row was added, removed or changed.
func (d *DB) Checksum(ctx context.Context, c normalize.Category) (string, error) {
	cols := normalize.ColumnsFor(c)
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY UniqueName", strings.Join(cols, ", "), c.Table())
	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", c.Table(), err)
	}
	defer rows.Close()

	h := sha256.New()
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scanning %s: %w", c.Table(), err)
		}
		for _, v := range vals {
			fmt.Fprintf(h, "%T:%v\x1f", v, v)
		}
		h.Write([]byte{'\x1e'})
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading %s: %w", c.Table(), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
