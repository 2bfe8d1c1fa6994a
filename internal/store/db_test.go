package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"wfbase/wfetl/internal/normalize"
	"wfbase/wfetl/internal/synth"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func sampleRecords() map[normalize.Category][]normalize.Record {
	health := 270.0
	return map[normalize.Category][]normalize.Record{
		normalize.CategoryWarframe: {
			normalize.Warframe{UniqueName: "/Lotus/Powersuits/Excalibur", Name: strPtr("Excalibur"), Health: &health, RawJson: "{}"},
		},
		normalize.CategoryWeapon: {
			normalize.Weapon{UniqueName: "/Lotus/Weapons/Braton", Name: strPtr("Braton"), Type: "Primary", MasteryRank: intPtr(0), RawJson: "{}"},
			normalize.Weapon{UniqueName: "/Lotus/Weapons/Blade", Name: strPtr("O'Brien's Blade"), Type: "Melee", Slash: 12.5, RawJson: `{"name":"O'Brien's Blade"}`},
		},
		normalize.CategoryMod: {
			normalize.Mod{UniqueName: "/Lotus/Mods/Serration", Name: strPtr("Serration"), MaxRank: intPtr(10), RawJson: "{}"},
			// repeated key: first statement wins
			normalize.Mod{UniqueName: "/Lotus/Mods/Serration", Name: strPtr("Serration Copy"), MaxRank: intPtr(3), RawJson: "{}"},
		},
		normalize.CategoryArcane: {
			normalize.Arcane{UniqueName: "/Lotus/Arcanes/Energize", MaxRank: 5, RawJson: "{}"},
		},
	}
}

func TestApply_TwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)
	batch := synth.BuildBatch(synth.SQLite, sampleRecords())

	for pass := 1; pass <= 2; pass++ {
		if err := d.Apply(ctx, batch.Executable()); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}

	want := map[normalize.Category]int{
		normalize.CategoryWarframe: 1,
		normalize.CategoryWeapon:   2,
		normalize.CategoryMod:      1,
		normalize.CategoryArcane:   1,
	}
	for c, n := range want {
		got, err := d.CountRows(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		if got != n {
			t.Errorf("%s: got %d rows, want %d", c.Table(), got, n)
		}
	}

	var name string
	var rank int
	err := d.Conn().QueryRowContext(ctx, "SELECT Name, MaxRank FROM Mods WHERE UniqueName = ?", "/Lotus/Mods/Serration").Scan(&name, &rank)
	if err != nil {
		t.Fatal(err)
	}
	if name != "Serration" || rank != 10 {
		t.Errorf("got %q rank %d, want first occurrence to win", name, rank)
	}

	var blade string
	err = d.Conn().QueryRowContext(ctx, "SELECT Name FROM Weapons WHERE UniqueName = ?", "/Lotus/Weapons/Blade").Scan(&blade)
	if err != nil {
		t.Fatal(err)
	}
	if blade != "O'Brien's Blade" {
		t.Errorf("got %q, want quotes preserved", blade)
	}
}

func TestApply_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)

	stmts := []string{
		synth.BeginMarker,
		`INSERT INTO Arcanes (UniqueName, MaxRank, RawJson) VALUES ('/a', 0, '{}');`,
		`INSERT INTO Nowhere (x) VALUES (1);`,
		synth.CommitMarker,
	}
	err := d.Apply(ctx, stmts)
	if err == nil {
		t.Fatal("expected error for unknown table")
	}

	n, err := d.CountRows(ctx, normalize.CategoryArcane)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("got %d rows after failed batch, want 0", n)
	}

	// session is usable again after rollback
	if err := d.Apply(ctx, synth.BuildBatch(synth.SQLite, sampleRecords()).Executable()); err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
}

func TestUniqueConstraintCatchesUnguardedInsert(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)
	insert := `INSERT INTO Arcanes (UniqueName, MaxRank, RawJson) VALUES ('/a', 0, '{}');`

	if err := d.Apply(ctx, []string{insert}); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(ctx, []string{insert}); err == nil {
		t.Error("expected unique constraint violation")
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	d, err := OpenDB(filepath.Join(t.TempDir(), "verify.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	batch := synth.BuildBatch(synth.SQLite, sampleRecords())
	report, err := Verify(ctx, d, batch.Executable(), batch.Counts)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Idempotent() {
		t.Error("report should be idempotent")
	}
	if len(report.Tables) != 4 {
		t.Fatalf("got %d tables, want 4", len(report.Tables))
	}
	weapons := report.Tables[1]
	if weapons.Category != normalize.CategoryWeapon || weapons.Statements != 2 || weapons.RowsFirst != 2 || weapons.RowsSecond != 2 {
		t.Errorf("unexpected weapons report: %+v", weapons)
	}
	mods := report.Tables[2]
	if mods.Statements != 2 || mods.RowsFirst != 1 {
		t.Errorf("unexpected mods report: %+v", mods)
	}
}

func TestVerify_DetectsNonIdempotentBatch(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)

	// plain upsert-style statement that rewrites a value on every pass
	stmts := []string{
		`INSERT INTO Arcanes (UniqueName, MaxRank, RawJson) VALUES ('/a', 0, '{}') ON CONFLICT(UniqueName) DO UPDATE SET MaxRank = MaxRank + 1;`,
	}
	_, err := Verify(ctx, d, stmts, nil)
	var notIdem *NotIdempotentError
	if !errors.As(err, &notIdem) {
		t.Fatalf("got %v, want NotIdempotentError", err)
	}
	if len(notIdem.Tables) != 1 || notIdem.Tables[0] != "Arcanes" {
		t.Errorf("got tables %v, want [Arcanes]", notIdem.Tables)
	}
}
