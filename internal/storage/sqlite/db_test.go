package sqlite

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "dojo.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q; want wal", journalMode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d; want 1", fk)
	}
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)

	version, err := db.Version()
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version != 3 {
		t.Errorf("Version() = %d; want 3", version)
	}

	tables := []string{"submissions", "processed_events", "topic_stats", "problem_progress",
		"attempts", "topic_insights", "revision_items"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if version, _ := db.Version(); version != 3 {
		t.Errorf("Version() = %d; want 3", version)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"001_submissions.sql", 1, false},
		{"003_revisions.sql", 3, false},
		{"010_something.sql", 10, false},
		{"notaversion.sql", 0, true},
		{"abc_x.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := parseVersion(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseVersion(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseVersion(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 10, 12, 30, 0, 123456789, time.FixedZone("CET", 3600))
	got, err := parseTime(formatTime(in))
	if err != nil {
		t.Fatalf("parseTime() error = %v", err)
	}
	if !got.Equal(in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}

	// Lexical order must follow time order.
	a := formatTime(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	b := formatTime(time.Date(2026, 3, 10, 10, 0, 0, 5, time.UTC))
	if a >= b {
		t.Errorf("%q should sort before %q", a, b)
	}
}

// openTestDB opens and migrates a database in a temp dir.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "dojo.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
