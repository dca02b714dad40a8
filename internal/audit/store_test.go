package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"adrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)

	if v, _ := GetSchemaVersion(db); v != 0 {
		t.Fatalf("fresh db should report version 0, got %d", v)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("expected %d schema_version rows, got %d", len(migrations), n)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"command_logs", "user_sessions", "executions", "user_lookups", "schema_version"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRunMigrations_UpgradesFromV1(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	full := migrations
	migrations = full[:1]
	if err := RunMigrations(db, logger); err != nil {
		migrations = full
		t.Fatal(err)
	}
	migrations = full

	if v, _ := GetSchemaVersion(db); v != 1 {
		t.Fatalf("expected version 1 after partial run, got %d", v)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if v, _ := GetSchemaVersion(db); v != schemaVersion {
		t.Fatalf("expected version %d after upgrade, got %d", schemaVersion, v)
	}
}

func TestStore_RecordAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	recs := []domain.AuditRecord{
		{Timestamp: base, ActorID: "1", ActorName: "Alice", ChatID: "-100", Command: "!unlock-user jdoe", Status: domain.AuditSuccess, Details: "ok"},
		{Timestamp: base.Add(time.Minute), ActorID: "2", ActorName: "Bob", ChatID: "-200", Command: "!disable-user jdoe", Status: domain.AuditFailed, Details: "not found"},
		{Timestamp: base.Add(2 * time.Minute), ActorID: "1", ActorName: "Alice", ChatID: "-100", Command: "!enable-agent host1", Status: domain.AuditSuccess},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := s.History(ctx, Filter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].Command != "!enable-agent host1" {
		t.Errorf("history should be newest first, got %q", all[0].Command)
	}
	if !all[2].Timestamp.Equal(base) {
		t.Errorf("timestamp round trip: got %v want %v", all[2].Timestamp, base)
	}

	alice, _ := s.History(ctx, Filter{ActorID: "1"})
	if len(alice) != 2 {
		t.Errorf("expected 2 records for actor 1, got %d", len(alice))
	}

	window, _ := s.History(ctx, Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	if len(window) != 1 || window[0].ActorName != "Bob" || window[0].Status != domain.AuditFailed {
		t.Errorf("unexpected window result %+v", window)
	}

	limited, _ := s.History(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestStore_ReportJoinsSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := domain.Session{
		ID:          "sess-1",
		UserID:      "1",
		Identity:    domain.Identity{DisplayName: "Alice", UserPrincipalName: "alice@corp.example.com", Department: "IT"},
		IssuedAt:    now.Add(-time.Minute),
		MFAVerified: true,
	}
	if err := s.RecordSession(ctx, sess); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	s.Record(ctx, domain.AuditRecord{Timestamp: now, ActorID: "1", ActorName: "Alice", ChatID: "-100", Command: "!unlock-user jdoe", Status: domain.AuditSuccess, SessionID: "sess-1"})
	s.Record(ctx, domain.AuditRecord{Timestamp: now, ActorID: "2", ActorName: "Bob", ChatID: "-100", Command: "!unlock-user x", Status: domain.AuditFailed})

	rows, err := s.Report(ctx, now.Add(-time.Hour), now.Add(time.Hour), "")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	var joined *ReportRow
	for i := range rows {
		if rows[i].SessionID == "sess-1" {
			joined = &rows[i]
		}
	}
	if joined == nil || joined.UPN != "alice@corp.example.com" || !joined.MFAVerified || joined.LoginTime.IsZero() {
		t.Fatalf("session join missing: %+v", joined)
	}

	only, _ := s.Report(ctx, now.Add(-time.Hour), now.Add(time.Hour), "2")
	if len(only) != 1 || only[0].UPN != "" {
		t.Fatalf("actor filter / unmatched join wrong: %+v", only)
	}

	none, _ := s.Report(ctx, now.Add(time.Hour), now.Add(2*time.Hour), "")
	if len(none) != 0 {
		t.Fatalf("expected empty report outside range, got %d", len(none))
	}
}

func TestStore_Stats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats on empty db: %v", err)
	}
	if st.TotalCommands != 0 || st.LastCommand != nil {
		t.Fatalf("unexpected empty stats %+v", st)
	}

	now := time.Now().UTC()
	s.Record(ctx, domain.AuditRecord{Timestamp: now, ActorID: "1", ActorName: "A", ChatID: "c", Command: "!a x", Status: domain.AuditSuccess})
	s.Record(ctx, domain.AuditRecord{Timestamp: now.Add(time.Second), ActorID: "1", ActorName: "A", ChatID: "c", Command: "!b x", Status: domain.AuditFailed})
	s.Record(ctx, domain.AuditRecord{Timestamp: now.Add(2 * time.Second), ActorID: "2", ActorName: "B", ChatID: "c", Command: "!c x", Status: domain.AuditSuccess})
	s.RecordExecution(ctx, domain.ExecutionRecord{CommandID: "cmd-1", Command: "!c x", ActorID: "2", ActorName: "B", Status: domain.AuditSuccess, HTTPStatus: 202, Duration: 40 * time.Millisecond})

	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalCommands != 3 || st.SuccessfulCommands != 2 || st.FailedCommands != 1 || st.UniqueUsers != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.Executions != 1 {
		t.Errorf("expected 1 execution, got %d", st.Executions)
	}
	if st.LastCommand == nil || st.LastCommand.Command != "!c x" {
		t.Errorf("unexpected last command %+v", st.LastCommand)
	}
}

func TestStore_RecordLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	target := &domain.TargetRecord{DisplayName: "Jane Doe", UserPrincipalName: "jdoe@corp.example.com"}
	if err := s.RecordLookup(ctx, domain.LookupRecord{Kind: domain.TargetUsername, Value: "jdoe", ActorID: "1", ActorName: "A", Found: true, Target: target}); err != nil {
		t.Fatalf("RecordLookup: %v", err)
	}
	if err := s.RecordLookup(ctx, domain.LookupRecord{Kind: domain.TargetEmail, Value: "x@y", ActorID: "1", ActorName: "A"}); err != nil {
		t.Fatalf("RecordLookup (not found): %v", err)
	}

	var found int
	var info string
	if err := s.db.QueryRow("SELECT found, target_info FROM user_lookups WHERE lookup_value = 'jdoe'").Scan(&found, &info); err != nil {
		t.Fatal(err)
	}
	if found != 1 || info == "" {
		t.Fatalf("unexpected lookup row: found=%d info=%q", found, info)
	}
}

func TestStore_Purge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -100)

	s.Record(ctx, domain.AuditRecord{Timestamp: old, ActorID: "1", ActorName: "A", ChatID: "c", Command: "!old x", Status: domain.AuditSuccess})
	s.Record(ctx, domain.AuditRecord{Timestamp: now, ActorID: "1", ActorName: "A", ChatID: "c", Command: "!new x", Status: domain.AuditSuccess})
	s.RecordExecution(ctx, domain.ExecutionRecord{Command: "!old x", ActorID: "1", ActorName: "A", Status: domain.AuditSuccess, Timestamp: old})

	n, err := s.Purge(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	left, _ := s.History(ctx, Filter{})
	if len(left) != 1 || left[0].Command != "!new x" {
		t.Fatalf("unexpected remaining records %+v", left)
	}
	st, _ := s.Stats(ctx)
	if st.Executions != 0 {
		t.Fatalf("old executions should be purged, got %d", st.Executions)
	}
}

func TestStore_PurgeIsAtomic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -100)

	s.Record(ctx, domain.AuditRecord{Timestamp: old, ActorID: "1", ActorName: "A", ChatID: "c", Command: "!old x", Status: domain.AuditSuccess})
	s.RecordExecution(ctx, domain.ExecutionRecord{Command: "!old x", ActorID: "1", ActorName: "A", Status: domain.AuditSuccess, Timestamp: old})

	// The last table in the purge is gone, so the purge fails partway.
	if _, err := s.db.ExecContext(ctx, "DROP TABLE user_lookups"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Purge(ctx, time.Now().UTC()); err == nil {
		t.Fatal("expected purge error")
	}

	left, err := s.History(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Fatalf("failed purge must roll back command logs, have %d rows", len(left))
	}
	var execs int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&execs); err != nil {
		t.Fatal(err)
	}
	if execs != 1 {
		t.Fatalf("failed purge must roll back executions, have %d rows", execs)
	}
}

func TestStore_ConcurrentRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Record(ctx, domain.AuditRecord{ActorID: "1", ActorName: "A", ChatID: "c", Command: "!unlock-user x", Status: domain.AuditSuccess}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	st, _ := s.Stats(ctx)
	if st.TotalCommands != 20 {
		t.Fatalf("expected 20 records, got %d", st.TotalCommands)
	}
}

func TestBackup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, domain.AuditRecord{ActorID: "u1", Command: "!unlock-user jdoe", Status: domain.AuditSuccess}); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "snap", "audit.db")
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := s.Backup(ctx, dest); err == nil {
		t.Fatal("backup over an existing file must fail")
	}

	copyStore, err := Open(dest, testLogger())
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	recs, err := copyStore.History(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ActorID != "u1" {
		t.Fatalf("backup content mismatch: %+v", recs)
	}
}
