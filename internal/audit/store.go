// Package audit is the append-only record of command attempts, sign-ins,
// directory lookups and remote executions, kept in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adrelay/internal/domain"
)

// tsLayout is fixed-width UTC so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 100

// Store implements domain.AuditRecorder on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the audit database and applies migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// Record appends a command attempt.
func (s *Store) Record(ctx context.Context, rec domain.AuditRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO command_logs (timestamp, user_id, user_name, chat_id, command, result, details, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTS(rec.Timestamp), rec.ActorID, rec.ActorName, rec.ChatID,
		rec.Command, string(rec.Status), rec.Details, rec.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert command log: %w", err)
	}
	id, _ := res.LastInsertId()
	s.logger.Debug("command logged", "id", id, "command", rec.Command, "result", rec.Status)
	return nil
}

// RecordSession logs a completed sign-in.
func (s *Store) RecordSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_sessions (session_id, user_id, user_name, upn, department, login_time, mfa_verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Identity.DisplayName, sess.Identity.UserPrincipalName,
		sess.Identity.Department, formatTS(sess.IssuedAt), sess.MFAVerified,
	)
	if err != nil {
		return fmt.Errorf("insert user session: %w", err)
	}
	return nil
}

// RecordExecution logs a call to the remote execution API.
func (s *Store) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (command_id, command, user_id, user_name, status, http_status, response, error, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.Command, rec.ActorID, rec.ActorName, string(rec.Status),
		rec.HTTPStatus, rec.Response, rec.Error, rec.Duration.Milliseconds(), formatTS(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordLookup logs a directory lookup.
func (s *Store) RecordLookup(ctx context.Context, rec domain.LookupRecord) error {
	var target string
	if rec.Target != nil {
		data, err := json.Marshal(rec.Target)
		if err != nil {
			return fmt.Errorf("marshal lookup target: %w", err)
		}
		target = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_lookups (lookup_type, lookup_value, user_id, user_name, found, error, target_info, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.Value, rec.ActorID, rec.ActorName, rec.Found, rec.Error, target, formatTS(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert lookup: %w", err)
	}
	return nil
}

// Filter narrows History. Zero fields are ignored.
type Filter struct {
	ActorID string
	From    time.Time
	To      time.Time
	Limit   int
}

// History returns command attempts, newest first.
func (s *Store) History(ctx context.Context, f Filter) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.ActorID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.ActorID)
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTS(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTS(f.To))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	q := `SELECT id, timestamp, user_id, user_name, chat_id, command, result, COALESCE(details, ''), COALESCE(session_id, '')
	      FROM command_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query command history: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec    domain.AuditRecord
			ts     string
			status string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.ActorID, &rec.ActorName, &rec.ChatID,
			&rec.Command, &status, &rec.Details, &rec.SessionID); err != nil {
			return nil, fmt.Errorf("scan command log: %w", err)
		}
		rec.Timestamp = parseTS(ts)
		rec.Status = domain.AuditStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReportRow is a command attempt joined with the sign-in that authorized it.
type ReportRow struct {
	domain.AuditRecord
	UPN         string    `json:"upn,omitempty"`
	MFAVerified bool      `json:"mfaVerified"`
	LoginTime   time.Time `json:"loginTime,omitempty"`
}

// Report returns command attempts between from and to (inclusive) joined
// with their sessions, newest first.
func (s *Store) Report(ctx context.Context, from, to time.Time, actorID string) ([]ReportRow, error) {
	q := `SELECT cl.id, cl.timestamp, cl.user_id, cl.user_name, cl.chat_id, cl.command, cl.result,
	             COALESCE(cl.details, ''), COALESCE(cl.session_id, ''),
	             COALESCE(us.upn, ''), COALESCE(us.mfa_verified, 0), COALESCE(us.login_time, '')
	      FROM command_logs cl
	      LEFT JOIN user_sessions us ON cl.session_id = us.session_id
	      WHERE cl.timestamp BETWEEN ? AND ?`
	args := []any{formatTS(from), formatTS(to)}
	if actorID != "" {
		q += " AND cl.user_id = ?"
		args = append(args, actorID)
	}
	q += " ORDER BY cl.timestamp DESC, cl.id DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit report: %w", err)
	}
	defer rows.Close()

	var out []ReportRow
	for rows.Next() {
		var (
			r             ReportRow
			ts, login, st string
		)
		if err := rows.Scan(&r.ID, &ts, &r.ActorID, &r.ActorName, &r.ChatID, &r.Command, &st,
			&r.Details, &r.SessionID, &r.UPN, &r.MFAVerified, &login); err != nil {
			return nil, fmt.Errorf("scan audit report: %w", err)
		}
		r.Timestamp = parseTS(ts)
		r.Status = domain.AuditStatus(st)
		if login != "" {
			r.LoginTime = parseTS(login)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarizes the command log.
type Stats struct {
	TotalCommands      int                 `json:"totalCommands"`
	SuccessfulCommands int                 `json:"successfulCommands"`
	FailedCommands     int                 `json:"failedCommands"`
	UniqueUsers        int                 `json:"uniqueUsers"`
	Sessions           int                 `json:"sessions"`
	Executions         int                 `json:"executions"`
	LastCommand        *domain.AuditRecord `json:"lastCommand"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN result = 'SUCCESS' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN result = 'FAILED' THEN 1 ELSE 0 END), 0),
		        COUNT(DISTINCT user_id)
		 FROM command_logs`,
	).Scan(&st.TotalCommands, &st.SuccessfulCommands, &st.FailedCommands, &st.UniqueUsers)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_sessions").Scan(&st.Sessions); err != nil {
		return Stats{}, fmt.Errorf("count sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&st.Executions); err != nil {
		return Stats{}, fmt.Errorf("count executions: %w", err)
	}

	last, err := s.History(ctx, Filter{Limit: 1})
	if err != nil {
		return Stats{}, err
	}
	if len(last) == 1 {
		st.LastCommand = &last[0]
	}
	return st, nil
}

// purgeStatements clear the tables that hang off command_logs. All run in one
// transaction with the command_logs delete.
var purgeStatements = []string{
	"DELETE FROM user_sessions WHERE login_time < ?",
	"DELETE FROM executions WHERE timestamp < ?",
	"DELETE FROM user_lookups WHERE timestamp < ?",
}

// Purge deletes records older than cutoff from every table and returns the
// number of command log rows removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := formatTS(cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM command_logs WHERE timestamp < ?", ts)
	if err != nil {
		return 0, fmt.Errorf("purge command logs: %w", err)
	}
	n, _ := res.RowsAffected()

	for _, q := range purgeStatements {
		if _, err := tx.ExecContext(ctx, q, ts); err != nil {
			return 0, fmt.Errorf("purge: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge: commit: %w", err)
	}

	if n > 0 {
		s.logger.Info("audit records purged", "count", n, "cutoff", ts)
	}
	return n, nil
}

// Backup writes a consistent copy of the database to dest, which must not
// exist yet.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup target %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}
