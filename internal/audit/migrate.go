package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. Each is applied
// exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: command_logs, user_sessions",
		SQL: `
		CREATE TABLE IF NOT EXISTS command_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			user_name   TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			command     TEXT NOT NULL,
			result      TEXT NOT NULL,
			details     TEXT,
			session_id  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_command_logs_user ON command_logs(user_id);
		CREATE INDEX IF NOT EXISTS idx_command_logs_time ON command_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_command_logs_chat ON command_logs(chat_id);

		CREATE TABLE IF NOT EXISTS user_sessions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT UNIQUE NOT NULL,
			user_id       TEXT NOT NULL,
			user_name     TEXT NOT NULL,
			upn           TEXT,
			department    TEXT,
			login_time    TEXT NOT NULL,
			mfa_verified  BOOLEAN DEFAULT 0,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id);
		`,
	},
	{
		Version:     2,
		Description: "v2: executions, user_lookups",
		SQL: `
		CREATE TABLE IF NOT EXISTS executions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id      TEXT,
			command         TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			user_name       TEXT NOT NULL,
			status          TEXT NOT NULL,
			http_status     INTEGER DEFAULT 0,
			response        TEXT,
			error           TEXT,
			duration_ms     INTEGER DEFAULT 0,
			timestamp       TEXT NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_executions_command_id ON executions(command_id);
		CREATE INDEX IF NOT EXISTS idx_executions_time ON executions(timestamp);

		CREATE TABLE IF NOT EXISTS user_lookups (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			lookup_type   TEXT NOT NULL,
			lookup_value  TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			user_name     TEXT NOT NULL,
			found         BOOLEAN DEFAULT 0,
			error         TEXT,
			target_info   TEXT,
			timestamp     TEXT NOT NULL,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_user_lookups_time ON user_lookups(timestamp);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			logger.Warn("migration SQL partially failed, retrying per statement",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// applyMigrationStatements applies each statement on its own, skipping
// "already exists" and "duplicate column" failures.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
