package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open connects to the SQLite database and runs schema migrations.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=1", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return conn, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at DATETIME NOT NULL,
			session_hash TEXT NOT NULL,
			action TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL CHECK(source IN ('provider','cache','coalesced'))
		);`,
		`CREATE TABLE IF NOT EXISTS guides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME NOT NULL,
			session_hash TEXT NOT NULL,
			source_name TEXT NOT NULL,
			file_fingerprint TEXT NOT NULL,
			slide_count INTEGER NOT NULL DEFAULT 0,
			intro TEXT NOT NULL DEFAULT '',
			outro TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS guide_questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guide_id INTEGER NOT NULL,
			slide_num INTEGER NOT NULL,
			question_type TEXT NOT NULL,
			question_text TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			example_answer TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '',
			items TEXT NOT NULL DEFAULT '',
			correct_order TEXT NOT NULL DEFAULT '',
			selected INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY(guide_id) REFERENCES guides(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_occurred ON usage_events(occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_guides_created ON guides(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_questions_guide ON guide_questions(guide_id, slide_num);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return nil
}
