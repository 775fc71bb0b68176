package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to a relational database using the given driver and DSN.
func Open(dbType, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn must be provided", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL DEFAULT '',
				password_hash TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id INTEGER PRIMARY KEY,
				user_id TEXT,
				title TEXT NOT NULL,
				status TEXT NOT NULL,
				pending_since DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS transcript_turns (
				transcript_id INTEGER NOT NULL,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				time_label TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (transcript_id, seq),
				FOREIGN KEY(transcript_id) REFERENCES transcripts(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS account_transcripts (
				account_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				transcript_id INTEGER NOT NULL,
				PRIMARY KEY (account_id, seq),
				FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transcripts_pending ON transcripts(status, pending_since)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id VARCHAR(64) NOT NULL,
				email VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL DEFAULT '',
				password_hash VARCHAR(255) NOT NULL,
				created_at DATETIME(3) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS transcripts (
				id BIGINT NOT NULL,
				user_id VARCHAR(64) NULL,
				title VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				pending_since DATETIME(3) NULL,
				created_at DATETIME(3) NOT NULL,
				updated_at DATETIME(3) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_transcripts_pending (status, pending_since)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS transcript_turns (
				transcript_id BIGINT NOT NULL,
				seq INT NOT NULL,
				role VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				time_label TEXT NOT NULL,
				PRIMARY KEY (transcript_id, seq),
				CONSTRAINT fk_turns_transcript FOREIGN KEY (transcript_id) REFERENCES transcripts(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS account_transcripts (
				account_id VARCHAR(64) NOT NULL,
				seq INT NOT NULL,
				transcript_id BIGINT NOT NULL,
				PRIMARY KEY (account_id, seq),
				CONSTRAINT fk_account_transcripts_account FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
