package database

import (
	"database/sql"
	"fmt"
	"os"

	"chatgateway/internal/crypto"
	"chatgateway/internal/migrations"
	"chatgateway/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the sqlite store backing the durable queue, the
// dead-letter lane and the provider config table. Provider config data is
// encrypted at rest through the injected cipher.
type Database struct {
	db     *sql.DB
	cipher crypto.Cipher
}

// New opens (creating if needed) the sqlite database at dbPath and applies
// the schema. The cipher is used for provider config data only; queue
// payloads are stored in the clear.
func New(dbPath string, cipher crypto.Cipher) (*Database, error) {
	if err := security.ValidateStorePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db, cipher: cipher}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}
