package main

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// userDirectoryStore is the warm-cache persistence for UserDirectory,
// grounded directly on worker_list_store.go's sqlite-open idiom: the same
// sql.Open("sqlite", path+"?_foreign_keys=1&_journal=WAL") DSN, the same
// CREATE TABLE IF NOT EXISTS bootstrap, applied here to a name->userId
// table instead of saved-worker rows.
type userDirectoryStore struct {
	db *sql.DB
}

func newUserDirectoryStore(path string) (*userDirectoryStore, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_foreign_keys=1&_journal=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_directory (
			name TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &userDirectoryStore{db: db}, nil
}

func (s *userDirectoryStore) upsert(name string, userID uint32) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO user_directory (name, user_id) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET user_id = excluded.user_id
	`, name, userID)
	return err
}

func (s *userDirectoryStore) loadAll() (map[string]uint32, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query("SELECT name, user_id FROM user_directory")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint32)
	for rows.Next() {
		var name string
		var id uint32
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

func (s *userDirectoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
