// Package store keeps local state in SQLite: OAuth tokens and the history of
// sync runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"
)

var ErrNoToken = errors.New("no token stored")

const schemaName = "campsync"

type Store struct {
	db *sql.DB
}

// Open opens the database at path and brings its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM db_version WHERE name = ?", schemaName).Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS db_version (
			name TEXT PRIMARY KEY,
			version INTEGER
		)`); err != nil {
			return fmt.Errorf("error creating db_version table: %w", err)
		}
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO db_version (name, version) VALUES (?, 0)`, schemaName); err != nil {
			return fmt.Errorf("error initializing db_version table: %w", err)
		}
		version = 0
	}

	if version == 0 {
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS tokens (
			account_name TEXT PRIMARY KEY,
			token TEXT)`); err != nil {
			return fmt.Errorf("error creating tokens table: %w", err)
		}
		version = 1
		if err := s.setVersion(version); err != nil {
			return err
		}
	}

	if version == 1 {
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			propagated INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("error creating sync_runs table: %w", err)
		}
		version = 2
		if err := s.setVersion(version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) setVersion(v int) error {
	if _, err := s.db.Exec(`UPDATE db_version SET version = ? WHERE name = ?`, v, schemaName); err != nil {
		return fmt.Errorf("error updating db_version table: %w", err)
	}
	return nil
}

// Token returns the token stored for account, or ErrNoToken.
func (s *Store) Token(account string) (*oauth2.Token, error) {
	var tokenJSON []byte
	err := s.db.QueryRow("SELECT token FROM tokens WHERE account_name = ?", account).Scan(&tokenJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("error retrieving token from database: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %w", err)
	}
	return &token, nil
}

func (s *Store) SaveToken(account string, token *oauth2.Token) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO tokens (account_name, token) VALUES (?, ?)", account, tokenJSON)
	return err
}

// Run is one recorded sync.
type Run struct {
	ID         string
	Started    time.Time
	Finished   time.Time
	Created    int
	Updated    int
	Deleted    int
	Failed     int
	Propagated int
	Status     string
}

func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sync_runs
		(id, started_at, finished_at, created, updated, deleted, failed, propagated, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Started.UTC().Format(time.RFC3339), r.Finished.UTC().Format(time.RFC3339),
		r.Created, r.Updated, r.Deleted, r.Failed, r.Propagated, r.Status)
	if err != nil {
		return fmt.Errorf("error recording run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, finished_at, created, updated, deleted, failed, propagated, status
		FROM sync_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error retrieving runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Created, &r.Updated, &r.Deleted, &r.Failed, &r.Propagated, &r.Status); err != nil {
			return nil, fmt.Errorf("unable to read run record: %w", err)
		}
		if r.Started, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("run %s: invalid start time: %w", r.ID, err)
		}
		if r.Finished, err = time.Parse(time.RFC3339, finished); err != nil {
			return nil, fmt.Errorf("run %s: invalid finish time: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
