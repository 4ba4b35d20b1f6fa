package database

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is the embedded storage engine: one WAL SQLite file reached through
// two handles. The write handle is capped at a single connection and is only
// ever used by the Writer goroutine; reads go through a separate pool and may
// run concurrently with writes.
type Store struct {
	log     *zap.SugaredLogger
	writeDB *sql.DB
	readDB  *sql.DB
	writer  *Writer
}

func Open(path string, logger *zap.SugaredLogger, queueSize int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if err := writeDB.Ping(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("ping sqlite write handle: %w", err)
	}

	// query_only makes a misrouted write through the read pool fail loudly
	readDB, err := sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("open sqlite read pool: %w", err)
	}

	if err := readDB.Ping(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("ping sqlite read pool: %w", err)
	}

	if err := applyMigrations(writeDB, schemaFS); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s := &Store{
		log:     logger,
		writeDB: writeDB,
		readDB:  readDB,
	}
	s.writer = NewWriter(logger, writeDB, queueSize)

	return s, nil
}

// Writer exposes the store's single-writer submission queue so the caller
// can run it and drain it on shutdown.
func (s *Store) Writer() *Writer {
	return s.writer
}

// Close releases both handles. The writer must be drained first; Close is
// nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}

	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) Ping() error {
	if err := s.readDB.Ping(); err != nil {
		return err
	}
	return s.writeDB.Ping()
}
