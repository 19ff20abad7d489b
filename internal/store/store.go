// Package store owns the SQLite connection lifecycle for the Repository:
// schema initialization, the War/Peace durability handoff (spec.md §4.1),
// and permission hardening of the database's companion files.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Mode is the Repository's durability configuration.
type Mode int

const (
	// ModeWar: synchronous writes off, journal in memory, entered at
	// startup while the initial scan is in flight.
	ModeWar Mode = iota
	// ModePeace: write-ahead log with periodic checkpoint, steady state.
	ModePeace
)

// Store wraps the single *sql.DB connection backing the Repository.
// Single-writer, many-reader per spec.md §5: callers serialize writes
// through WithTx.
type Store struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	mode Mode
}

// Open creates the database (and schema) at dbPath if it doesn't exist,
// then enters War Mode so the caller's initial scan can run with
// durability relaxed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	escaped := strings.ReplaceAll(dbPath, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single-writer Repository (spec.md §5): one physical connection avoids
	// SQLITE_BUSY races between the database/sql pool and our own mutex.
	db.SetMaxOpenConns(1)

	// ON DELETE CASCADE on file_tags/vec_index only fires with foreign keys
	// enabled, which must hold in War Mode too.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.enterWarMode(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	hardenPermissions(dbPath)

	return s, nil
}

// DB returns the underlying connection for callers (e.g. store.New) that
// need raw Queries access outside a transaction.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Mode reports the current durability mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// WithTx runs fn inside a transaction and commits on success. The Queries
// passed to fn is bound to the transaction, not the pooled connection.
func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// enterWarMode engages bulk-ingest durability. Logged exactly once per
// process lifetime; the original implementation's test suite greps for
// this exact phrase.
func (s *Store) enterWarMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := execPragmaQuery(ctx, s.db, "PRAGMA journal_mode=MEMORY"); err != nil {
		log.Printf("[Repository] Failed to enter War Mode: %v", err)
		return fmt.Errorf("enter war mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=OFF"); err != nil {
		log.Printf("[Repository] Failed to enter War Mode: %v", err)
		return fmt.Errorf("enter war mode: %w", err)
	}

	s.mode = ModeWar
	log.Printf("[Repository] 🔥 ENTERING WAR MODE")
	return nil
}

// EnterPeaceMode performs the single-shot War→Peace transition: a full
// WAL checkpoint/truncate, then steady-state durability. Idempotent after
// the first successful call. The caller (Librarian, after its initial scan
// drains) is responsible for logging the user-facing handover message.
func (s *Store) EnterPeaceMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModePeace {
		return nil
	}

	// journal_mode and wal_checkpoint both return a row; ExecContext on a
	// row-returning PRAGMA produces "Execute returned results" (spec.md §9).
	// execPragmaQuery uses QueryContext and discards the row.
	if err := execPragmaQuery(ctx, s.db, "PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[Repository] Failed to exit War Mode: %v", err)
		return fmt.Errorf("exit war mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
		log.Printf("[Repository] Failed to exit War Mode: %v", err)
		return fmt.Errorf("exit war mode: %w", err)
	}
	if err := execPragmaQuery(ctx, s.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("[Repository] Failed to exit War Mode: %v", err)
		return fmt.Errorf("exit war mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		log.Printf("[Repository] Failed to exit War Mode: %v", err)
		return fmt.Errorf("exit war mode: %w", err)
	}

	s.mode = ModePeace
	hardenPermissions(s.path)
	return nil
}

// execPragmaQuery issues a PRAGMA via QueryContext and discards the row it
// returns. PRAGMAs like journal_mode and wal_checkpoint(TRUNCATE) return a
// row describing the result; running them through a zero-rows-expected
// Exec call fails. See spec.md §9 "Storage-engine PRAGMA hazard".
func execPragmaQuery(ctx context.Context, db *sql.DB, stmt string) error {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		// Informational row(s); nothing to read.
	}
	return rows.Err()
}

// hardenPermissions applies spec.md §4.1's permission hardening to the
// database's three companion files (main, -wal, -shm): if the process is
// running as root via sudo, chown them to the real user identified by
// SUDO_UID/SUDO_GID; otherwise fall back to group-readable permissions.
func hardenPermissions(dbPath string) {
	if os.Geteuid() != 0 {
		return
	}

	paths := []string{dbPath, dbPath + "-wal", dbPath + "-shm"}

	uid, uidErr := strconv.Atoi(os.Getenv("SUDO_UID"))
	gid, gidErr := strconv.Atoi(os.Getenv("SUDO_GID"))
	if uidErr != nil || gidErr != nil {
		chmodAll(paths)
		return
	}

	for _, p := range paths {
		if err := os.Chown(p, uid, gid); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Printf("[Repository] permission hardening: chown %s failed, falling back to chmod: %v", p, err)
			chmodAll([]string{p})
		}
	}
}

func chmodAll(paths []string) {
	for _, p := range paths {
		if err := os.Chmod(p, 0664); err != nil && !os.IsNotExist(err) {
			log.Printf("[Repository] permission hardening: chmod %s: %v", p, err)
		}
	}
}

// NowUnix returns the current time as Unix seconds, the storage
// representation used throughout file_registry/file_tags.
func NowUnix() int64 {
	return time.Now().Unix()
}
