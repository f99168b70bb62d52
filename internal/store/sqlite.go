package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    text TEXT NOT NULL,
    ts INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    handle TEXT UNIQUE NOT NULL,
    display_name TEXT NOT NULL,
    password_digest TEXT NOT NULL
);
`

// SQLiteStore persists users and messages in a single SQLite file.
//
// SQLite allows one writer at a time, so the pool is limited to a single
// connection and every call is additionally serialized by mu.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for a throwaway database.
func OpenSQLite(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "store").Str("driver", "sqlite").Logger(),
		now: time.Now,
	}
	s.log.Debug().Str("path", path).Msg("database ready")
	return s, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveMessage appends a record; the id is assigned by SQLite.
func (s *SQLiteStore) SaveMessage(ctx context.Context, userID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, text, ts) VALUES (?, ?, ?)`,
		userID, text, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// LoadMessages visits every record ordered by id. Rows are buffered before
// visiting so the single connection is free again when visit runs.
func (s *SQLiteStore) LoadMessages(ctx context.Context, visit func(Record) error) error {
	records, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) loadAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, text, ts FROM messages ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ts).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return records, nil
}

// ClearMessages deletes the whole log in one statement.
func (s *SQLiteStore) ClearMessages(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// CountMessages returns the number of stored records.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages`)
}

// CountUsers returns the number of registered users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM users`)
}

func (s *SQLiteStore) count(ctx context.Context, query string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// RegisterUser inserts a user. The UNIQUE constraint on handle makes the
// insert fail as a whole on collision.
func (s *SQLiteStore) RegisterUser(ctx context.Context, handle, displayName, digest string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (handle, display_name, password_digest) VALUES (?, ?, ?)`,
		handle, displayName, digest)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrHandleTaken
		}
		return User{}, fmt.Errorf("register user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("register user: %w", err)
	}
	return User{ID: id, Handle: handle, DisplayName: displayName, Digest: digest}, nil
}

// FindByCredentials returns the user matching both handle and digest.
func (s *SQLiteStore) FindByCredentials(ctx context.Context, handle, digest string) (User, error) {
	return s.findOne(ctx,
		`SELECT id, handle, display_name, password_digest FROM users WHERE handle = ? AND password_digest = ? LIMIT 1`,
		handle, digest)
}

// FindByID returns the user with the given id.
func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (User, error) {
	return s.findOne(ctx,
		`SELECT id, handle, display_name, password_digest FROM users WHERE id = ? LIMIT 1`, id)
}

// FindByHandle returns the user with the given handle.
func (s *SQLiteStore) FindByHandle(ctx context.Context, handle string) (User, error) {
	return s.findOne(ctx,
		`SELECT id, handle, display_name, password_digest FROM users WHERE handle = ? LIMIT 1`, handle)
}

func (s *SQLiteStore) findOne(ctx context.Context, query string, args ...any) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var u User
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Handle, &u.DisplayName, &u.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
