// Package store persists chat users and the append-only message log.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHandleTaken is returned by RegisterUser when the handle already exists.
	ErrHandleTaken = errors.New("store: handle already taken")
	// ErrUserNotFound is returned by the Find* lookups when no user matches.
	ErrUserNotFound = errors.New("store: user not found")
)

// User is a registered account.
type User struct {
	ID          int64  `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Digest      string `json:"digest"`
}

// Record is a persisted chat message. Text holds the serialized envelope the
// author sent, not just the message body.
type Record struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the interface for persistence backends. Implementations serialize
// access internally and are safe for concurrent use.
type Store interface {
	SaveMessage(ctx context.Context, userID int64, text string) error
	// LoadMessages calls visit for every record in ascending ID order and
	// stops at the first error visit returns.
	LoadMessages(ctx context.Context, visit func(Record) error) error
	ClearMessages(ctx context.Context) error
	CountMessages(ctx context.Context) (int, error)

	RegisterUser(ctx context.Context, handle, displayName, digest string) (User, error)
	FindByCredentials(ctx context.Context, handle, digest string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	FindByHandle(ctx context.Context, handle string) (User, error)
	CountUsers(ctx context.Context) (int, error)

	Close() error
}
