package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps users and messages in process memory. Nothing survives a
// restart; it backs tests and single-process demos.
type MemoryStore struct {
	mu       sync.Mutex
	users    []User
	byHandle map[string]int
	messages []Record
	nextMsg  int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHandle: make(map[string]int),
		now:      time.Now,
	}
}

// SaveMessage appends a record to the log.
func (s *MemoryStore) SaveMessage(_ context.Context, userID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	s.messages = append(s.messages, Record{
		ID:        s.nextMsg,
		UserID:    userID,
		Text:      text,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// LoadMessages visits a copy of the log so visit may call back into the store.
func (s *MemoryStore) LoadMessages(ctx context.Context, visit func(Record) error) error {
	s.mu.Lock()
	records := make([]Record, len(s.messages))
	copy(records, s.messages)
	s.mu.Unlock()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

// ClearMessages drops the whole log. IDs keep increasing afterwards.
func (s *MemoryStore) ClearMessages(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

// CountMessages returns the number of stored records.
func (s *MemoryStore) CountMessages(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}

// RegisterUser inserts a new user, failing with ErrHandleTaken on collision.
func (s *MemoryStore) RegisterUser(_ context.Context, handle, displayName, digest string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHandle[handle]; ok {
		return User{}, ErrHandleTaken
	}
	u := User{
		ID:          int64(len(s.users) + 1),
		Handle:      handle,
		DisplayName: displayName,
		Digest:      digest,
	}
	s.users = append(s.users, u)
	s.byHandle[handle] = len(s.users) - 1
	return u, nil
}

// FindByCredentials returns the user whose handle and digest both match.
func (s *MemoryStore) FindByCredentials(_ context.Context, handle, digest string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byHandle[handle]
	if !ok || s.users[i].Digest != digest {
		return User{}, ErrUserNotFound
	}
	return s.users[i], nil
}

// FindByID returns the user with the given id.
func (s *MemoryStore) FindByID(_ context.Context, id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.users)) {
		return User{}, ErrUserNotFound
	}
	return s.users[id-1], nil
}

// FindByHandle returns the user with the given handle.
func (s *MemoryStore) FindByHandle(_ context.Context, handle string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byHandle[handle]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.users[i], nil
}

// CountUsers returns the number of registered users.
func (s *MemoryStore) CountUsers(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
