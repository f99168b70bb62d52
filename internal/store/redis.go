package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisTimeout bounds every individual Redis round trip.
const redisTimeout = 2 * time.Second

// registerScript inserts a user atomically. It returns 0 when the handle is
// already taken, otherwise the new user id.
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local id = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], id)
redis.call('HSET', ARGV[4] .. id, 'handle', ARGV[1], 'display_name', ARGV[2], 'digest', ARGV[3])
redis.call('SADD', KEYS[3], id)
return id
`)

// RedisStore persists users as hashes and the message log as a single list.
type RedisStore struct {
	mu     sync.Mutex
	client redis.Cmdable
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// NewRedisStore creates a RedisStore whose keys all start with prefix.
func NewRedisStore(client redis.Cmdable, prefix string, log zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "chat:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "store").Str("driver", "redis").Logger(),
		now:    time.Now,
	}
}

func (s *RedisStore) messagesKey() string { return s.prefix + "messages" }
func (s *RedisStore) messageSeqKey() string { return s.prefix + "messages:seq" }
func (s *RedisStore) userSeqKey() string { return s.prefix + "users:seq" }
func (s *RedisStore) usersKey() string { return s.prefix + "users" }
func (s *RedisStore) userKeyPrefix() string { return s.prefix + "user:" }
func (s *RedisStore) handleKey(h string) string { return s.prefix + "handle:" + h }

// SaveMessage assigns the next sequence id and appends the record.
func (s *RedisStore) SaveMessage(ctx context.Context, userID int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.client.Incr(ctx, s.messageSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis: next message id: %w", err)
	}
	data, err := json.Marshal(Record{
		ID:        id,
		UserID:    userID,
		Text:      text,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}
	if err := s.client.RPush(ctx, s.messagesKey(), data).Err(); err != nil {
		return fmt.Errorf("redis: append message: %w", err)
	}
	return nil
}

// LoadMessages reads the whole list and visits each record in order.
// Entries that fail to decode are skipped.
func (s *RedisStore) LoadMessages(ctx context.Context, visit func(Record) error) error {
	readCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	vals, err := s.client.LRange(readCtx, s.messagesKey(), 0, -1).Result()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("redis: read messages: %w", err)
	}

	for _, v := range vals {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			s.log.Warn().Err(err).Msg("skipping undecodable message")
			continue
		}
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

// ClearMessages deletes the message list.
func (s *RedisStore) ClearMessages(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Del(ctx, s.messagesKey()).Err(); err != nil {
		return fmt.Errorf("redis: clear messages: %w", err)
	}
	return nil
}

// CountMessages returns the list length.
func (s *RedisStore) CountMessages(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.client.LLen(ctx, s.messagesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count messages: %w", err)
	}
	return int(n), nil
}

// RegisterUser runs the registration script so the handle reservation and
// the user hash are written together or not at all.
func (s *RedisStore) RegisterUser(ctx context.Context, handle, displayName, digest string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []string{s.handleKey(handle), s.userSeqKey(), s.usersKey()}
	id, err := registerScript.Run(ctx, s.client, keys, handle, displayName, digest, s.userKeyPrefix()).Int64()
	if err != nil {
		return User{}, fmt.Errorf("redis: register user: %w", err)
	}
	if id == 0 {
		return User{}, ErrHandleTaken
	}
	return User{ID: id, Handle: handle, DisplayName: displayName, Digest: digest}, nil
}

// FindByCredentials looks the user up by handle and compares the digest.
func (s *RedisStore) FindByCredentials(ctx context.Context, handle, digest string) (User, error) {
	u, err := s.FindByHandle(ctx, handle)
	if err != nil {
		return User{}, err
	}
	if u.Digest != digest {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// FindByID loads the user hash for id.
func (s *RedisStore) FindByID(ctx context.Context, id int64) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByID(ctx, id)
}

func (s *RedisStore) findByID(ctx context.Context, id int64) (User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKeyPrefix()+strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return User{}, fmt.Errorf("redis: load user %d: %w", id, err)
	}
	if len(fields) == 0 {
		return User{}, ErrUserNotFound
	}
	return User{
		ID:          id,
		Handle:      fields["handle"],
		DisplayName: fields["display_name"],
		Digest:      fields["digest"],
	}, nil
}

// FindByHandle resolves the handle reservation to an id and loads the user.
func (s *RedisStore) FindByHandle(ctx context.Context, handle string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.client.Get(ctx, s.handleKey(handle)).Int64()
	if errors.Is(err, redis.Nil) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("redis: resolve handle: %w", err)
	}
	return s.findByID(ctx, id)
}

// CountUsers returns the size of the user id set.
func (s *RedisStore) CountUsers(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.client.SCard(ctx, s.usersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count users: %w", err)
	}
	return int(n), nil
}

// Close closes the client when it owns a connection pool.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
