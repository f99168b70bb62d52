package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			t.Helper()
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"redis", func(t *testing.T) Store {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStore(client, "test:", zerolog.Nop())
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestRegisterUserUniqueHandle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		alice, err := s.RegisterUser(ctx, "alice", "Alice", "d1")
		require.NoError(t, err)
		require.NotZero(t, alice.ID)
		require.Equal(t, "alice", alice.Handle)

		_, err = s.RegisterUser(ctx, "alice", "Other", "d2")
		require.ErrorIs(t, err, ErrHandleTaken)

		n, err := s.CountUsers(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, err := s.FindByHandle(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, alice, got)
	})
}

func TestFindByCredentials(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		bob, err := s.RegisterUser(ctx, "bob", "Bob", "digest")
		require.NoError(t, err)

		got, err := s.FindByCredentials(ctx, "bob", "digest")
		require.NoError(t, err)
		require.Equal(t, bob.ID, got.ID)

		_, err = s.FindByCredentials(ctx, "bob", "wrong")
		require.ErrorIs(t, err, ErrUserNotFound)

		_, err = s.FindByCredentials(ctx, "nobody", "digest")
		require.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestFindByIDUnknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.FindByID(context.Background(), 42)
		require.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestMessagesLoadInInsertionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.SaveMessage(ctx, int64(i%2+1), fmt.Sprintf("msg-%d", i)))
		}

		var got []Record
		require.NoError(t, s.LoadMessages(ctx, func(r Record) error {
			got = append(got, r)
			return nil
		}))
		require.Len(t, got, 5)
		for i, r := range got {
			require.Equal(t, fmt.Sprintf("msg-%d", i), r.Text)
			require.Equal(t, int64(i%2+1), r.UserID)
			require.False(t, r.CreatedAt.IsZero())
			if i > 0 {
				require.Greater(t, r.ID, got[i-1].ID)
			}
		}
	})
}

func TestLoadMessagesStopsOnVisitError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveMessage(ctx, 1, "a"))
		require.NoError(t, s.SaveMessage(ctx, 1, "b"))

		stop := errors.New("stop")
		visited := 0
		err := s.LoadMessages(ctx, func(Record) error {
			visited++
			return stop
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 1, visited)
	})
}

func TestClearMessages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveMessage(ctx, 1, "hello"))
		require.NoError(t, s.SaveMessage(ctx, 1, "world"))

		require.NoError(t, s.ClearMessages(ctx))

		n, err := s.CountMessages(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		visited := 0
		require.NoError(t, s.LoadMessages(ctx, func(Record) error {
			visited++
			return nil
		}))
		require.Zero(t, visited)

		// The log keeps working after a clear.
		require.NoError(t, s.SaveMessage(ctx, 1, "again"))
		n, err = s.CountMessages(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.RegisterUser(ctx, "carol", "Carol", "d"); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)

		n, err := s.CountUsers(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	u, err := s.RegisterUser(ctx, "dave", "Dave", "d")
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, u.ID, `{"user":"dave","text":"hi"}`))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "dave", got.Handle)

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ", zerolog.Nop())
	require.Error(t, err)
}
