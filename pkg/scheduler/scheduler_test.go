package scheduler

import (
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()

	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

			return NewRedisStoreWithClient(client, "test", slog.Default())
		},
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			s := New(newStore(t), slog.Default())

			defer func() { _ = s.Close() }()

			_, err := s.Enqueue(ctx, "p1", 1)
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, "p3", 3)
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, "p2", 2)
			require.NoError(t, err)

			var order []string

			for range 3 {
				entry, ok, err := s.Next(ctx)
				require.NoError(t, err)
				require.True(t, ok)

				order = append(order, entry.RunID)

				// The slot is held until released.
				_, ok, err = s.Next(ctx)
				require.NoError(t, err)
				assert.False(t, ok)

				assert.True(t, s.Release(entry.RunID))
			}

			assert.Equal(t, []string{"p3", "p2", "p1"}, order)

			_, ok, err := s.Next(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestScheduler_FIFOTies(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			s := New(newStore(t), slog.Default())

			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Enqueue(ctx, id, 5)
				require.NoError(t, err)
			}

			snap, err := s.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Queued, 3)

			for i, id := range []string{"a", "b", "c"} {
				assert.Equal(t, id, snap.Queued[i].RunID)
				assert.Equal(t, i+1, snap.Queued[i].Position)
			}

			// Re-enqueueing keeps the original place in line.
			_, err = s.Enqueue(ctx, "a", 5)
			require.NoError(t, err)

			pos, ok, err := s.Position(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 1, pos)
		})
	}
}

func TestScheduler_SetPriorityAndDequeue(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			s := New(newStore(t), slog.Default())

			_, err := s.Enqueue(ctx, "low", 0)
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, "high", 4)
			require.NoError(t, err)

			entry, err := s.SetPriority(ctx, "low", 99)
			require.NoError(t, err)
			assert.Equal(t, MaxPriority, entry.Priority)

			snap, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, "low", snap.Queued[0].RunID)

			entry, err = s.SetPriority(ctx, "low", -3)
			require.NoError(t, err)
			assert.Equal(t, MinPriority, entry.Priority)

			require.NoError(t, s.Dequeue(ctx, "high"))
			require.ErrorIs(t, s.Dequeue(ctx, "high"), ErrNotQueued)

			_, err = s.SetPriority(ctx, "high", 1)
			require.ErrorIs(t, err, ErrNotQueued)

			snap, err = s.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Queued, 1)
			assert.Equal(t, "low", snap.Queued[0].RunID)
		})
	}
}

func TestScheduler_Slot(t *testing.T) {
	ctx := t.Context()
	s := New(NewMemoryStore(), slog.Default())

	_, err := s.Enqueue(ctx, "r1", 0)
	require.NoError(t, err)

	_, ok, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, s.Holds("r1"))
	assert.False(t, s.Holds(""))
	assert.Equal(t, "r1", s.Running())

	_, err = s.Enqueue(ctx, "r1", 0)
	require.ErrorIs(t, err, ErrHoldsSlot)

	assert.False(t, s.Release("r2"))
	assert.True(t, s.Release("r1"))
	assert.False(t, s.Release("r1"))
	assert.Empty(t, s.Running())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, ClampPriority(-1))
	assert.Equal(t, 7, ClampPriority(7))
	assert.Equal(t, 10, ClampPriority(11))
}
