package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedBackends runs fn against every SharedStore implementation.
func sharedBackends(t *testing.T, fn func(t *testing.T, s SharedStore)) {
	t.Run("local", func(t *testing.T) {
		s := NewLocalShared()
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s := NewRedisShared(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", nil)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscription closed early")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestSharedPublishVersionsAndLatest(t *testing.T) {
	sharedBackends(t, func(t *testing.T, s SharedStore) {
		ctx := context.Background()

		_, ok, err := s.Latest(ctx, "competitors")
		require.NoError(t, err)
		assert.False(t, ok)

		u1, err := s.Publish(ctx, "competitors", json.RawMessage(`["a.com"]`), "crawler")
		require.NoError(t, err)
		u2, err := s.Publish(ctx, "competitors", json.RawMessage(`["a.com","b.com"]`), "crawler")
		require.NoError(t, err)
		assert.Equal(t, int64(1), u1.Version)
		assert.Equal(t, int64(2), u2.Version)

		latest, ok, err := s.Latest(ctx, "competitors")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), latest.Version)
		assert.Equal(t, "crawler", latest.Source)
		assert.JSONEq(t, `["a.com","b.com"]`, string(latest.Value))
	})
}

func TestSharedClaimFirstWins(t *testing.T) {
	sharedBackends(t, func(t *testing.T, s SharedStore) {
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := s.Claim(ctx, "analysed:rival.com", fmt.Sprintf("agent-%d", i))
				assert.NoError(t, err)
				if won {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestSharedSubscribeDeliversInOrder(t *testing.T) {
	sharedBackends(t, func(t *testing.T, s SharedStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := s.Subscribe(ctx, "rankings")
		require.NoError(t, err)

		// Publish everything before reading: a slow subscriber loses nothing
		const n = 200
		for i := range n {
			_, err := s.Publish(context.Background(), "rankings", json.RawMessage(fmt.Sprint(i)), "ranker")
			require.NoError(t, err)
		}
		_, err = s.Publish(context.Background(), "other", json.RawMessage(`1`), "ranker")
		require.NoError(t, err)

		for i := range n {
			u := receive(t, ch)
			assert.Equal(t, int64(i+1), u.Version)
			assert.Equal(t, "rankings", u.Key)
		}
	})
}

func TestSharedSubscriptionEndsWithContext(t *testing.T) {
	sharedBackends(t, func(t *testing.T, s SharedStore) {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := s.Subscribe(ctx, "k")
		require.NoError(t, err)

		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestLocalSharedClose(t *testing.T) {
	s := NewLocalShared()
	ch, err := s.Subscribe(context.Background(), "k")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, err = s.Publish(context.Background(), "k", json.RawMessage(`1`), "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Subscribe(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisSharedCloseEndsSubscriptions(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisShared(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", nil)

	ch, err := s.Subscribe(context.Background(), "k")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerSharedView(t *testing.T) {
	m := NewManager(DefaultConfig())
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	view := m.SharedFor("crawler")
	require.NoError(t, view.Publish(ctx, "sitemap", map[string]int{"pages": 42}))

	u, ok, err := m.Latest(ctx, "sitemap")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "crawler", u.Source)
	assert.JSONEq(t, `{"pages":42}`, string(u.Value))

	won, err := view.Claim(ctx, "sitemap-owner")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = m.SharedFor("other").Claim(ctx, "sitemap-owner")
	require.NoError(t, err)
	assert.False(t, won)
}
