package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxPublishRetries = 16

// RedisShared is a SharedStore backed by Redis, letting cooperating processes
// see each other's updates.
type RedisShared struct {
	client *redis.Client
	prefix string
	log    *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewRedisShared wraps client. Keys are namespaced under prefix. Close closes
// the client.
func NewRedisShared(client *redis.Client, prefix string, log *slog.Logger) *RedisShared {
	if prefix == "" {
		prefix = "agentrt"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisShared{client: client, prefix: prefix, log: log, closed: make(chan struct{})}
}

// DialRedis connects to the server at url (redis://host:port/db) and checks it responds.
func DialRedis(ctx context.Context, url, prefix string, log *slog.Logger) (*RedisShared, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisShared(client, prefix, log), nil
}

func (r *RedisShared) valueKey(key string) string   { return r.prefix + ":value:" + key }
func (r *RedisShared) versionKey(key string) string { return r.prefix + ":version:" + key }
func (r *RedisShared) claimKey(key string) string   { return r.prefix + ":claim:" + key }
func (r *RedisShared) channel(key string) string    { return r.prefix + ":updates:" + key }

// Publish bumps the version of key and stores and broadcasts the update in
// one transaction, retrying when another writer got there first.
func (r *RedisShared) Publish(ctx context.Context, key string, value json.RawMessage, source string) (Update, error) {
	var u Update
	txf := func(tx *redis.Tx) error {
		version, err := tx.Get(ctx, r.versionKey(key)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		u = Update{
			Key:         key,
			Value:       value,
			Source:      source,
			Version:     version + 1,
			PublishedAt: time.Now(),
		}
		payload, err := json.Marshal(u)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.versionKey(key), u.Version, 0)
			pipe.Set(ctx, r.valueKey(key), payload, 0)
			pipe.Publish(ctx, r.channel(key), payload)
			return nil
		})
		return err
	}

	for range maxPublishRetries {
		err := r.client.Watch(ctx, txf, r.versionKey(key))
		if err == nil {
			return u, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Update{}, fmt.Errorf("failed to publish %q: %w", key, err)
	}
	return Update{}, fmt.Errorf("failed to publish %q: too much contention", key)
}

// Latest implements SharedStore.
func (r *RedisShared) Latest(ctx context.Context, key string) (Update, bool, error) {
	payload, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("failed to read %q: %w", key, err)
	}

	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return Update{}, false, fmt.Errorf("corrupt update for %q: %w", key, err)
	}
	return u, true, nil
}

// Claim implements SharedStore.
func (r *RedisShared) Claim(ctx context.Context, key, source string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.claimKey(key), source, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %q: %w", key, err)
	}
	return ok, nil
}

// Subscribe implements SharedStore. The subscription is confirmed by the
// server before Subscribe returns. The channel closes when ctx ends, when the
// server connection is lost, or when the store is closed.
func (r *RedisShared) Subscribe(ctx context.Context, key string) (<-chan Update, error) {
	ps := r.client.Subscribe(ctx, r.channel(key))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", key, err)
	}

	sub := newSubscription()
	msgs := ps.Channel()
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		defer ps.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-r.closed:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					r.log.Warn("dropping malformed shared update", "key", key, "error", err)
					continue
				}
				sub.push(u)
			}
		}
	}()
	go sub.pump(subCtx)

	return sub.out, nil
}

// Close ends every subscription and closes the underlying client. Idempotent.
func (r *RedisShared) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
