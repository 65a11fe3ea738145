package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// subscription queues updates without bound and pumps them to out in order,
// so a slow reader delays only itself.
type subscription struct {
	mu     sync.Mutex
	queue  []Update
	notify chan struct{}
	out    chan Update
}

func newSubscription() *subscription {
	return &subscription{
		notify: make(chan struct{}, 1),
		out:    make(chan Update),
	}
}

func (s *subscription) push(u Update) {
	s.mu.Lock()
	s.queue = append(s.queue, u)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump runs until ctx ends, then closes out. Queued updates not yet
// delivered when ctx ends are discarded.
func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, u := range batch {
			select {
			case s.out <- u:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

// LocalShared is an in-process SharedStore.
type LocalShared struct {
	mu     sync.RWMutex
	latest map[string]Update
	claims map[string]string
	subs   map[string]map[*subscription]struct{}
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

// NewLocalShared creates an empty in-process shared store.
func NewLocalShared() *LocalShared {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalShared{
		latest: make(map[string]Update),
		claims: make(map[string]string),
		subs:   make(map[string]map[*subscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish stores value as the next version of key and delivers it to every
// subscriber of key.
func (l *LocalShared) Publish(ctx context.Context, key string, value json.RawMessage, source string) (Update, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Update{}, ErrClosed
	}

	u := Update{
		Key:         key,
		Value:       append(json.RawMessage(nil), value...),
		Source:      source,
		Version:     l.latest[key].Version + 1,
		PublishedAt: time.Now(),
	}
	l.latest[key] = u
	for sub := range l.subs[key] {
		sub.push(u)
	}
	return u, nil
}

// Latest returns the most recent update of key.
func (l *LocalShared) Latest(ctx context.Context, key string) (Update, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.latest[key]
	return u, ok, nil
}

// Claim records source as the owner of key unless someone already is.
func (l *LocalShared) Claim(ctx context.Context, key, source string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrClosed
	}
	if _, taken := l.claims[key]; taken {
		return false, nil
	}
	l.claims[key] = source
	return true, nil
}

// Subscribe implements SharedStore.
func (l *LocalShared) Subscribe(ctx context.Context, key string) (<-chan Update, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	sub := newSubscription()
	if l.subs[key] == nil {
		l.subs[key] = make(map[*subscription]struct{})
	}
	l.subs[key][sub] = struct{}{}

	sctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sctx.Done():
		case <-l.ctx.Done():
			cancel()
		}
	}()
	go func() {
		defer cancel()
		sub.pump(sctx)
		l.mu.Lock()
		delete(l.subs[key], sub)
		if len(l.subs[key]) == 0 {
			delete(l.subs, key)
		}
		l.mu.Unlock()
	}()

	return sub.out, nil
}

// Close ends every subscription. Safe to call multiple times.
func (l *LocalShared) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	return nil
}
