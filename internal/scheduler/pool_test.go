package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResourcePool_ReserveRelease(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"api": 2})

	c1, err := pool.Reserve("api", 1, "t1")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	c2, err := pool.Reserve("api", 1, "t2")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if _, err := pool.Reserve("api", 1, "t3"); !errors.Is(err, ErrResourceDenied) {
		t.Fatalf("Reserve() over capacity error = %v, want ErrResourceDenied", err)
	}

	if err := pool.Release(c1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := pool.Release(c1); !errors.Is(err, ErrClaimReleased) {
		t.Errorf("second Release() error = %v, want ErrClaimReleased", err)
	}

	if _, err := pool.Reserve("api", 1, "t3"); err != nil {
		t.Errorf("Reserve() after release error = %v", err)
	}
	_ = pool.Release(c2)

	if u := pool.Usage()["api"]; u.Granted != 1 || u.Available() != 1 {
		t.Errorf("Usage() = %+v, want 1 granted", u)
	}
}

func TestResourcePool_Check(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"gpu": 4})

	tests := []struct {
		name    string
		req     ResourceRequest
		wantErr bool
		is      error
	}{
		{"fits", ResourceRequest{"gpu", 4}, false, nil},
		{"unknown", ResourceRequest{"tpu", 1}, true, ErrUnknownResource},
		{"zero", ResourceRequest{"gpu", 0}, true, nil},
		{"over capacity", ResourceRequest{"gpu", 5}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pool.Check(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Check() error = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestResourcePool_ReserveAllIsAtomic(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"a": 1, "b": 1})

	held, err := pool.Reserve("b", 1, "other")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	_, err = pool.ReserveAll("t1", []ResourceRequest{{"a", 1}, {"b", 1}})
	if !errors.Is(err, ErrResourceDenied) {
		t.Fatalf("ReserveAll() error = %v, want ErrResourceDenied", err)
	}
	if u := pool.Usage()["a"]; u.Granted != 0 {
		t.Errorf("denied ReserveAll left %d units of a granted", u.Granted)
	}

	pool.Release(held)
	claims, err := pool.ReserveAll("t1", []ResourceRequest{{"a", 1}, {"b", 1}})
	if err != nil {
		t.Fatalf("ReserveAll() error = %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("ReserveAll() returned %d claims, want 2", len(claims))
	}

	// Duplicate requests for one resource are summed
	pool.ReleaseAll(claims)
	if _, err := pool.ReserveAll("t2", []ResourceRequest{{"a", 1}, {"a", 1}}); !errors.Is(err, ErrResourceDenied) {
		t.Errorf("ReserveAll() with summed amount over capacity error = %v, want ErrResourceDenied", err)
	}
}

func TestResourcePool_ChangedWakesOnRelease(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"api": 1})
	c, _ := pool.Reserve("api", 1, "t1")

	changed := pool.Changed()
	select {
	case <-changed:
		t.Fatal("Changed() closed before any release")
	default:
	}

	pool.Release(c)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Changed() not closed after release")
	}
}

func TestResourcePool_Holdings(t *testing.T) {
	pool := NewResourcePool(map[string]int64{"api": 3, "db": 1})
	pool.Reserve("api", 1, "t1")
	pool.Reserve("api", 1, "t2")
	pool.Reserve("api", 1, "t1")
	pool.Reserve("db", 1, "t2")

	h := pool.Holdings()
	if fmt.Sprint(h["api"]) != "[t1 t2]" {
		t.Errorf("Holdings()[api] = %v, want [t1 t2]", h["api"])
	}
	if fmt.Sprint(h["db"]) != "[t2]" {
		t.Errorf("Holdings()[db] = %v, want [t2]", h["db"])
	}
}

// TestResourcePool_ConcurrentNeverExceedsCapacity hammers the pool from many
// goroutines and checks the granted total against capacity after every grant.
func TestResourcePool_ConcurrentNeverExceedsCapacity(t *testing.T) {
	const capacity = 5
	pool := NewResourcePool(map[string]int64{"api": capacity})

	var (
		wg       sync.WaitGroup
		inFlight atomic.Int64
		maxSeen  atomic.Int64
		granted  atomic.Int64
	)

	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 200 {
				amount := int64(1 + (i+j)%2)
				c, err := pool.Reserve("api", amount, fmt.Sprintf("t%d", i))
				if err != nil {
					if !errors.Is(err, ErrResourceDenied) {
						t.Errorf("Reserve() unexpected error = %v", err)
					}
					continue
				}
				granted.Add(1)
				now := inFlight.Add(amount)
				for {
					prev := maxSeen.Load()
					if now <= prev || maxSeen.CompareAndSwap(prev, now) {
						break
					}
				}
				if u := pool.Usage()["api"]; u.Granted > capacity {
					t.Errorf("granted %d exceeds capacity %d", u.Granted, capacity)
				}
				inFlight.Add(-amount)
				if err := pool.Release(c); err != nil {
					t.Errorf("Release() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if maxSeen.Load() > capacity {
		t.Errorf("observed %d units in flight, capacity %d", maxSeen.Load(), capacity)
	}
	if granted.Load() == 0 {
		t.Error("no reservation ever succeeded")
	}
	if u := pool.Usage()["api"]; u.Granted != 0 {
		t.Errorf("Granted = %d after all releases, want 0", u.Granted)
	}
}
