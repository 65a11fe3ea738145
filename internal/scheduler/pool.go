package scheduler

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Claim is a grant of Amount units of Resource to Holder.
// It must be released exactly once.
type Claim struct {
	ID       uint64
	Resource string
	Amount   int64
	Holder   string

	released bool
}

// Usage describes one resource of the pool.
type Usage struct {
	Capacity int64
	Granted  int64
}

// Available returns the units that can still be granted.
func (u Usage) Available() int64 { return u.Capacity - u.Granted }

// ResourcePool grants counted claims on named resources. Every reservation and
// release happens under one mutex, so the sum of granted amounts never exceeds
// a resource's capacity. Reservations never block: a request that does not fit
// fails with ErrResourceDenied.
type ResourcePool struct {
	mu       sync.Mutex
	capacity map[string]int64
	granted  map[string]int64
	claims   map[uint64]*Claim
	nextID   uint64
	changed  chan struct{}
}

// NewResourcePool creates a pool with the given capacity per resource.
func NewResourcePool(capacities map[string]int64) *ResourcePool {
	p := &ResourcePool{
		capacity: make(map[string]int64, len(capacities)),
		granted:  make(map[string]int64, len(capacities)),
		claims:   make(map[uint64]*Claim),
		changed:  make(chan struct{}),
	}
	for name, c := range capacities {
		p.capacity[name] = c
	}
	return p
}

// Capacity returns the configured capacity of a resource.
func (p *ResourcePool) Capacity(resource string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.capacity[resource]
	return c, ok
}

// Check reports whether a request could ever be satisfied by this pool.
func (p *ResourcePool) Check(req ResourceRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked(req)
}

func (p *ResourcePool) checkLocked(req ResourceRequest) error {
	capacity, ok := p.capacity[req.Resource]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownResource, req.Resource)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("resource %q: amount must be positive, got %d", req.Resource, req.Amount)
	}
	if req.Amount > capacity {
		return fmt.Errorf("resource %q: amount %d exceeds capacity %d", req.Resource, req.Amount, capacity)
	}
	return nil
}

// Reserve grants amount units of resource to holder if they fit.
func (p *ResourcePool) Reserve(resource string, amount int64, holder string) (*Claim, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := ResourceRequest{Resource: resource, Amount: amount}
	if err := p.checkLocked(req); err != nil {
		return nil, err
	}
	if p.granted[resource]+amount > p.capacity[resource] {
		return nil, fmt.Errorf("%w: %q has %d of %d available, need %d",
			ErrResourceDenied, resource, p.capacity[resource]-p.granted[resource], p.capacity[resource], amount)
	}
	return p.grantLocked(req, holder), nil
}

// ReserveAll grants every request or none of them.
// Requests for the same resource are summed before checking capacity.
func (p *ResourcePool) ReserveAll(holder string, reqs []ResourceRequest) ([]*Claim, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	need := make(map[string]int64, len(reqs))
	for _, req := range reqs {
		if err := p.checkLocked(req); err != nil {
			return nil, err
		}
		need[req.Resource] += req.Amount
	}

	// Report the first denied resource in name order for stable messages
	for _, name := range slices.Sorted(maps.Keys(need)) {
		if p.granted[name]+need[name] > p.capacity[name] {
			return nil, fmt.Errorf("%w: %q has %d of %d available, need %d",
				ErrResourceDenied, name, p.capacity[name]-p.granted[name], p.capacity[name], need[name])
		}
	}

	claims := make([]*Claim, 0, len(reqs))
	for _, req := range reqs {
		claims = append(claims, p.grantLocked(req, holder))
	}
	return claims, nil
}

func (p *ResourcePool) grantLocked(req ResourceRequest, holder string) *Claim {
	p.nextID++
	c := &Claim{ID: p.nextID, Resource: req.Resource, Amount: req.Amount, Holder: holder}
	p.granted[req.Resource] += req.Amount
	p.claims[c.ID] = c
	return c
}

// Release returns a claim's units to the pool and wakes waiters on Changed.
func (p *ResourcePool) Release(c *Claim) error {
	if c == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.released {
		return fmt.Errorf("%w: claim %d on %q", ErrClaimReleased, c.ID, c.Resource)
	}
	c.released = true
	p.granted[c.Resource] -= c.Amount
	delete(p.claims, c.ID)

	close(p.changed)
	p.changed = make(chan struct{})
	return nil
}

// ReleaseAll releases every claim, returning the first error encountered.
func (p *ResourcePool) ReleaseAll(claims []*Claim) error {
	var first error
	for _, c := range claims {
		if err := p.Release(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Changed returns a channel that is closed on the next release.
func (p *ResourcePool) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// Usage returns capacity and granted units per resource.
func (p *ResourcePool) Usage() map[string]Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Usage, len(p.capacity))
	for name, c := range p.capacity {
		out[name] = Usage{Capacity: c, Granted: p.granted[name]}
	}
	return out
}

// Holdings returns, per resource, the holders of live claims ordered by claim ID.
func (p *ResourcePool) Holdings() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := slices.SortedFunc(maps.Values(p.claims), func(a, b *Claim) int { return cmp.Compare(a.ID, b.ID) })
	out := make(map[string][]string)
	for _, c := range live {
		if !slices.Contains(out[c.Resource], c.Holder) {
			out[c.Resource] = append(out[c.Resource], c.Holder)
		}
	}
	return out
}
