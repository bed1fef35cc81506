// Package paged implements a pool backend standing in for the paged pool
// external collaborator named in spec.md §1/§6. It is a size-classed slab
// allocator adapted from this codebase's own slab allocator: the same
// fixed size classes and per-page bitmap-of-free-objects, but pages are
// plain Go byte slices instead of offsets into a shared arena.
//
// Unlike pool/nonpaged, this backend may legitimately stall — the real
// paged pool can take a page fault — so Alloc is wrapped with a circuit
// breaker (tripping after repeated backend failures, same idea as this
// codebase's network-facing callers) and a rate limiter that caps how
// often the simulated page-in cost is paid, rather than letting an arena
// refill storm hammer the backend.
package paged

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// sizeClasses are the fixed object sizes a request is rounded up to,
// mirroring the slab allocator's class ladder.
var sizeClasses = []uint32{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

const objectsPerPage = 64 // one bitmap word's worth of objects per page

type slabPage struct {
	buf     []byte
	free    uint64 // bit set means the object at that index is free
	objSize uint32
}

func newSlabPage(class uint32) *slabPage {
	return &slabPage{
		buf:     make([]byte, class*objectsPerPage),
		free:    ^uint64(0),
		objSize: class,
	}
}

// allocate claims the lowest free object index in the page.
func (p *slabPage) allocate() (block []byte, index int, ok bool) {
	if p.free == 0 {
		return nil, 0, false
	}
	idx := bits.TrailingZeros64(p.free)
	p.free &^= 1 << uint(idx)
	off := uint32(idx) * p.objSize
	return p.buf[off : off+p.objSize : off+p.objSize], idx, true
}

func (p *slabPage) release(index int) {
	p.free |= 1 << uint(index)
}

type slabCache struct {
	pages []*slabPage
}

type blockHandle struct {
	page  *slabPage
	index int
}

// Pool is a size-classed slab allocator layered behind a circuit breaker
// and a rate limiter, standing in for the paged pool.
type Pool struct {
	mu sync.Mutex

	caches   map[uint32]*slabCache
	handleOf map[*byte]*blockHandle

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// New builds a paged pool. pageInCost simulates the latency of a real page
// fault and is charged, via the rate limiter, once per new page brought
// in — not once per object, since pages are the real unit of paging.
func New(pageInCost time.Duration) *Pool {
	p := &Pool{
		caches:   make(map[uint32]*slabCache),
		handleOf: make(map[*byte]*blockHandle),
		limiter:  rate.NewLimiter(rate.Every(pageInCost), 4),
	}
	for _, c := range sizeClasses {
		p.caches[c] = &slabCache{}
	}

	st := gobreaker.Settings{
		Name:        "paged-pool",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	p.breaker = gobreaker.NewCircuitBreaker(st)
	return p
}

func classFor(size uint32) (uint32, error) {
	for _, c := range sizeClasses {
		if size <= c {
			return c, nil
		}
	}
	return 0, fmt.Errorf("paged: request %d exceeds largest size class %d", size, sizeClasses[len(sizeClasses)-1])
}

// Alloc satisfies arena.PoolBackend. It may block on the rate limiter when
// a fresh page has to be brought in, and can fail fast via the circuit
// breaker if the backend has been unhealthy.
func (p *Pool) Alloc(ctx context.Context, size uint32) ([]byte, error) {
	class, err := classFor(size)
	if err != nil {
		return nil, err
	}

	result, err := p.breaker.Execute(func() (any, error) {
		return p.allocateFromClass(ctx, class)
	})
	if err != nil {
		return nil, fmt.Errorf("paged: %w", err)
	}
	return result.([]byte), nil
}

func (p *Pool) allocateFromClass(ctx context.Context, class uint32) ([]byte, error) {
	p.mu.Lock()
	cache := p.caches[class]
	for _, page := range cache.pages {
		if block, idx, ok := page.allocate(); ok {
			p.handleOf[&block[0]] = &blockHandle{page: page, index: idx}
			p.mu.Unlock()
			return block, nil
		}
	}
	p.mu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limited bringing in new page: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	page := newSlabPage(class)
	cache.pages = append(cache.pages, page)
	block, idx, _ := page.allocate()
	p.handleOf[&block[0]] = &blockHandle{page: page, index: idx}
	return block, nil
}

// Free satisfies arena.PoolBackend.
func (p *Pool) Free(block []byte) error {
	if len(block) == 0 {
		return fmt.Errorf("paged: cannot free empty block")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.handleOf[&block[0]]
	if !ok {
		return fmt.Errorf("paged: block not allocated by this pool")
	}
	handle.page.release(handle.index)
	delete(p.handleOf, &block[0])
	return nil
}

// Stats reports the page count and page bytes summed over all size
// classes, for diagnostics.
type Stats struct {
	Pages      int
	TotalBytes uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	for _, cache := range p.caches {
		s.Pages += len(cache.pages)
		for _, pg := range cache.pages {
			s.TotalBytes += uint64(len(pg.buf))
		}
	}
	return s
}
