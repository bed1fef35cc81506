// Package arena implements the MDL's Descriptor Arena: a reserve of
// pre-allocated descriptor records plus the refill policy that draws more
// of them, in batches, from an external pool backend.
//
// The arena is deliberately the only place in this codebase that talks to
// the pool backend, mirroring the original design note that record
// allocation must stay separate from semantic operations: nothing in the
// mdl package ever touches a PoolBackend directly.
package arena

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/ptarmigan-os/mdl/internal/obslog"
	"github.com/ptarmigan-os/mdl/internal/region"
)

// BatchSize is the number of descriptor records drawn from the pool
// backend per refill, matching the original DESCRIPTOR_BATCH constant.
const BatchSize = 32

// recordUnit is the nominal per-descriptor size requested from the pool
// backend. The arena never actually overlays Go structs on the returned
// bytes (that would require unsafe pointer arithmetic); the byte count
// only has to be large enough that the backend's own bookkeeping treats
// a batch as one allocation unit it can free as a whole later.
const recordUnit = 64

// ErrExhausted is returned when the reserve is empty and refill failed or
// is forbidden by the configured Source. It is the only recoverable
// failure the MDL surfaces (spec §7).
var ErrExhausted = errors.New("arena: descriptor reserve exhausted")

// Source dictates which external allocator the arena may call to refill
// the reserve. It is re-exported by the mdl package as part of the public
// API (spec §6's init(mdl, source)).
type Source int

const (
	SourceNone Source = iota
	SourceNonPagedPool
	SourcePagedPool
)

func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceNonPagedPool:
		return "non-paged-pool"
	case SourcePagedPool:
		return "paged-pool"
	default:
		return "unknown-source"
	}
}

// PoolBackend is the external collaborator contract from spec §6: a
// non-blocking-or-blocking byte allocator the arena refills from. Concrete
// implementations live under pool/nonpaged and pool/paged.
type PoolBackend interface {
	Alloc(ctx context.Context, size uint32) ([]byte, error)
	Free(block []byte) error
}

// Arena is the reserve of unused descriptor records and their refill
// policy.
type Arena struct {
	source  Source
	backend PoolBackend
	log     *obslog.Logger

	reserveHead *region.Descriptor
	reserveLen  int

	// batchBlocks tracks, for every batch-head descriptor still live
	// (on the reserve, in the tree as a free region, or in use as an
	// allocation), the raw backend allocation it anchors. Only batch
	// heads appear here; this is the "one freeable head per batch"
	// encoding that lets Destroy free each pool allocation exactly once.
	batchBlocks map[*region.Descriptor][]byte

	// batchIdle counts, per batch head, how many of that batch's
	// BatchSize members currently sit on the unused reserve. Trim may
	// only return a batch to the pool once every one of its members is
	// idle there; a count reaching BatchSize is the signal.
	batchIdle map[*region.Descriptor]int

	// pendingFree accumulates batch blocks queued for return to the pool
	// during a destroy pass; see Reclaim/FlushToPool.
	pendingFree [][]byte
}

// New constructs an arena with the given refill source. A nil backend is
// only valid when source is SourceNone.
func New(source Source, backend PoolBackend, log *obslog.Logger) *Arena {
	if log == nil {
		log = obslog.Nop()
	}
	return &Arena{
		source:      source,
		backend:     backend,
		log:         log,
		batchBlocks: make(map[*region.Descriptor][]byte),
		batchIdle:   make(map[*region.Descriptor]int),
	}
}

// UnusedCount returns the size of the reserve.
func (a *Arena) UnusedCount() int { return a.reserveLen }

// Seed adds floor(len(buffer)/recordUnit) non-freeable records to the
// reserve, as if carved out of the caller-supplied byte region. The arena
// never reads or writes buffer: ownership of the underlying storage stays
// with the caller, exactly as spec.md's seed contract requires, and Go's
// memory safety means there is nothing useful to do with the bytes
// themselves beyond sizing the carve-up.
func (a *Arena) Seed(buffer []byte) int {
	count := len(buffer) / recordUnit
	for i := 0; i < count; i++ {
		d := &region.Descriptor{}
		a.push(d)
	}
	return count
}

// push prepends a freshly-cleared descriptor onto the reserve.
func (a *Arena) push(d *region.Descriptor) {
	d.Flags.SetInUse(false)
	d.Left, d.Right, d.Parent = nil, nil, nil
	d.FreePrev = nil
	d.FreeNext = a.reserveHead
	a.reserveHead = d
	a.reserveLen++
	if d.Batch != nil {
		a.batchIdle[d.Batch]++
	}
}

// pop removes and returns the head of the reserve. Callers must check
// UnusedCount first or be prepared for a nil return.
func (a *Arena) pop() *region.Descriptor {
	d := a.reserveHead
	if d == nil {
		return nil
	}
	a.reserveHead = d.FreeNext
	d.FreeNext = nil
	a.reserveLen--
	if d.Batch != nil {
		a.batchIdle[d.Batch]--
	}
	return d
}

// Pop takes one descriptor from the reserve, marking it in use, refilling
// from the pool backend first if the reserve is empty.
func (a *Arena) Pop(ctx context.Context) (*region.Descriptor, error) {
	if a.reserveLen == 0 {
		if err := a.refill(ctx); err != nil {
			return nil, err
		}
	}
	d := a.pop()
	if d == nil {
		return nil, ErrExhausted
	}
	d.Flags.SetInUse(true)
	return d, nil
}

// refill requests one batch from the pool backend and seeds the reserve
// with it, marking the batch's first record freeable.
func (a *Arena) refill(ctx context.Context) error {
	if a.source == SourceNone {
		a.log.Debug("arena refill refused: source is none")
		return ErrExhausted
	}
	if a.backend == nil {
		return fmt.Errorf("%w: no pool backend configured for source %s", ErrExhausted, a.source)
	}

	block, err := a.backend.Alloc(ctx, BatchSize*recordUnit)
	if err != nil {
		a.log.Warn("arena refill failed", obslog.F("source", a.source.String()), obslog.F("error", err))
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}

	head := &region.Descriptor{}
	head.Flags.SetFreeable(true)
	head.Batch = head
	a.batchBlocks[head] = block
	a.push(head)
	for i := 1; i < BatchSize; i++ {
		a.push(&region.Descriptor{Batch: head})
	}

	a.log.Debug("arena refilled batch", obslog.F("source", a.source.String()), obslog.F("count", BatchSize))
	return nil
}

// Push returns a descriptor to the reserve, clearing in-use. This is the
// ordinary release path (tree removal); it never touches the pool.
func (a *Arena) Push(d *region.Descriptor) {
	a.push(d)
}

// Reclaim is called once per in-use descriptor during a destroy walk
// (spec §4.4.8 pass one and two). It clears in-use and, if the descriptor
// anchors a pool batch, queues that batch for return instead of putting
// the descriptor back on the reserve — the arena is being torn down.
func (a *Arena) Reclaim(d *region.Descriptor) {
	d.Flags.SetInUse(false)
	if block, ok := a.batchBlocks[d]; ok {
		a.pendingFree = append(a.pendingFree, block)
		delete(a.batchBlocks, d)
	}
}

// DrainReserve reclaims every descriptor still sitting on the unused
// reserve (destroy pass two) and empties the reserve.
func (a *Arena) DrainReserve() {
	for d := a.pop(); d != nil; d = a.pop() {
		a.Reclaim(d)
	}
}

// FlushToPool returns every batch queued by Reclaim/DrainReserve to the
// pool backend, aggregating failures, and resets the arena to a fresh
// (uninitialized-reserve) state. It is the final act of destroy.
func (a *Arena) FlushToPool() error {
	var errs []error
	for _, block := range a.pendingFree {
		if a.backend == nil {
			continue
		}
		if err := a.backend.Free(block); err != nil {
			errs = append(errs, err)
		}
	}
	a.pendingFree = nil
	a.batchBlocks = make(map[*region.Descriptor][]byte)
	a.batchIdle = make(map[*region.Descriptor]int)
	a.reserveHead = nil
	a.reserveLen = 0
	return multierr.Combine(errs...)
}

// Trim returns whole, currently-idle batches to the pool backend once the
// reserve exceeds watermark, implementing the Open Question from spec.md
// §9 ("Implementers may choose to add a trim operation..."). A batch is
// eligible only once every one of its BatchSize members sits unused on
// the reserve (batchIdle reaching BatchSize); a batch with any member
// still live in the tree or handed out as an allocation is left alone.
// Returns the number of descriptors removed from the reserve.
func (a *Arena) Trim(ctx context.Context, watermark int) int {
	if watermark < 0 {
		watermark = 0
	}

	removed := 0
	for a.reserveLen > watermark {
		head := a.eligibleBatch()
		if head == nil {
			break
		}
		block, ok := a.batchBlocks[head]
		if !ok {
			break
		}
		if err := a.backend.Free(block); err != nil {
			break
		}
		a.removeBatchFromReserve(head) // live-updates a.reserveLen
		delete(a.batchBlocks, head)
		delete(a.batchIdle, head)
		removed += BatchSize
	}
	return removed
}

// eligibleBatch finds a batch head whose entire batch is idle on the
// reserve (trimming a whole batch at a time may occasionally leave the
// reserve a little below watermark; that is acceptable since watermark is
// advisory, not a hard floor).
func (a *Arena) eligibleBatch() *region.Descriptor {
	for head, idle := range a.batchIdle {
		if idle == BatchSize {
			return head
		}
	}
	return nil
}

// removeBatchFromReserve unlinks every member of head's batch from the
// reserve list.
func (a *Arena) removeBatchFromReserve(head *region.Descriptor) {
	var kept []*region.Descriptor
	removed := 0
	for d := a.reserveHead; d != nil; d = d.FreeNext {
		if d.Batch == head {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	a.reserveHead = nil
	for i := len(kept) - 1; i >= 0; i-- {
		kept[i].FreeNext = a.reserveHead
		a.reserveHead = kept[i]
	}
	a.reserveLen -= removed
}
