package mdl

import (
	"context"
	"fmt"

	"github.com/ptarmigan-os/mdl/internal/region"
)

// Insert is the primary entry point (spec §4.4.3): it produces the union
// of the existing list and candidate such that, over candidate's range,
// candidate's type wins. It is atomic: either it fully applies and
// returns nil, or it leaves the list unchanged and returns
// ErrOutOfMemory. base/size misalignment, zero size, or overflow are
// caller bugs and panic via invalid() rather than returning an error.
func (l *List) Insert(candidate Descriptor) error {
	l.requireActive()
	l.validateRegion(candidate.BaseAddress, candidate.Size)
	base, end := candidate.BaseAddress, candidate.End()

	overlaps := l.overlapping(base, end)

	// Fully contained by a same-type region: no-op, touches neither the
	// tree nor the arena (spec §8 boundary behavior).
	if len(overlaps) == 1 {
		e := overlaps[0]
		if e.BaseAddress < base && e.End() > end && e.Type == candidate.Type {
			return nil
		}
	}

	need := l.countNeeded(overlaps, base, end, candidate.Type)
	reserved, err := l.reserve(need)
	if err != nil {
		return err
	}
	defer l.releaseUnused(&reserved)

	l.clearRange(overlaps, base, end, candidate.Type, &reserved)
	l.placeCandidate(base, end, candidate.Type, &reserved)
	return nil
}

// overlapping walks the ordered index from the topmost descriptor that
// could intersect [base, end) downward, collecting every descriptor that
// actually does. Walking top-down (rather than left-to-right from the
// bottom) means a descriptor is visited once even though clearRange will
// go on to mutate or remove some of its neighbors.
func (l *List) overlapping(base, end uint64) []*region.Descriptor {
	var out []*region.Descriptor
	cur := l.tree.ClosestNotGreater(end - 1)
	for cur != nil && cur.End() > base {
		out = append(out, cur)
		cur = l.tree.Predecessor(cur)
	}
	return out
}

// boundsAfterClear predicts the predecessor/successor of [base, end) as
// they will read once clearRange has run, without mutating anything.
// This lets countNeeded reserve the exact number of descriptors the
// operation will consume before any structural change is made — the
// mechanism that keeps Insert atomic under arena exhaustion (spec §4.4.3
// "Failure rollback").
func (l *List) boundsAfterClear(overlaps []*region.Descriptor, base, end uint64) (pred, succ *region.Descriptor, predEnd, succBase uint64) {
	if len(overlaps) == 0 {
		pred = l.tree.ClosestNotGreater(base)
		if pred != nil {
			predEnd = pred.End()
			succ = l.tree.Successor(pred)
		} else {
			succ = l.tree.Min()
		}
		if succ != nil {
			succBase = succ.BaseAddress
		}
		return
	}

	bottom := overlaps[len(overlaps)-1]
	if bottom.BaseAddress < base {
		pred, predEnd = bottom, base
	} else {
		pred = l.tree.Predecessor(bottom)
		if pred != nil {
			predEnd = pred.End()
		}
	}

	top := overlaps[0]
	if top.End() > end {
		succ, succBase = top, end
	} else {
		succ = l.tree.Successor(top)
		if succ != nil {
			succBase = succ.BaseAddress
		}
	}
	return
}

// countNeeded computes exactly how many fresh descriptor records Insert
// will need from the arena: one if the range-clearing pass must split a
// straddling same-range descriptor of a different type, and one more
// unless the candidate ends up merged entirely into a coalescing
// neighbor.
func (l *List) countNeeded(overlaps []*region.Descriptor, base, end uint64, typ Type) int {
	n := 0
	if len(overlaps) == 1 {
		e := overlaps[0]
		if e.BaseAddress < base && e.End() > end && e.Type != typ {
			n++
		}
	}

	pred, succ, predEnd, succBase := l.boundsAfterClear(overlaps, base, end)
	predMatches := pred != nil && pred.Type == typ && predEnd == base
	succMatches := succ != nil && succ.Type == typ && succBase == end
	if !predMatches && !succMatches {
		n++
	}
	return n
}

// clearRange removes or shrinks every descriptor that intersects
// [base, end), leaving the range empty and ready for the candidate.
func (l *List) clearRange(overlaps []*region.Descriptor, base, end uint64, candidateType Type, reserved *[]*region.Descriptor) {
	for _, e := range overlaps {
		switch {
		case e.BaseAddress >= base && e.End() <= end:
			// Entirely within the candidate range.
			l.removeDescriptor(e)
		case e.BaseAddress < base && e.End() > end:
			// Straddles both edges and differs in type (the same-type
			// case already returned as a no-op before clearRange runs):
			// split into a shrunken before-part and a new after-part.
			after := takeReserved(reserved)
			after.BaseAddress, after.Size, after.Type = end, e.End()-end, e.Type
			l.resize(e, e.BaseAddress, base)
			l.insertDescriptor(after)
		case e.BaseAddress < base:
			// Straddles the bottom edge: starts before base, ends inside.
			l.resize(e, e.BaseAddress, base)
		default:
			// Straddles the top edge: starts inside, ends after end.
			l.resize(e, end, e.End())
		}
	}
}

// placeCandidate runs the coalesce-then-insert step (spec §4.4.3): try to
// extend a matching predecessor, then absorb a matching successor, then
// fall back to a fresh descriptor.
func (l *List) placeCandidate(base, end uint64, typ Type, reserved *[]*region.Descriptor) {
	pred, succ := l.neighbors(base)
	predMatches := pred != nil && pred.Type == typ && pred.End() == base
	succMatches := succ != nil && succ.Type == typ && succ.BaseAddress == end

	switch {
	case predMatches && succMatches:
		l.resize(pred, pred.BaseAddress, succ.End())
		l.removeDescriptor(succ)
	case predMatches:
		l.resize(pred, pred.BaseAddress, end)
	case succMatches:
		l.resize(succ, base, succ.End())
	default:
		d := takeReserved(reserved)
		d.BaseAddress, d.Size, d.Type = base, end-base, typ
		l.insertDescriptor(d)
	}
}

// neighbors returns the true predecessor/successor of base in the
// current (already-cleared) tree.
func (l *List) neighbors(base uint64) (pred, succ *region.Descriptor) {
	pred = l.tree.ClosestNotGreater(base)
	if pred != nil {
		succ = l.tree.Successor(pred)
	} else {
		succ = l.tree.Min()
	}
	return
}

func (l *List) validateRegion(base, size uint64) {
	if size == 0 {
		invalid("zero-size region")
	}
	if !region.Aligned(base, size) {
		invalid("unaligned region base=%#x size=%#x", base, size)
	}
	if base+size < base {
		invalid("region base=%#x size=%#x overflows the address space", base, size)
	}
}

// reserve pops exactly n descriptors from the arena, pushing back
// whatever it already took if a later pop fails, so a failed reserve
// leaves the arena exactly as it found it.
func (l *List) reserve(n int) ([]*region.Descriptor, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]*region.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		d, err := l.arena.Pop(context.Background())
		if err != nil {
			for _, r := range out {
				l.arena.Push(r)
			}
			return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// releaseUnused pushes back any reserved descriptor the operation did not
// end up consuming. countNeeded is exact, so for Insert this is ordinarily
// a no-op; Allocate reserves one record for the allocation itself, which
// comes back here when the allocation coalesces with a neighbor instead.
func (l *List) releaseUnused(reserved *[]*region.Descriptor) {
	for _, d := range *reserved {
		l.arena.Push(d)
	}
	*reserved = nil
}

func takeReserved(reserved *[]*region.Descriptor) *region.Descriptor {
	r := *reserved
	d := r[len(r)-1]
	*reserved = r[:len(r)-1]
	return d
}

// insertDescriptor links a fully-populated descriptor into the ordered
// index (and the free bucket index, if free-like) and updates accounting.
func (l *List) insertDescriptor(d *region.Descriptor) {
	l.tree.Insert(d)
	if d.Type.IsFreeLike() {
		l.buckets.Insert(d)
	}
	l.descriptorCount++
	l.totalBytes += d.Size
	if d.Type.IsFreeLike() {
		l.freeBytes += d.Size
	}
}

// removeDescriptor unlinks d from the ordered index (and free bucket, if
// free-like), updates accounting, and returns the record to the arena.
func (l *List) removeDescriptor(d *region.Descriptor) {
	l.tree.Remove(d)
	if d.Type.IsFreeLike() {
		l.buckets.Remove(d)
	}
	l.descriptorCount--
	l.totalBytes -= d.Size
	if d.Type.IsFreeLike() {
		l.freeBytes -= d.Size
	}
	l.arena.Push(d)
}

// resize changes a live descriptor's base and/or end in place, keeping
// the ordered index, free bucket index, and accounting consistent. The
// ordered index is only disturbed (remove+reinsert) when base actually
// changes, since it is keyed on base address.
func (l *List) resize(d *region.Descriptor, newBase, newEnd uint64) {
	newSize := newEnd - newBase
	baseChanged := newBase != d.BaseAddress
	wasFree := d.Type.IsFreeLike()
	oldSize := d.Size

	if wasFree {
		l.buckets.Remove(d)
	}
	if baseChanged {
		l.tree.Remove(d)
	}
	d.BaseAddress = newBase
	d.Size = newSize
	if baseChanged {
		l.tree.Insert(d)
	}
	if wasFree {
		l.buckets.Insert(d)
	}

	l.totalBytes = adjustDelta(l.totalBytes, oldSize, newSize)
	if wasFree {
		l.freeBytes = adjustDelta(l.freeBytes, oldSize, newSize)
	}
}

func adjustDelta(cur, oldSize, newSize uint64) uint64 {
	if newSize >= oldSize {
		return cur + (newSize - oldSize)
	}
	return cur - (oldSize - newSize)
}
