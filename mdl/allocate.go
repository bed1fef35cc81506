package mdl

import (
	"github.com/ptarmigan-os/mdl/internal/freeindex"
	"github.com/ptarmigan-os/mdl/internal/region"
)

func isPowerOfTwo(x uint64) bool { return x != 0 && x&(x-1) == 0 }

func effectiveAlign(align uint64) uint64 {
	if align <= 1 {
		return region.PageSize
	}
	return align
}

func alignUp(base, align uint64) (uint64, bool) {
	mask := align - 1
	sum := base + mask
	if sum < base {
		return 0, false
	}
	return sum &^ mask, true
}

func alignDown(addr, align uint64) (uint64, bool) {
	return addr &^ (align - 1), true
}

// Allocate finds, splits off, and returns the base address of a
// size-byte, align-aligned region of type typ, per strategy (spec
// §4.4.6). The fixed strategy is not offered here; callers place a fixed
// region with Insert directly, as spec.md specifies.
func (l *List) Allocate(size, align uint64, typ Type, strategy Strategy) (uint64, error) {
	l.requireActive()
	if size == 0 || size%region.PageSize != 0 {
		invalid("allocation size must be a non-zero multiple of the page size, got %#x", size)
	}
	if align != 0 && align != 1 && !isPowerOfTwo(align) {
		invalid("alignment must be a power of two (or 0/1 for none), got %#x", align)
	}
	eff := effectiveAlign(align)

	var best *region.Descriptor
	var bestAligned uint64
	found := false

	consider := func(c *region.Descriptor) {
		var aligned uint64
		var ok bool
		if strategy == StrategyHighest {
			sum := c.BaseAddress + c.Size
			if sum < size {
				return
			}
			aligned, ok = alignDown(sum-size, eff)
		} else {
			aligned, ok = alignUp(c.BaseAddress, eff)
		}
		if !ok || aligned < c.BaseAddress {
			return
		}
		end := aligned + size
		if end < aligned || end > c.End() {
			return
		}

		switch strategy {
		case StrategyAny:
			if !found {
				best, bestAligned, found = c, aligned, true
			}
		case StrategyLowest:
			if !found || aligned < bestAligned {
				best, bestAligned, found = c, aligned, true
			}
		case StrategyHighest:
			if !found || aligned > bestAligned {
				best, bestAligned, found = c, aligned, true
			}
		}
	}

	// Walk only the non-empty buckets at or above the size-qualifying
	// one, skipping straight from one occupied bucket to the next via
	// the bitset rather than stepping through every bucket index (lower
	// buckets are provably too small per BucketOf's definition; higher
	// buckets are never skipped even when a candidate is already found,
	// since bucket index reflects size, not address, so a later bucket
	// can still hold a better-placed region for the lowest/highest
	// strategies).
	startBucket := freeindex.BucketOf(size)
	for b, ok := l.buckets.LowestNonEmptyFrom(startBucket); ok; b, ok = l.buckets.LowestNonEmptyFrom(b + 1) {
		l.buckets.Each(b, func(c *region.Descriptor) bool {
			consider(c)
			return !(strategy == StrategyAny && found)
		})
		if strategy == StrategyAny && found {
			break
		}
	}

	if !found {
		return 0, ErrOutOfMemory
	}

	origBase, origEnd, origType := best.BaseAddress, best.End(), best.Type
	allocEnd := bestAligned + size

	needed := 1
	if bestAligned > origBase {
		needed++
	}
	if allocEnd < origEnd {
		needed++
	}

	reserved, err := l.reserve(needed)
	if err != nil {
		return 0, err
	}
	defer l.releaseUnused(&reserved)

	l.removeDescriptor(best)

	if bestAligned > origBase {
		pre := takeReserved(&reserved)
		pre.BaseAddress, pre.Size, pre.Type = origBase, bestAligned-origBase, origType
		l.insertDescriptor(pre)
	}
	if allocEnd < origEnd {
		post := takeReserved(&reserved)
		post.BaseAddress, post.Size, post.Type = allocEnd, origEnd-allocEnd, origType
		l.insertDescriptor(post)
	}
	// The allocation itself goes through the same coalesce-then-insert step
	// as Insert, so it merges with an adjacent region of the same type.
	l.placeCandidate(bestAligned, allocEnd, typ, &reserved)

	return bestAligned, nil
}

// AllocateGuarded is a supplemental convenience (spec.md §4.4.9): after a
// successful Allocate, it attempts to also claim one adjacent granule
// past the end of the allocation and mark it TypeBad as a guard. Failure
// to claim the guard granule is not reported — it does not undo or fail
// the underlying allocation.
func (l *List) AllocateGuarded(size, align uint64, typ Type, strategy Strategy) (uint64, error) {
	base, err := l.Allocate(size, align, typ, strategy)
	if err != nil {
		return 0, err
	}
	guardBase := base + size
	if guardBase+region.PageSize > guardBase {
		if _, free := l.IsRangeFree(guardBase, guardBase+region.PageSize); free {
			_ = l.Insert(Descriptor{BaseAddress: guardBase, Size: region.PageSize, Type: TypeBad})
		}
	}
	return base, nil
}
