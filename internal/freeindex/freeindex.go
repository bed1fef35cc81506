// Package freeindex implements the MDL's Size-Bucketed Free Index: an
// array of K doubly-linked lists, one per logarithmic size bucket,
// covering every free-like descriptor currently in use.
//
// The bucketing rule mirrors Minoca's MmpMdGetFreeBinIndex: round the
// size up to a 4 KiB granule, then take the position of its highest set
// bit, saturated at K-1. Unlike the original's plain linear scan from the
// starting bucket upward, bucket occupancy is tracked in a bitset so
// "smallest non-empty bucket >= N" is a single bit-scan rather than a walk
// over every bucket, the same way the buddy allocator in this codebase's
// lineage tracks block occupancy in a bitmap instead of re-deriving it.
// mdl.Allocate drives its bucket walk with LowestNonEmptyFrom, stepping
// straight from one occupied bucket to the next; mdl.List.Print reports
// HighestNonEmpty as a diagnostic.
package freeindex

import (
	"math/bits"

	bs "github.com/bits-and-blooms/bitset"
	"github.com/ptarmigan-os/mdl/internal/region"
)

// BucketCount is K from the data model: ~32 size buckets.
const BucketCount = 32

// Index holds one free list per size bucket plus an occupancy bitmap.
type Index struct {
	heads     [BucketCount]*region.Descriptor
	occupancy *bs.BitSet
}

// New returns an empty free index.
func New() *Index {
	return &Index{occupancy: bs.New(BucketCount)}
}

// BucketOf computes the bucket index for a given size per the bucketing
// rule: granules = ceil(size/4096), bucket = highest set bit of granules,
// clamped to BucketCount-1.
func BucketOf(size uint64) int {
	if size == 0 {
		panic("freeindex: zero-size region has no bucket")
	}
	granules := (size + region.PageSize - 1) / region.PageSize
	idx := bits.Len64(granules) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= BucketCount {
		idx = BucketCount - 1
	}
	return idx
}

// Insert links a free-like, in-use descriptor into its size bucket. The
// caller must have already removed it from wherever it previously lived.
func (idx *Index) Insert(d *region.Descriptor) {
	b := BucketOf(d.Size)
	d.FreePrev = nil
	d.FreeNext = idx.heads[b]
	if idx.heads[b] != nil {
		idx.heads[b].FreePrev = d
	}
	idx.heads[b] = d
	idx.occupancy.Set(uint(b))
}

// Remove unlinks d from whichever bucket it currently occupies. d.Size
// must still reflect the size it was inserted with.
func (idx *Index) Remove(d *region.Descriptor) {
	b := BucketOf(d.Size)
	if d.FreePrev != nil {
		d.FreePrev.FreeNext = d.FreeNext
	} else {
		idx.heads[b] = d.FreeNext
	}
	if d.FreeNext != nil {
		d.FreeNext.FreePrev = d.FreePrev
	}
	d.FreeNext, d.FreePrev = nil, nil
	if idx.heads[b] == nil {
		idx.occupancy.Clear(uint(b))
	}
}

// LowestNonEmptyFrom returns the smallest bucket index >= start that has
// at least one entry, used by the bucket walk of every allocation strategy.
func (idx *Index) LowestNonEmptyFrom(start int) (int, bool) {
	if start < 0 {
		start = 0
	}
	if start >= BucketCount {
		return 0, false
	}
	next, ok := idx.occupancy.NextSet(uint(start))
	if !ok || int(next) >= BucketCount {
		return 0, false
	}
	return int(next), true
}

// HighestNonEmpty returns the largest occupied bucket index, reported by
// mdl.List.Print as a diagnostic.
func (idx *Index) HighestNonEmpty() (int, bool) {
	found := -1
	for i, ok := idx.occupancy.NextSet(0); ok; i, ok = idx.occupancy.NextSet(i + 1) {
		found = int(i)
	}
	if found < 0 {
		return 0, false
	}
	return found, true
}

// Each invokes fn for every descriptor in the given bucket, in list order,
// stopping early if fn returns false.
func (idx *Index) Each(bucket int, fn func(*region.Descriptor) bool) {
	for d := idx.heads[bucket]; d != nil; {
		next := d.FreeNext
		if !fn(d) {
			return
		}
		d = next
	}
}
