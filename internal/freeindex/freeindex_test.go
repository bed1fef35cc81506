package freeindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptarmigan-os/mdl/internal/region"
)

func TestBucketOf(t *testing.T) {
	assert.Equal(t, 0, BucketOf(region.PageSize))
	assert.Equal(t, 1, BucketOf(region.PageSize*2))
	assert.Equal(t, 1, BucketOf(region.PageSize*3))
	assert.Equal(t, 2, BucketOf(region.PageSize*4))
	assert.Panics(t, func() { BucketOf(0) })
}

func TestBucketOfSaturatesAtTop(t *testing.T) {
	huge := uint64(1) << 62
	assert.Equal(t, BucketCount-1, BucketOf(huge))
}

func TestInsertRemoveMembership(t *testing.T) {
	idx := New()
	d := &region.Descriptor{BaseAddress: 0x1000, Size: region.PageSize}
	idx.Insert(d)

	b, ok := idx.LowestNonEmptyFrom(0)
	require.True(t, ok)
	assert.Equal(t, BucketOf(d.Size), b)

	idx.Remove(d)
	_, ok = idx.LowestNonEmptyFrom(0)
	assert.False(t, ok, "bucket must be empty after removing its only member")
}

func TestLowestAndHighestNonEmpty(t *testing.T) {
	idx := New()
	small := &region.Descriptor{BaseAddress: 0x1000, Size: region.PageSize}
	large := &region.Descriptor{BaseAddress: 0x2000, Size: region.PageSize * 64}
	idx.Insert(small)
	idx.Insert(large)

	lowest, ok := idx.LowestNonEmptyFrom(0)
	require.True(t, ok)
	assert.Equal(t, BucketOf(small.Size), lowest)

	highest, ok := idx.HighestNonEmpty()
	require.True(t, ok)
	assert.Equal(t, BucketOf(large.Size), highest)

	_, ok = idx.LowestNonEmptyFrom(highest + 1)
	assert.False(t, ok)
}

func TestEachVisitsEveryMemberAndSupportsEarlyStop(t *testing.T) {
	idx := New()
	bucket := BucketOf(region.PageSize)
	var members []*region.Descriptor
	for i := 0; i < 4; i++ {
		d := &region.Descriptor{BaseAddress: uint64(i+1) * region.PageSize, Size: region.PageSize}
		members = append(members, d)
		idx.Insert(d)
	}

	var visited int
	idx.Each(bucket, func(d *region.Descriptor) bool {
		visited++
		return true
	})
	assert.Equal(t, len(members), visited)

	visited = 0
	idx.Each(bucket, func(d *region.Descriptor) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited, "returning false must stop iteration immediately")
}

func TestRemoveDuringEachIsSafe(t *testing.T) {
	idx := New()
	bucket := BucketOf(region.PageSize)
	var members []*region.Descriptor
	for i := 0; i < 3; i++ {
		d := &region.Descriptor{BaseAddress: uint64(i+1) * region.PageSize, Size: region.PageSize}
		members = append(members, d)
		idx.Insert(d)
	}

	idx.Each(bucket, func(d *region.Descriptor) bool {
		idx.Remove(d)
		return true
	})

	_, ok := idx.LowestNonEmptyFrom(0)
	assert.False(t, ok, "every member removed mid-iteration must leave the bucket empty")
}
