package mdl

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptarmigan-os/mdl/pool/nonpaged"
)

func newSeededList(t *testing.T, records int) *List {
	t.Helper()
	l := New(SourceNonPagedPool, nonpaged.New(1<<20))
	l.Seed(make([]byte, records*64))
	return l
}

// --- Scenario A: basic insert & merge ---

func TestScenarioA_BasicInsertAndMerge(t *testing.T) {
	l := newSeededList(t, 8)

	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x2000, Type: TypeFree}))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x3000, Size: 0x1000, Type: TypeFree}))

	assert.Equal(t, 1, l.DescriptorCount())
	assert.Equal(t, uint64(0x3000), l.FreeSpace())

	d, ok := l.Lookup(0x1000, 0x1001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x1000, Size: 0x3000, Type: TypeFree}, d)
}

// --- Scenario B: override punches a hole ---

func TestScenarioB_OverridePunchesHole(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x2000, Type: TypeFree}))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x3000, Size: 0x1000, Type: TypeFree}))

	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x2000, Size: 0x1000, Type: TypeReserved}))

	assert.Equal(t, 3, l.DescriptorCount())
	assert.Equal(t, uint64(0x2000), l.FreeSpace())
	assert.Equal(t, uint64(0x3000), l.TotalSpace())

	d1, ok := l.Lookup(0x1000, 0x1001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeFree}, d1)

	d2, ok := l.Lookup(0x2000, 0x2001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x2000, Size: 0x1000, Type: TypeReserved}, d2)

	d3, ok := l.Lookup(0x3000, 0x3001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x3000, Size: 0x1000, Type: TypeFree}, d3)
}

// --- Scenario C: lowest-address allocation ---

func TestScenarioC_LowestAddressAllocation(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x2000, Type: TypeFree}))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x3000, Size: 0x1000, Type: TypeFree}))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x2000, Size: 0x1000, Type: TypeReserved}))

	base, err := l.Allocate(0x1000, 0x1000, TypeNonPagedPool, StrategyLowest)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), base)

	assert.Equal(t, uint64(0x1000), l.FreeSpace())
	d, ok := l.Lookup(0x1000, 0x1001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeNonPagedPool}, d)
}

// --- Scenario D: highest strategy with alignment ---

func TestScenarioD_HighestStrategyWithAlignment(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x10000, Size: 0x10000, Type: TypeFree}))

	base, err := l.Allocate(0x3000, 0x4000, TypeHardware, StrategyHighest)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1C000), base)

	pre, ok := l.Lookup(0x10000, 0x10001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x10000, Size: 0xC000, Type: TypeFree}, pre)

	alloc, ok := l.Lookup(0x1C000, 0x1C001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x1C000, Size: 0x3000, Type: TypeHardware}, alloc)

	post, ok := l.Lookup(0x1F000, 0x1F001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x1F000, Size: 0x1000, Type: TypeFree}, post)
}

// --- Scenario E: arena exhaustion rollback ---

func TestScenarioE_ArenaExhaustionRollback(t *testing.T) {
	l := New(SourceNone, nil)
	l.Seed(make([]byte, 64)) // exactly one record

	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeFree}))
	assert.Equal(t, 1, l.DescriptorCount())
	assert.Equal(t, 0, l.UnusedReserve())

	err := l.Insert(Descriptor{BaseAddress: 0x4000, Size: 0x1000, Type: TypeReserved})
	require.ErrorIs(t, err, ErrOutOfMemory)

	assert.Equal(t, 1, l.DescriptorCount())
	assert.Equal(t, uint64(0x1000), l.TotalSpace())
	assert.Equal(t, uint64(0x1000), l.FreeSpace())
	_, ok := l.Lookup(0x4000, 0x4001)
	assert.False(t, ok, "failed insert must leave no trace")
}

// --- Scenario F: remove-range splits a straddling region ---

func TestScenarioF_RemoveRangeSplitsStraddlingRegion(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x10000, Size: 0x8000, Type: TypeReserved}))

	require.NoError(t, l.RemoveRange(0x12000, 0x14000))

	assert.Equal(t, uint64(0x6000), l.TotalSpace())
	d1, ok := l.Lookup(0x10000, 0x10001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x10000, Size: 0x2000, Type: TypeReserved}, d1)

	d2, ok := l.Lookup(0x14000, 0x14001)
	require.True(t, ok)
	assert.Equal(t, Descriptor{BaseAddress: 0x14000, Size: 0x4000, Type: TypeReserved}, d2)

	_, ok = l.Lookup(0x12000, 0x13000)
	assert.False(t, ok)
}

// --- Boundary behaviors ---

func TestNoOpInsertFullyContainedSameType(t *testing.T) {
	l := New(SourceNone, nil) // no refill source: once the one seeded record is used, any arena use would fail
	l.Seed(make([]byte, 64))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x3000, Type: TypeFree}))

	reserveBefore := l.UnusedReserve()
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeFree}))
	assert.Equal(t, reserveBefore, l.UnusedReserve(), "fully-contained same-type insert must not touch the arena")
	assert.Equal(t, 1, l.DescriptorCount())
}

func TestAbuttingInsertMergesAndReducesCount(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeFree}))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x2000, Size: 0x1000, Type: TypeReserved}))
	assert.Equal(t, 2, l.DescriptorCount())

	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x2000, Size: 0x1000, Type: TypeFree}))
	// overrides the whole reserved region and merges with the free
	// predecessor, leaving one free descriptor [0x1000, 0x3000)
	assert.Equal(t, 1, l.DescriptorCount())

	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x3000, Size: 0x1000, Type: TypeFree}))
	assert.Equal(t, 1, l.DescriptorCount(), "the new free region must merge with its free neighbor")
}

func TestAllocateHighestExactFitReturnsBase(t *testing.T) {
	l := newSeededList(t, 4)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x5000, Size: 0x1000, Type: TypeFree}))

	base, err := l.Allocate(0x1000, 0, TypeHardware, StrategyHighest)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5000), base)
}

func TestIdempotentInsert(t *testing.T) {
	l := newSeededList(t, 8)
	cand := Descriptor{BaseAddress: 0x1000, Size: 0x2000, Type: TypeFree}
	require.NoError(t, l.Insert(cand))
	before := l.Print()

	require.NoError(t, l.Insert(cand))
	after := l.Print()
	assert.Equal(t, before, after)
}

func TestIsRangeFree(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x2000, Type: TypeFree}))

	_, ok := l.IsRangeFree(0x1000, 0x2000)
	assert.True(t, ok)
	_, ok = l.IsRangeFree(0x1000, 0x4000)
	assert.False(t, ok)
}

func TestAllocateGuardedClaimsAdjacentGranule(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x3000, Type: TypeFree}))

	base, err := l.AllocateGuarded(0x1000, 0, TypeNonPagedPool, StrategyLowest)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), base)

	guard, ok := l.Lookup(0x2000, 0x2001)
	require.True(t, ok)
	assert.Equal(t, TypeBad, guard.Type)
}

func TestDestroyMovesStateAndReinitReactivates(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeFree}))

	l.Destroy()
	assert.Panics(t, func() { l.Insert(Descriptor{BaseAddress: 0x2000, Size: 0x1000, Type: TypeFree}) })

	l.Reinit(SourceNonPagedPool, nonpaged.New(1<<20))
	l.Seed(make([]byte, 8*64))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x1000, Type: TypeFree}))
	assert.Equal(t, 1, l.DescriptorCount())
}

func TestAuditPassesOnWellFormedList(t *testing.T) {
	l := newSeededList(t, 8)
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x1000, Size: 0x2000, Type: TypeFree}))
	require.NoError(t, l.Insert(Descriptor{BaseAddress: 0x3000, Size: 0x1000, Type: TypeReserved}))
	assert.NoError(t, l.Audit())
}

// --- Property-style test over a random mixed workload ---

func TestPropertyInvariantsUnderRandomWorkload(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	l := newSeededList(t, 4096)

	types := []Type{TypeFree, TypeReserved, TypeHardware, TypePagedPool}
	const space = 0x10000000 // 256 MiB simulated address space

	for i := 0; i < 2000; i++ {
		base := uint64(rng.Intn(space/0x1000)) * 0x1000
		size := uint64(rng.Intn(16)+1) * 0x1000
		if base+size > space {
			continue
		}
		typ := types[rng.Intn(len(types))]

		switch rng.Intn(3) {
		case 0:
			_ = l.Insert(Descriptor{BaseAddress: base, Size: size, Type: typ})
		case 1:
			_ = l.RemoveRange(base, base+size)
		case 2:
			_, _ = l.Allocate(size, 0x1000, typ, StrategyAny)
		}
	}

	require.NoError(t, l.Audit())

	var prev *Descriptor
	l.Iterate(func(d Descriptor, _ any) {
		if prev != nil {
			assert.LessOrEqual(t, prev.End(), d.BaseAddress, "descriptors must be disjoint and ordered")
			assert.False(t, prev.Type == d.Type && prev.End() == d.BaseAddress, "adjacent same-type descriptors must have been coalesced")
		}
		assert.True(t, d.BaseAddress%0x1000 == 0 && d.Size%0x1000 == 0, "every descriptor must stay page-aligned")
		cp := d
		prev = &cp
	}, nil)
}
