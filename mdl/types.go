// Package mdl implements the memory descriptor list: a container that
// partitions an abstract address space into typed, non-overlapping,
// variable-sized regions and supports allocation, release, query, and
// coalescing over it.
//
// The package is built on three cooperating indices — internal/rbtree
// (ordered by base address), internal/freeindex (size-bucketed, free-like
// descriptors only), and internal/arena (the self-hosting bookkeeping
// reserve) — none of which a caller of this package ever touches
// directly.
package mdl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ptarmigan-os/mdl/internal/arena"
	"github.com/ptarmigan-os/mdl/internal/freeindex"
	"github.com/ptarmigan-os/mdl/internal/obslog"
	"github.com/ptarmigan-os/mdl/internal/rbtree"
	"github.com/ptarmigan-os/mdl/internal/region"
)

// Type re-exports the region type enumeration so callers never import
// internal/region directly.
type Type = region.Type

const (
	TypeFree              = region.TypeFree
	TypeReserved          = region.TypeReserved
	TypeFirmwareTemporary = region.TypeFirmwareTemporary
	TypeFirmwarePermanent = region.TypeFirmwarePermanent
	TypeACPITables        = region.TypeACPITables
	TypeACPINonVolatile   = region.TypeACPINonVolatile
	TypeBad               = region.TypeBad
	TypeLoaderTemporary   = region.TypeLoaderTemporary
	TypeLoaderPermanent   = region.TypeLoaderPermanent
	TypePageTables        = region.TypePageTables
	TypeBootPageTables    = region.TypeBootPageTables
	TypeMMInit            = region.TypeMMInit
	TypeNonPagedPool      = region.TypeNonPagedPool
	TypePagedPool         = region.TypePagedPool
	TypeHardware          = region.TypeHardware
)

// Source re-exports the arena's refill-source enumeration.
type Source = arena.Source

const (
	SourceNone         = arena.SourceNone
	SourceNonPagedPool = arena.SourceNonPagedPool
	SourcePagedPool    = arena.SourcePagedPool
)

// PoolBackend re-exports the arena's external-collaborator contract.
type PoolBackend = arena.PoolBackend

// Strategy is the placement policy for Allocate.
type Strategy int

const (
	StrategyAny Strategy = iota
	StrategyLowest
	StrategyHighest
)

func (s Strategy) String() string {
	switch s {
	case StrategyAny:
		return "any"
	case StrategyLowest:
		return "lowest"
	case StrategyHighest:
		return "highest"
	default:
		return "unknown-strategy"
	}
}

// ErrOutOfMemory is the sole recoverable failure (spec §7 kind 1):
// the arena's reserve was empty and refill failed, or the pool backend
// returned an error. Every mutating operation that returns this leaves
// the MDL exactly as it was before the call.
var ErrOutOfMemory = errors.New("mdl: out of memory")

// ErrInvalidArgument is raised via invalid() for programming errors
// (spec §7 kind 2): overlap-with-self, zero size, misalignment, or use of
// an MDL outside the active state. These are caller bugs, not recoverable
// runtime conditions, so invalid() panics rather than returning an error.
var ErrInvalidArgument = errors.New("mdl: invalid argument")

func invalid(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...)))
}

// state is the lifecycle position required by spec §4.4.8's state machine.
type state int

const (
	stateUninitialized state = iota
	stateActive
	stateDestroyed
)

// Descriptor is the caller-visible view of one region. It is a value
// copy; callers never hold a pointer into the list's internal tree.
type Descriptor struct {
	BaseAddress uint64
	Size        uint64
	Type        Type
}

func (d Descriptor) End() uint64 { return d.BaseAddress + d.Size }

func snapshot(d *region.Descriptor) Descriptor {
	return Descriptor{BaseAddress: d.BaseAddress, Size: d.Size, Type: d.Type}
}

// List is the memory descriptor list container (spec §3's "Descriptor
// list (MDL)"). The zero value is not usable; construct with New.
type List struct {
	state state
	name  string
	log   *obslog.Logger

	tree    rbtree.Tree
	buckets *freeindex.Index
	arena   *arena.Arena

	descriptorCount int
	totalBytes      uint64
	freeBytes       uint64
}

// Option configures a List at construction time.
type Option func(*List)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(log *obslog.Logger) Option {
	return func(l *List) { l.log = log }
}

// WithName tags the list for logging and metrics label purposes.
func WithName(name string) Option {
	return func(l *List) { l.name = name }
}

// New constructs an MDL bound to source, moving it uninitialized→active
// (spec §4.4.1). source = SourceNone forbids arena refills; such a list
// must be fully pre-seeded via Seed.
func New(source Source, backend PoolBackend, opts ...Option) *List {
	l := &List{
		state:   stateActive,
		buckets: freeindex.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = obslog.Nop()
	}
	l.arena = arena.New(source, backend, l.log.With("arena"))
	l.log.Info("mdl initialized", obslog.F("source", source.String()))
	return l
}

func (l *List) requireActive() {
	if l.state != stateActive {
		invalid("operation requires an active list, state is %d", l.state)
	}
}

// DescriptorCount implements internal/metrics.Stats.
func (l *List) DescriptorCount() int { return l.descriptorCount }

// TotalSpace implements internal/metrics.Stats.
func (l *List) TotalSpace() uint64 { return l.totalBytes }

// FreeSpace implements internal/metrics.Stats.
func (l *List) FreeSpace() uint64 { return l.freeBytes }

// UnusedReserve reports how many bookkeeping records currently sit idle
// in the descriptor arena.
func (l *List) UnusedReserve() int { return l.arena.UnusedCount() }

// Seed adds floor(len(buffer)/record-size) non-freeable records to the
// arena's reserve (spec §4.4.2). The caller retains ownership of buffer;
// the MDL never reads or writes it.
func (l *List) Seed(buffer []byte) int {
	l.requireActive()
	return l.arena.Seed(buffer)
}

// Trim returns whole idle batches above watermark to the pool backend
// (§4.4.10, the decided Open Question). It is opt-in; nothing in this
// package calls it automatically.
func (l *List) Trim(watermark int) int {
	l.requireActive()
	return l.arena.Trim(context.Background(), watermark)
}
