package mdl

import (
	"github.com/ptarmigan-os/mdl/internal/arena"
	"github.com/ptarmigan-os/mdl/internal/freeindex"
	"github.com/ptarmigan-os/mdl/internal/obslog"
	"github.com/ptarmigan-os/mdl/internal/rbtree"
	"github.com/ptarmigan-os/mdl/internal/region"
)

// Destroy runs the two-pass teardown from spec §4.4.8: every in-use
// descriptor is reclaimed (pass one), then the unused reserve is drained
// the same way (pass two), and finally every batch queued by either pass
// is returned to the pool backend as a whole. The list moves
// active→destroyed; all operations except Reinit then require an active
// list and will panic.
func (l *List) Destroy() {
	l.requireActive()

	// Tree.Walk forbids tree mutation from its visitor, so the live set
	// is collected into a side list first and reclaimed afterward.
	var live []*region.Descriptor
	l.tree.Walk(func(d *region.Descriptor) {
		live = append(live, d)
	})
	for _, d := range live {
		l.arena.Reclaim(d)
	}

	l.arena.DrainReserve()
	if err := l.arena.FlushToPool(); err != nil {
		l.log.Warn("destroy: pool free errors", obslog.F("error", err))
	}

	l.tree = rbtree.Tree{}
	l.buckets = freeindex.New()
	l.descriptorCount = 0
	l.totalBytes = 0
	l.freeBytes = 0
	l.state = stateDestroyed
	l.log.Info("mdl destroyed")
}

// Reinit moves a destroyed (or never-initialized) list back to active
// with a fresh source and backend, per spec §4.4.8's state machine
// ("Re-initialization of a destroyed MDL is permitted").
func (l *List) Reinit(source Source, backend PoolBackend) {
	if l.state == stateActive {
		invalid("reinit requires a destroyed or uninitialized list, not active")
	}
	if l.log == nil {
		l.log = obslog.Nop()
	}
	if l.buckets == nil {
		l.buckets = freeindex.New()
	}
	l.arena = arena.New(source, backend, l.log.With("arena"))
	l.state = stateActive
	l.log.Info("mdl reinitialized", obslog.F("source", source.String()))
}
