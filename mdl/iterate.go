package mdl

import "github.com/ptarmigan-os/mdl/internal/region"

// Visitor is invoked once per descriptor, in ascending base-address
// order, during Iterate. It must not mutate the list.
type Visitor func(d Descriptor, context any)

// Iterate walks every descriptor in ascending base order (spec §4.4.7).
func (l *List) Iterate(visitor Visitor, context any) {
	l.requireActive()
	l.tree.Walk(func(d *region.Descriptor) {
		visitor(snapshot(d), context)
	})
}
