package mdl

// Lookup returns the descriptor containing any part of [start, end), found
// via closest-not-greater on end-1 followed by a single intersection
// check (spec §4.4.5).
func (l *List) Lookup(start, end uint64) (Descriptor, bool) {
	l.requireActive()
	if end == 0 {
		invalid("lookup with end=0 is degenerate")
	}
	d := l.tree.ClosestNotGreater(end - 1)
	if d == nil || !d.Overlaps(start, end) {
		return Descriptor{}, false
	}
	return snapshot(d), true
}

// IsRangeFree reports the free-like descriptor that fully contains
// [start, end), if one exists.
func (l *List) IsRangeFree(start, end uint64) (Descriptor, bool) {
	l.requireActive()
	if end == 0 {
		invalid("is-range-free with end=0 is degenerate")
	}
	d := l.tree.ClosestNotGreater(end - 1)
	if d == nil || !d.Type.IsFreeLike() || !d.Contains(start, end) {
		return Descriptor{}, false
	}
	return snapshot(d), true
}
