package mdl

// RemoveRange punches a hole over [start, end): the mirror of Insert
// (spec §4.4.4) that splits or removes boundary descriptors but leaves no
// replacement behind. It is atomic in the same sense as Insert.
func (l *List) RemoveRange(start, end uint64) error {
	l.requireActive()
	l.validateRegion(start, end-start)

	overlaps := l.overlapping(start, end)

	need := 0
	if len(overlaps) == 1 {
		e := overlaps[0]
		if e.BaseAddress < start && e.End() > end {
			need = 1
		}
	}
	reserved, err := l.reserve(need)
	if err != nil {
		return err
	}
	defer l.releaseUnused(&reserved)

	for _, e := range overlaps {
		switch {
		case e.BaseAddress >= start && e.End() <= end:
			l.removeDescriptor(e)
		case e.BaseAddress < start && e.End() > end:
			after := takeReserved(&reserved)
			after.BaseAddress, after.Size, after.Type = end, e.End()-end, e.Type
			l.resize(e, e.BaseAddress, start)
			l.insertDescriptor(after)
		case e.BaseAddress < start:
			l.resize(e, e.BaseAddress, start)
		default:
			l.resize(e, end, e.End())
		}
	}
	return nil
}
