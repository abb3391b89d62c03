package partition

// Iterator walks records in a partition, forward or backward, one at a
// time. Call Next until it returns false, then check Err.
type Iterator struct {
	p         *Partition
	pos       uint32
	started   bool
	backwards bool
	done      bool
	err       error
	cur       *Record
}

// ReadAll returns a forward iterator over documents starting at after
// (a byte position; 0 reads from the beginning of the partition).
func (p *Partition) ReadAll(after uint32) *Iterator {
	return &Iterator{p: p, pos: after}
}

// ReadAllBackwards returns a backward iterator over documents starting
// just before the given byte position. before < 0 starts from the current
// end of the partition.
func (p *Partition) ReadAllBackwards(before int64) *Iterator {
	it := &Iterator{p: p, backwards: true}
	if before < 0 {
		it.pos = p.Length()
	} else {
		it.pos = uint32(before)
	}
	return it
}

// Next advances the iterator and reports whether a record was produced.
func (it *Iterator) Next() (*Record, bool) {
	if it.done {
		return nil, false
	}

	if it.backwards {
		prev, ok, err := it.p.FindDocumentPositionBefore(it.pos)
		if err != nil {
			it.err = err
			it.done = true
			return nil, false
		}
		if !ok {
			it.done = true
			return nil, false
		}
		rec, ok, err := it.p.ReadRecordFrom(prev)
		if err != nil {
			it.err = err
			it.done = true
			return nil, false
		}
		if !ok {
			it.done = true
			return nil, false
		}
		it.pos = prev
		it.cur = rec
		return rec, true
	}

	rec, ok, err := it.p.ReadRecordFrom(it.pos)
	if err != nil {
		it.err = err
		it.done = true
		return nil, false
	}
	if !ok {
		it.done = true
		return nil, false
	}
	it.pos += WriteSize(uint32(len(rec.Payload)))
	it.cur = rec
	return rec, true
}

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }
