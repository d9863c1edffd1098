package journal

import (
	"errors"
)

// EntryIter walks entry payloads forward from a starting offset. It is
// lazy and finite: Next decodes one entry at a time and the sequence
// ends at the current logical end. A decode error halts the iterator
// permanently; calling Iter or IterDirty again yields a fresh start.
type EntryIter struct {
	j       *Journal
	next    uint64
	cur     uint64
	payload []byte
	err     error
	done    bool
}

// Iter iterates every entry from the start of the log, committed and
// pending alike.
func (j *Journal) Iter() *EntryIter {
	return &EntryIter{j: j, next: headerLen}
}

// IterDirty iterates only uncommitted entries.
func (j *Journal) IterDirty() *EntryIter {
	return &EntryIter{j: j, next: j.bufs.committedLen()}
}

// Next advances to the next entry. It returns false at the end of the
// sequence or on the first decode error; check Err afterwards.
func (it *EntryIter) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.j.closed {
		it.err = ErrClosed
		return false
	}

	payload, next, fromDisk, err := it.j.bufs.readEntry(it.next)
	if err != nil {
		if errors.Is(err, errEndOfBuffer) {
			it.done = true
			return false
		}
		if IsCorruption(err) {
			it.j.met.RecordCorruption("entry")
		}
		it.err = err
		return false
	}

	it.j.met.RecordRead(fromDisk, len(payload))
	it.cur = it.next
	it.next = next
	it.payload = payload
	return true
}

// Payload returns the current entry's payload.
func (it *EntryIter) Payload() []byte {
	return it.payload
}

// Offset returns the current entry's logical offset.
func (it *EntryIter) Offset() uint64 {
	return it.cur
}

// Err returns the error that halted the iterator, if any.
func (it *EntryIter) Err() error {
	return it.err
}

// LookupIter resolves index hit offsets to payloads one at a time.
type LookupIter struct {
	j       *Journal
	offsets []uint64
	pos     int
	payload []byte
	cur     uint64
	err     error
}

// Next resolves the next hit. It returns false when exhausted or on
// the first resolution error; check Err afterwards.
func (it *LookupIter) Next() bool {
	if it.err != nil || it.pos >= len(it.offsets) {
		return false
	}
	it.cur = it.offsets[it.pos]
	it.pos++

	payload, err := it.j.ReadAt(it.cur)
	if err != nil {
		it.err = err
		return false
	}
	it.payload = payload
	return true
}

// Payload returns the current hit's payload.
func (it *LookupIter) Payload() []byte {
	return it.payload
}

// Offset returns the current hit's entry offset.
func (it *LookupIter) Offset() uint64 {
	return it.cur
}

// Err returns the error that halted the iterator, if any.
func (it *LookupIter) Err() error {
	return it.err
}

// Len returns the total number of hits the iterator was created with.
func (it *LookupIter) Len() int {
	return len(it.offsets)
}
