package journal

import (
	"errors"
	"fmt"
)

// foldState is one accumulator together with the stream length it has
// incorporated.
type foldState struct {
	acc          any
	confirmedLen uint64
}

// foldSet maintains incremental aggregates over the entry stream, split
// into disk-confirmed states (committed entries only) and all-entries
// states (committed plus pending).
type foldSet struct {
	defs []FoldDef
	disk []foldState
	all  []foldState
}

func newFoldSet(defs []FoldDef) *foldSet {
	s := &foldSet{defs: defs}
	s.disk = make([]foldState, len(defs))
	s.all = make([]foldState, len(defs))
	for i, def := range defs {
		s.disk[i] = foldState{acc: def.Seed(), confirmedLen: headerLen}
		s.all[i] = foldState{acc: def.Seed(), confirmedLen: headerLen}
	}
	return s
}

func (d FoldDef) copyAcc(acc any) any {
	if d.Copy == nil {
		return acc
	}
	return d.Copy(acc)
}

// advance feeds a freshly appended entry into every all-entries state.
func (s *foldSet) advance(payload []byte, offset, appendedLen uint64) error {
	for i, def := range s.defs {
		acc, err := def.Fn(s.all[i].acc, payload, offset)
		if err != nil {
			return fmt.Errorf("fold %q failed at offset %d: %w", def.Name, offset, err)
		}
		s.all[i] = foldState{acc: acc, confirmedLen: appendedLen}
	}
	return nil
}

// confirmToDisk advances each disk-confirmed state by replaying only
// committed entries past its own watermark, then snapshots the result
// as the all-entries state. Callers invoke it when no pending data
// remains, so the two views coincide afterwards.
func (s *foldSet) confirmToDisk(bufs *buffers) error {
	for i, def := range s.defs {
		st := s.disk[i]
		off := st.confirmedLen
		for off < bufs.committedLen() {
			payload, next, _, err := bufs.readEntry(off)
			if err != nil {
				if errors.Is(err, errEndOfBuffer) {
					break
				}
				return err
			}
			acc, err := def.Fn(st.acc, payload, off)
			if err != nil {
				return fmt.Errorf("fold %q failed at offset %d: %w", def.Name, off, err)
			}
			st = foldState{acc: acc, confirmedLen: next}
			off = next
		}
		st.confirmedLen = bufs.committedLen()
		s.disk[i] = st
		s.all[i] = foldState{acc: def.copyAcc(st.acc), confirmedLen: st.confirmedLen}
	}
	return nil
}

// value returns the all-entries accumulator for a fold name.
func (s *foldSet) value(name string) (any, error) {
	for i, def := range s.defs {
		if def.Name == name {
			return s.all[i].acc, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFold, name)
}

// clone deep-copies both state lists.
func (s *foldSet) clone() *foldSet {
	c := &foldSet{defs: s.defs}
	c.disk = make([]foldState, len(s.disk))
	c.all = make([]foldState, len(s.all))
	for i, def := range s.defs {
		c.disk[i] = foldState{acc: def.copyAcc(s.disk[i].acc), confirmedLen: s.disk[i].confirmedLen}
		c.all[i] = foldState{acc: def.copyAcc(s.all[i].acc), confirmedLen: s.all[i].confirmedLen}
	}
	return c
}

// cloneConfirmedOnly copies only disk-confirmed state, for clones that
// drop dirty data.
func (s *foldSet) cloneConfirmedOnly() *foldSet {
	c := &foldSet{defs: s.defs}
	c.disk = make([]foldState, len(s.disk))
	c.all = make([]foldState, len(s.all))
	for i, def := range s.defs {
		c.disk[i] = foldState{acc: def.copyAcc(s.disk[i].acc), confirmedLen: s.disk[i].confirmedLen}
		c.all[i] = foldState{acc: def.copyAcc(s.disk[i].acc), confirmedLen: s.disk[i].confirmedLen}
	}
	return c
}
