package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/revlog/revlog/pkg/index"
	"github.com/revlog/revlog/pkg/logging"
	"github.com/revlog/revlog/pkg/metrics"
)

// logIndex pairs an index definition with its live structure and the
// length of the entry stream its persisted file covers.
type logIndex struct {
	def           IndexDef
	ix            *index.Index
	diskWatermark uint64 // stream length covered by the flushed file
	memWatermark  uint64 // stream length covered in memory
}

// indexSet drives index catch-up, lag-based flushing, and rebuilds.
// Any index write failure poisons the whole set: lookups fail fast
// until the journal is reopened, rebuilt, or cloned without dirty
// state, rather than serving results from a half-updated index.
type indexSet struct {
	indexes  []*logIndex
	poisoned error // nil = healthy; one-way transition per instance
	log      logging.Logger
	met      *metrics.Registry
}

func indexFilePath(dir, name string) string {
	return filepath.Join(dir, name+indexFileSuffix)
}

// watermark reads the indexed-length watermark stored in the index's
// own meta blob; an absent watermark means only the fixed header is
// covered.
func watermark(ix *index.Index) uint64 {
	meta := ix.Meta()
	if len(meta) == 0 {
		return headerLen
	}
	v, n := binary.Uvarint(meta)
	if n <= 0 {
		return headerLen
	}
	return v
}

func setWatermark(ix *index.Index, length uint64) {
	ix.SetMeta(binary.AppendUvarint(nil, length))
}

// openIndexes loads or seeds every configured index for a directory.
// A missing, unreadable, or stale-declared index starts fresh and is
// caught up from the entry stream.
func openIndexes(dir string, defs []IndexDef, meta Metadata, bufs *buffers, log logging.Logger, met *metrics.Registry) (*indexSet, error) {
	set := &indexSet{log: log, met: met}
	for _, def := range defs {
		li := &logIndex{def: def}
		path := ""
		if dir != "" {
			path = indexFilePath(dir, def.Name)
		}

		if path != "" {
			loaded, err := tryLoadIndex(path, meta.IndexLens[def.Name])
			if err != nil {
				log.Warn("index unusable, rebuilding from stream",
					logging.IndexName(def.Name), logging.Error(err))
			}
			if loaded != nil {
				li.ix = loaded
				li.diskWatermark = watermark(loaded)
			}
		}
		if li.ix == nil {
			li.ix = index.New(path)
			li.diskWatermark = headerLen
		}
		li.memWatermark = li.diskWatermark

		if err := set.catchUpOnDisk(li, bufs); err != nil {
			return nil, err
		}
		set.indexes = append(set.indexes, li)
	}
	return set, nil
}

// tryLoadIndex opens a persisted index, rejecting one whose file is
// shorter than the length the journal metadata declares for it (a
// crash mid-flush must never expose a shorter file as current).
func tryLoadIndex(path string, declaredLen uint64) (*index.Index, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if uint64(info.Size()) < declaredLen {
		return nil, fmt.Errorf("index file %s holds %d bytes, metadata declares %d", path, info.Size(), declaredLen)
	}
	return index.Open(path)
}

// catchUpOnDisk decodes and indexes every committed entry between the
// index's in-memory watermark and the committed length. It is
// idempotent and safe to call repeatedly.
func (s *indexSet) catchUpOnDisk(li *logIndex, bufs *buffers) error {
	off := li.memWatermark
	for off < bufs.committedLen() {
		payload, next, _, err := bufs.readEntry(off)
		if err != nil {
			if errors.Is(err, errEndOfBuffer) {
				break
			}
			return err
		}
		s.apply(li, payload, off)
		off = next
	}
	li.memWatermark = bufs.committedLen()
	return nil
}

// updateForAppend indexes a freshly appended entry across all indexes.
func (s *indexSet) updateForAppend(payload []byte, entryOffset, appendedLen uint64) {
	for _, li := range s.indexes {
		s.apply(li, payload, entryOffset)
		li.memWatermark = appendedLen
	}
}

func (s *indexSet) apply(li *logIndex, payload []byte, entryOffset uint64) {
	for _, op := range li.def.Extract(payload) {
		switch op.Kind {
		case IndexInsert:
			li.ix.Insert(op.Key, entryOffset)
		case IndexRemove:
			li.ix.Remove(op.Key)
		case IndexRemovePrefix:
			li.ix.RemovePrefix(op.Key)
		}
	}
}

// lagging reports whether the persisted index trails the committed log
// by more than its configured threshold.
func (li *logIndex) lagging(committedLen uint64) bool {
	indexed := li.diskWatermark
	high := committedLen
	if indexed > high {
		high = indexed
	}
	return high-indexed > li.def.LagBytes
}

// flushLagging persists every lagging index, recording the new file
// lengths into meta. A write failure poisons the set and is returned.
func (s *indexSet) flushLagging(meta *Metadata, committedLen uint64, fsync bool) error {
	for _, li := range s.indexes {
		lag := uint64(0)
		if committedLen > li.diskWatermark {
			lag = committedLen - li.diskWatermark
		}
		s.met.RecordIndexLag(li.def.Name, lag)

		if !li.lagging(committedLen) {
			continue
		}
		if err := s.flushOne(li, meta, committedLen, fsync); err != nil {
			return err
		}
	}
	return nil
}

func (s *indexSet) flushOne(li *logIndex, meta *Metadata, committedLen uint64, fsync bool) error {
	setWatermark(li.ix, committedLen)
	n, err := li.ix.Flush(fsync)
	if err != nil {
		s.poison(fmt.Errorf("flush of index %q failed: %w", li.def.Name, err))
		return s.poisoned
	}
	li.diskWatermark = committedLen
	if li.ix.Path() != "" {
		meta.IndexLens[li.def.Name] = uint64(n)
	}
	s.met.RecordIndexFlush(li.def.Name)
	return nil
}

// poison marks the set unusable for reads. The transition is one-way.
func (s *indexSet) poison(cause error) {
	if s.poisoned != nil {
		return
	}
	s.poisoned = fmt.Errorf("%w: %v", ErrIndexPoisoned, cause)
	s.met.IndexPoisonedTotal.Inc()
	s.log.Error("index set poisoned", logging.Error(cause))
}

// get returns the live index for a name.
func (s *indexSet) get(name string) (*logIndex, error) {
	if s.poisoned != nil {
		return nil, s.poisoned
	}
	for _, li := range s.indexes {
		if li.def.Name == name {
			return li, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownIndex, name)
}

// clone deep-copies the set; the copy resolves keys against its own
// journal's buffers, never the source's.
func (s *indexSet) clone() *indexSet {
	c := &indexSet{poisoned: s.poisoned, log: s.log, met: s.met}
	for _, li := range s.indexes {
		c.indexes = append(c.indexes, &logIndex{
			def:           li.def,
			ix:            li.ix.Clone(),
			diskWatermark: li.diskWatermark,
			memWatermark:  li.memWatermark,
		})
	}
	return c
}

// rebuild discards and reconstructs every index whose persisted file
// fails verification, or all of them when force is set. The journal
// metadata declares length zero before the file is replaced and the
// real length after, so a crash mid-rebuild never exposes an index
// whose declared length exceeds its content.
func (s *indexSet) rebuild(dir string, meta *Metadata, bufs *buffers, force, fsync bool) error {
	for _, li := range s.indexes {
		if !force {
			if err := li.ix.Verify(); err == nil {
				continue
			}
		}
		if err := s.rebuildOne(dir, li, meta, bufs, fsync); err != nil {
			return err
		}
		s.met.IndexRebuildsTotal.WithLabelValues(li.def.Name).Inc()
	}
	return nil
}

func (s *indexSet) rebuildOne(dir string, li *logIndex, meta *Metadata, bufs *buffers, fsync bool) error {
	path := li.ix.Path()

	fresh := index.New("")
	rebuilt := &logIndex{def: li.def, ix: fresh}
	if err := s.catchUpOnDisk(rebuilt, bufs); err != nil {
		return err
	}

	if path != "" {
		// Declare the index empty before touching its file
		meta.IndexLens[li.def.Name] = 0
		if err := writeMeta(dir, *meta, fsync); err != nil {
			return err
		}

		tmp := filepath.Join(dir, fmt.Sprintf(".rebuild-%s%s", uuid.NewString(), indexFileSuffix))
		fresh.SetPath(tmp)
		setWatermark(fresh, bufs.committedLen())
		n, err := fresh.Flush(fsync)
		if err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rebuild of index %q failed: %w", li.def.Name, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rebuild of index %q failed: %w", li.def.Name, err)
		}
		fresh.SetPath(path)

		meta.IndexLens[li.def.Name] = uint64(n)
		if err := writeMeta(dir, *meta, fsync); err != nil {
			return err
		}
	}

	li.ix = fresh
	li.diskWatermark = bufs.committedLen()
	li.memWatermark = rebuilt.memWatermark

	// Re-apply entries still pending in memory; the flushed file covers
	// committed entries only.
	if err := s.catchUpMem(li, bufs); err != nil {
		return err
	}
	s.log.Info("index rebuilt", logging.IndexName(li.def.Name), logging.Bytes(bufs.committedLen()))
	return nil
}

// catchUpMem indexes pending in-memory entries past the watermark.
func (s *indexSet) catchUpMem(li *logIndex, bufs *buffers) error {
	off := li.memWatermark
	for off < bufs.appendedLen() {
		payload, next, _, err := bufs.readEntry(off)
		if err != nil {
			if errors.Is(err, errEndOfBuffer) {
				break
			}
			return err
		}
		s.apply(li, payload, off)
		off = next
	}
	li.memWatermark = bufs.appendedLen()
	return nil
}
