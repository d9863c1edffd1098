// Package journal implements an append-only, checksummed, indexed log:
// the durable building block under commit graphs, tree history, and
// other versioned metadata.
//
// A Journal spans two buffers: an immutable memory-mapped view of the
// committed primary file and an owned append-only memory buffer of
// uncommitted entries. Entry offsets are permanent identities: an
// offset below the committed length resolves on disk, at or above it
// in memory. Sync moves pending bytes to disk under a directory lock
// and commits them by atomically rewriting the metadata file.
//
// A Journal instance is not safe for a mutating call concurrent with
// reads on the same instance; embedders serialize that externally.
// Distinct instances over one directory, in any mix of processes, are
// always safe.
package journal

import (
	"errors"

	"github.com/revlog/revlog/pkg/dirlock"
	"github.com/revlog/revlog/pkg/logging"
	"github.com/revlog/revlog/pkg/metrics"
)

// Journal is the aggregate root of one log directory (or one in-memory
// log when opened with OpenInMemory).
type Journal struct {
	dir  string // "" marks a pure in-memory journal
	opts Options

	bufs    buffers
	meta    Metadata
	opened  Metadata // metadata as of open, for flush-filter decisions
	indexes *indexSet
	folds   *foldSet

	log    logging.Logger
	met    *metrics.Registry
	closed bool
}

// Open opens (or, with CreateMissing, initializes) the journal in dir.
func Open(dir string, opts Options) (*Journal, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.logger().With(logging.Component("journal"), logging.Dir(dir))
	met := opts.metricsRegistry()

	meta, err := loadOrCreateMeta(dir, opts.CreateMissing, opts.Fsync)
	if err != nil {
		return nil, err
	}

	disk, err := openDiskBuffer(dir, meta.PrimaryLen)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		dir:  dir,
		opts: opts,
		bufs: buffers{disk: disk},
		meta: meta,
		log:  log,
		met:  met,
	}
	j.opened = meta.clone()

	if j.indexes, err = openIndexes(dir, opts.Indexes, meta, &j.bufs, log, met); err != nil {
		_ = disk.release()
		return nil, err
	}
	j.folds = newFoldSet(opts.Folds)
	if err := j.folds.confirmToDisk(&j.bufs); err != nil {
		_ = disk.release()
		return nil, err
	}

	publishChange(dir, meta)
	return j, nil
}

// OpenInMemory creates a journal with no backing directory. Sync
// promotes pending entries to the committed buffer without touching
// the filesystem.
func OpenInMemory(opts Options) (*Journal, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	j := &Journal{
		opts: opts,
		bufs: buffers{disk: newMemoryBuffer()},
		meta: newMetadata(),
		log:  opts.logger().With(logging.Component("journal"), logging.Dir("memory")),
		met:  opts.metricsRegistry(),
	}
	j.opened = j.meta.clone()

	var err error
	if j.indexes, err = openIndexes("", opts.Indexes, j.meta, &j.bufs, j.log, j.met); err != nil {
		return nil, err
	}
	j.folds = newFoldSet(opts.Folds)
	return j, nil
}

// Append encodes the payload into the pending buffer and returns the
// entry's logical offset, its identity for the lifetime of the log.
func (j *Journal) Append(payload []byte) (uint64, error) {
	if j.closed {
		return 0, ErrClosed
	}

	off := j.bufs.append(payload, j.opts.policy(), j.opts.Compression)
	appended := j.bufs.appendedLen()

	j.indexes.updateForAppend(payload, off, appended)
	if err := j.folds.advance(payload, off, appended); err != nil {
		return 0, err
	}
	j.met.RecordAppend(int(appended-off), len(j.bufs.mem))
	if encoded := int(appended - off); j.opts.Compression && encoded < len(payload) {
		j.met.CompressionSaved.Add(float64(len(payload) - encoded))
	}

	if j.opts.AutoSyncBytes > 0 && len(j.bufs.mem) >= j.opts.AutoSyncBytes {
		if _, err := j.Sync(); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// ReadAt decodes the entry at a logical offset.
func (j *Journal) ReadAt(off uint64) ([]byte, error) {
	if j.closed {
		return nil, ErrClosed
	}
	payload, _, fromDisk, err := j.bufs.readEntry(off)
	if err != nil {
		if errors.Is(err, errEndOfBuffer) {
			return nil, corruptionf(j.primaryPath(), off, "offset at log end %d", j.bufs.appendedLen())
		}
		if IsCorruption(err) {
			j.met.RecordCorruption("entry")
		}
		return nil, err
	}
	j.met.RecordRead(fromDisk, len(payload))
	return payload, nil
}

// Lookup returns an iterator over the payloads indexed under key,
// most recent first.
func (j *Journal) Lookup(indexName string, key []byte) (*LookupIter, error) {
	li, err := j.lookupIndex(indexName)
	if err != nil {
		return nil, err
	}
	return &LookupIter{j: j, offsets: li.ix.Get(key)}, nil
}

// LookupPrefix returns an iterator over payloads for every key with
// the given prefix, in ascending key order.
func (j *Journal) LookupPrefix(indexName string, prefix []byte) (*LookupIter, error) {
	li, err := j.lookupIndex(indexName)
	if err != nil {
		return nil, err
	}
	var offsets []uint64
	for _, posting := range li.ix.ScanPrefix(prefix) {
		offsets = append(offsets, posting.Offsets...)
	}
	return &LookupIter{j: j, offsets: offsets}, nil
}

// LookupRange returns an iterator over payloads for keys in
// [lo, hi), in ascending key order. A nil hi is unbounded.
func (j *Journal) LookupRange(indexName string, lo, hi []byte) (*LookupIter, error) {
	li, err := j.lookupIndex(indexName)
	if err != nil {
		return nil, err
	}
	var offsets []uint64
	for _, posting := range li.ix.ScanRange(lo, hi) {
		offsets = append(offsets, posting.Offsets...)
	}
	return &LookupIter{j: j, offsets: offsets}, nil
}

func (j *Journal) lookupIndex(name string) (*logIndex, error) {
	if j.closed {
		return nil, ErrClosed
	}
	return j.indexes.get(name)
}

// Fold returns the all-entries accumulator of a configured fold.
func (j *Journal) Fold(name string) (any, error) {
	if j.closed {
		return nil, ErrClosed
	}
	return j.folds.value(name)
}

// CommittedLen returns the committed primary length in bytes.
func (j *Journal) CommittedLen() uint64 {
	return j.bufs.committedLen()
}

// PendingBytes returns the size of the uncommitted memory buffer.
func (j *Journal) PendingBytes() int {
	return len(j.bufs.mem)
}

// Epoch returns the current metadata epoch.
func (j *Journal) Epoch() uint64 {
	return j.meta.Epoch
}

// TryClone returns an independent journal sharing only the immutable
// committed byte range. Dirty state (pending buffer, index and fold
// state) is copied, so appends on either side stay invisible to the
// other.
func (j *Journal) TryClone() (*Journal, error) {
	if j.closed {
		return nil, ErrClosed
	}
	j.bufs.disk.retain()
	c := &Journal{
		dir:     j.dir,
		opts:    j.opts,
		bufs:    buffers{disk: j.bufs.disk, mem: append([]byte(nil), j.bufs.mem...)},
		meta:    j.meta.clone(),
		opened:  j.opened.clone(),
		indexes: j.indexes.clone(),
		folds:   j.folds.clone(),
		log:     j.log,
		met:     j.met,
	}
	return c, nil
}

// TryCloneWithoutDirty returns an independent journal over the
// committed state only. Pending entries are dropped and the index set
// starts fresh, which also sheds a poisoned state.
func (j *Journal) TryCloneWithoutDirty() (*Journal, error) {
	if j.closed {
		return nil, ErrClosed
	}
	j.bufs.disk.retain()
	c := &Journal{
		dir:    j.dir,
		opts:   j.opts,
		bufs:   buffers{disk: j.bufs.disk},
		meta:   j.meta.clone(),
		opened: j.meta.clone(),
		log:    j.log,
		met:    j.met,
	}
	var err error
	if c.indexes, err = openIndexes(j.dir, j.opts.Indexes, c.meta, &c.bufs, j.log, j.met); err != nil {
		_ = j.bufs.disk.release()
		return nil, err
	}
	c.folds = j.folds.cloneConfirmedOnly()
	return c, nil
}

// Rebuild verifies every index file and reconstructs the invalid ones
// from the entry stream (all of them when force is set). A successful
// rebuild replaces the index set wholesale and clears a poisoned
// state.
func (j *Journal) Rebuild(force bool) error {
	if j.closed {
		return ErrClosed
	}
	if j.dir != "" {
		guard, err := dirlock.Acquire(j.dir)
		if err != nil {
			return err
		}
		defer guard.Release()
	}

	if err := j.indexes.rebuild(j.dir, &j.meta, &j.bufs, force, j.opts.Fsync); err != nil {
		return err
	}
	j.indexes.poisoned = nil
	return nil
}

// Close releases the journal's resources without flushing pending
// entries.
func (j *Journal) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	return j.bufs.disk.release()
}

// Finalize flushes pending entries and closes the journal.
func (j *Journal) Finalize() error {
	if j.closed {
		return ErrClosed
	}
	if _, err := j.Sync(); err != nil {
		return err
	}
	return j.Close()
}

func (j *Journal) primaryPath() string {
	return j.bufs.disk.path
}
