package journal

import (
	"fmt"
	"os"
	"time"

	"github.com/revlog/revlog/pkg/dirlock"
	"github.com/revlog/revlog/pkg/logging"
)

// Sync makes every pending entry durable and returns the resulting
// committed length. The protocol: acquire the directory lock, reconcile
// against the on-disk metadata (re-appending dirty entries through the
// flush filter when the world moved underneath us), physically append
// at the previously committed length, reload buffers and indexes, flush
// lagging indexes, confirm folds, and finally commit by rewriting the
// metadata file. A crash at any point before the metadata write leaves
// the directory exactly as previously committed, and a failed sync
// leaves this instance at its last good committed state with the
// pending buffer intact, so it can simply be retried.
//
// Sync may block on the directory lock; it has no timeout at this
// layer.
func (j *Journal) Sync() (uint64, error) {
	if j.closed {
		return 0, ErrClosed
	}

	start := time.Now()
	n, err := j.sync()
	if err != nil {
		j.met.RecordSync("error", j.bufs.committedLen(), time.Since(start))
		return 0, err
	}
	j.met.RecordSync("ok", n, time.Since(start))
	return n, nil
}

func (j *Journal) sync() (uint64, error) {
	if j.dir == "" {
		return j.syncMemory()
	}

	// Fast path: nothing pending locally, so nothing needs the lock.
	// Passively refresh from the on-disk metadata and return.
	if len(j.bufs.mem) == 0 {
		onDisk, err := loadMeta(j.dir)
		if err != nil {
			return 0, err
		}
		if onDisk.equal(j.meta) {
			return j.meta.PrimaryLen, nil
		}
		if err := j.refresh(onDisk); err != nil {
			return 0, err
		}
		return j.meta.PrimaryLen, nil
	}

	guard, err := dirlock.Acquire(j.dir)
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	onDisk, err := loadMeta(j.dir)
	if err != nil {
		return 0, err
	}

	// Append-only guard: the committed length never shrinks unless the
	// epoch moved with it.
	if onDisk.PrimaryLen < j.meta.PrimaryLen && onDisk.Epoch == j.meta.Epoch {
		return 0, fmt.Errorf("%w: committed length went from %d to %d without an epoch change",
			ErrRaceDetected, j.meta.PrimaryLen, onDisk.PrimaryLen)
	}

	if onDisk.Epoch != j.meta.Epoch {
		j.met.EpochChanges.Inc()
	}

	// When the on-disk state moved relative to this instance's view,
	// the pending entries' offsets (and everything derived from them)
	// are stale. Rebuild a clean journal over the current committed
	// state and re-append the dirty entries, routing each through the
	// flush filter when one is configured. A configured filter also
	// gets its say whenever the metadata moved at all since this
	// instance last observed a commit.
	moved := !onDisk.equal(j.meta)
	filterDue := j.opts.FlushFilter != nil && !onDisk.equal(j.opened)
	if moved || filterDue {
		if err := j.reconcile(); err != nil {
			return 0, err
		}
	}

	committed := j.meta.PrimaryLen
	newLen, err := j.writePrimary(committed)
	if err != nil {
		return 0, err
	}

	// Stage the post-commit view in locals. The live metadata and
	// buffers are untouched until the metadata write succeeds, so a
	// failed sync leaves this instance at its last good committed
	// state and a retry re-runs the flush and commit from there. The
	// physical tail written above stays invisible until committed.
	disk, err := openDiskBuffer(j.dir, newLen)
	if err != nil {
		return 0, err
	}
	staged := buffers{disk: disk}
	next := j.meta.clone()
	next.PrimaryLen = newLen

	for _, li := range j.indexes.indexes {
		if err := j.indexes.catchUpOnDisk(li, &staged); err != nil {
			_ = disk.release()
			return 0, err
		}
	}
	if err := j.indexes.flushLagging(&next, newLen, j.opts.Fsync); err != nil {
		_ = disk.release()
		return 0, err
	}
	if err := j.folds.confirmToDisk(&staged); err != nil {
		_ = disk.release()
		return 0, err
	}

	// Commit point. Nothing before this is visible to other readers.
	if err := writeMeta(j.dir, next, j.opts.Fsync); err != nil {
		_ = disk.release()
		return 0, err
	}

	old := j.bufs.disk
	j.bufs.disk = disk
	j.bufs.clear()
	_ = old.release()
	j.meta = next
	publishChange(j.dir, j.meta)
	j.opened = j.meta.clone()

	j.log.Debug("sync committed",
		logging.Offset(newLen), logging.Epoch(j.meta.Epoch))
	return newLen, nil
}

// writePrimary appends the pending buffer to the primary file at the
// previously committed length. A file shorter than the committed
// length means committed bytes are missing; a longer file is garbage
// from an interrupted write and is overwritten, then truncated away.
func (j *Journal) writePrimary(committed uint64) (uint64, error) {
	path := j.primaryPath()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open primary file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat primary file: %w", err)
	}
	if uint64(st.Size()) < committed {
		return 0, corruptionf(path, committed, "primary file holds %d bytes, metadata commits %d", st.Size(), committed)
	}

	if _, err := f.WriteAt(j.bufs.mem, int64(committed)); err != nil {
		return 0, fmt.Errorf("failed to append to primary file: %w", err)
	}
	newLen := committed + uint64(len(j.bufs.mem))
	if uint64(st.Size()) > newLen {
		if err := f.Truncate(int64(newLen)); err != nil {
			return 0, fmt.Errorf("failed to trim primary file tail: %w", err)
		}
	}
	if j.opts.Fsync {
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync primary file: %w", err)
		}
	}
	return newLen, nil
}

// reconcile replaces the live state with a clean journal opened over
// the current committed state, then re-appends every locally pending
// entry through the flush filter. Callers hold the directory lock.
func (j *Journal) reconcile() error {
	var dirty [][]byte
	it := j.IterDirty()
	for it.Next() {
		dirty = append(dirty, it.Payload())
	}
	if err := it.Err(); err != nil {
		return err
	}

	opts := j.opts
	opts.AutoSyncBytes = 0 // the clean journal must not re-enter sync
	opts.FlushFilter = nil
	opts.CreateMissing = false
	clean, err := Open(j.dir, opts)
	if err != nil {
		return fmt.Errorf("failed to reopen journal during reconcile: %w", err)
	}

	kept := 0
	for _, payload := range dirty {
		replacement := payload
		if j.opts.FlushFilter != nil {
			verdict, repl, err := j.opts.FlushFilter(clean, payload)
			if err != nil {
				_ = clean.Close()
				return fmt.Errorf("flush filter failed: %w", err)
			}
			switch verdict {
			case FilterDrop:
				continue
			case FilterReplace:
				replacement = repl
			}
		}
		if _, err := clean.Append(replacement); err != nil {
			_ = clean.Close()
			return err
		}
		kept++
	}

	j.log.Info("reconciled pending entries against moved metadata",
		logging.Count(kept), logging.Epoch(clean.meta.Epoch))

	// Swap the clean state in; the old committed buffer is released.
	old := j.bufs.disk
	j.bufs = clean.bufs
	j.meta = clean.meta
	j.opened = clean.opened
	j.indexes = clean.indexes
	j.folds = clean.folds
	_ = old.release()
	return nil
}

// refresh adopts externally committed state when this instance has
// nothing pending. No lock is required: nothing local is mutated, only
// passively reloaded.
func (j *Journal) refresh(onDisk Metadata) error {
	if onDisk.PrimaryLen < j.meta.PrimaryLen && onDisk.Epoch == j.meta.Epoch {
		return fmt.Errorf("%w: committed length went from %d to %d without an epoch change",
			ErrRaceDetected, j.meta.PrimaryLen, onDisk.PrimaryLen)
	}
	epochChanged := onDisk.Epoch != j.meta.Epoch
	if epochChanged {
		j.met.EpochChanges.Inc()
	}

	old := j.bufs.disk
	disk, err := openDiskBuffer(j.dir, onDisk.PrimaryLen)
	if err != nil {
		return err
	}
	j.bufs.disk = disk
	_ = old.release()

	if epochChanged {
		// Prior content was invalidated; reload indexes and folds
		// wholesale from the new stream.
		set, err := openIndexes(j.dir, j.opts.Indexes, onDisk, &j.bufs, j.log, j.met)
		if err != nil {
			return err
		}
		j.indexes = set
		j.folds = newFoldSet(j.opts.Folds)
	} else {
		// Plain external append: index only the new bytes.
		for _, li := range j.indexes.indexes {
			if err := j.indexes.catchUpOnDisk(li, &j.bufs); err != nil {
				return err
			}
		}
	}
	if err := j.folds.confirmToDisk(&j.bufs); err != nil {
		return err
	}

	j.meta = onDisk.clone()
	publishChange(j.dir, j.meta)
	return nil
}

// syncMemory commits pending entries of an in-memory journal by
// promoting them into a fresh committed buffer.
func (j *Journal) syncMemory() (uint64, error) {
	if len(j.bufs.mem) == 0 {
		return j.meta.PrimaryLen, nil
	}

	old := j.bufs.disk
	mem := make([]byte, old.size+uint64(len(j.bufs.mem)))
	if err := old.readAt(mem[:old.size], 0); err != nil {
		return 0, err
	}
	copy(mem[old.size:], j.bufs.mem)

	promoted := newMemoryBuffer()
	promoted.mem = mem
	promoted.size = uint64(len(mem))

	j.bufs.disk = promoted
	j.bufs.clear()
	_ = old.release()
	j.meta.PrimaryLen = promoted.size

	if err := j.indexes.flushLagging(&j.meta, promoted.size, false); err != nil {
		return 0, err
	}
	if err := j.folds.confirmToDisk(&j.bufs); err != nil {
		return 0, err
	}
	return j.meta.PrimaryLen, nil
}
