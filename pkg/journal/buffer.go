package journal

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/revlog/revlog/pkg/pools"
)

// diskBuffer is the immutable committed byte range of the primary file.
// The mapping is reference-counted so clones can outlive the journal
// that created them; for in-memory journals it is a plain byte slice.
type diskBuffer struct {
	ra   *mmap.ReaderAt // nil for in-memory journals
	mem  []byte         // committed bytes (in-memory journals only)
	size uint64         // committed length, including the fixed header
	path string         // primary file path ("" for in-memory)
	refs *atomic.Int64
}

// openDiskBuffer maps the primary file of a directory. Only the first
// committedLen bytes are trusted; the file may be longer after a torn
// write.
func openDiskBuffer(dir string, committedLen uint64) (*diskBuffer, error) {
	path := filepath.Join(dir, primaryFileName)
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map primary file %s: %w", path, err)
	}
	if uint64(ra.Len()) < committedLen {
		_ = ra.Close()
		return nil, corruptionf(path, committedLen, "primary file holds %d bytes, metadata commits %d", ra.Len(), committedLen)
	}

	refs := &atomic.Int64{}
	refs.Store(1)
	return &diskBuffer{ra: ra, size: committedLen, path: path, refs: refs}, nil
}

// newMemoryBuffer creates the committed buffer of an in-memory journal.
func newMemoryBuffer() *diskBuffer {
	refs := &atomic.Int64{}
	refs.Store(1)
	mem := make([]byte, headerLen)
	copy(mem, primaryHeader)
	return &diskBuffer{mem: mem, size: headerLen, refs: refs}
}

// readAt fills p from the committed range starting at off.
func (b *diskBuffer) readAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > b.size {
		return corruptionf(b.path, off, "read of %d bytes overruns committed length %d", len(p), b.size)
	}
	if b.ra == nil {
		copy(p, b.mem[off:])
		return nil
	}
	if _, err := b.ra.ReadAt(p, int64(off)); err != nil {
		return fmt.Errorf("failed to read primary file %s at %d: %w", b.path, off, err)
	}
	return nil
}

func (b *diskBuffer) retain() {
	b.refs.Add(1)
}

func (b *diskBuffer) release() error {
	if b.refs.Add(-1) > 0 {
		return nil
	}
	if b.ra != nil {
		return b.ra.Close()
	}
	return nil
}

// buffers spans the committed disk range and the pending memory buffer
// and resolves logical offsets across the boundary. The memory buffer
// is only ever appended to or fully cleared; appenders must not run
// concurrently with reads on the same instance.
type buffers struct {
	disk *diskBuffer
	mem  []byte
}

// committedLen is the logical offset where the memory buffer begins.
func (b *buffers) committedLen() uint64 {
	return b.disk.size
}

// appendedLen is the logical end of the journal including pending bytes.
func (b *buffers) appendedLen() uint64 {
	return b.disk.size + uint64(len(b.mem))
}

// append encodes a payload into the memory buffer and returns the
// entry's logical offset.
func (b *buffers) append(payload []byte, pol ChecksumPolicy, compress bool) uint64 {
	off := b.appendedLen()
	b.mem = appendEntry(b.mem, payload, pol, compress)
	return off
}

// readEntry decodes the entry at a logical offset, dispatching to the
// disk or memory buffer. It returns the payload, the offset of the next
// entry, and whether the entry came from disk. Exactly at the logical
// end it returns errEndOfBuffer.
func (b *buffers) readEntry(off uint64) ([]byte, uint64, bool, error) {
	if off >= b.committedLen() {
		if off > b.appendedLen() {
			return nil, 0, false, corruptionf(b.disk.path, off, "offset beyond appended length %d", b.appendedLen())
		}
		memOff := int(off - b.committedLen())
		payload, next, err := decodeEntry(b.mem, memOff, b.committedLen(), "")
		if err != nil {
			return nil, 0, false, err
		}
		// Copy out: the caller must stay valid across future appends
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, b.committedLen() + uint64(next), false, nil
	}

	payload, next, err := b.readDiskEntry(off)
	if err != nil {
		return nil, 0, false, err
	}
	return payload, next, true, nil
}

// readDiskEntry reads one frame from the committed range. The frame
// header is read first to size the payload read; both reads go through
// the byte pool to keep per-entry allocation flat.
func (b *buffers) readDiskEntry(off uint64) ([]byte, uint64, error) {
	if off == b.committedLen() {
		return nil, 0, errEndOfBuffer
	}
	if off < headerLen || off > b.committedLen() {
		return nil, 0, corruptionf(b.disk.path, off, "offset outside committed range [%d, %d)", headerLen, b.committedLen())
	}

	hdrLen := uint64(maxFrameHeader)
	if rest := b.committedLen() - off; rest < hdrLen {
		hdrLen = rest
	}
	hdr := pools.Default.GetSized(int(hdrLen))
	defer pools.Default.Put(hdr)
	if err := b.disk.readAt(hdr, off); err != nil {
		return nil, 0, err
	}

	size, err := frameSize(hdr, b.committedLen()-off, off, b.disk.path)
	if err != nil {
		return nil, 0, err
	}

	frame := pools.Default.GetSized(size)
	if err := b.disk.readAt(frame, off); err != nil {
		pools.Default.Put(frame)
		return nil, 0, err
	}

	payload, _, err := decodeEntry(frame, 0, off, b.disk.path)
	if err != nil {
		pools.Default.Put(frame)
		return nil, 0, err
	}
	// Copy out before the frame buffer returns to the pool
	out := make([]byte, len(payload))
	copy(out, payload)
	pools.Default.Put(frame)

	return out, off + uint64(size), nil
}

// clear drops all pending bytes.
func (b *buffers) clear() {
	b.mem = b.mem[:0]
}
