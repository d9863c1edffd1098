package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
)

// Index file format:
//   [Header: magic(4) | version(4)]
//   [Body: meta_len(uvarint) | meta | entry_count(uvarint) |
//          entries in sorted key order]
//   [Footer: crc32(4) over the body]
//
// Each entry is key_len(uvarint) | key | offset_count(uvarint) | offsets
// as uvarints, most recent first.

const (
	IndexMagic   = 0x52564958 // "RVIX"
	IndexVersion = 1

	headerSize = 8
	footerSize = 4
)

// ErrChecksum reports a corrupt or tampered index file.
var ErrChecksum = errors.New("index checksum mismatch")

// Flush writes the index to its backing file atomically and returns the
// file length. Memory-only indexes return 0 without touching disk.
func (ix *Index) Flush(fsync bool) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.path == "" {
		return 0, nil
	}
	ix.ensureSorted()

	body := make([]byte, 0, ix.size+len(ix.meta)+64)
	body = binary.AppendUvarint(body, uint64(len(ix.meta)))
	body = append(body, ix.meta...)
	body = binary.AppendUvarint(body, uint64(len(ix.keys)))
	for _, k := range ix.keys {
		body = binary.AppendUvarint(body, uint64(len(k)))
		body = append(body, k...)
		offsets := ix.entries[k]
		body = binary.AppendUvarint(body, uint64(len(offsets)))
		for _, off := range offsets {
			body = binary.AppendUvarint(body, off)
		}
	}

	buf := make([]byte, 0, headerSize+len(body)+footerSize)
	buf = binary.LittleEndian.AppendUint32(buf, IndexMagic)
	buf = binary.LittleEndian.AppendUint32(buf, IndexVersion)
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))

	tmp := ix.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create index temp file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to write index file %s: %w", tmp, err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("failed to sync index file %s: %w", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close index file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		return 0, fmt.Errorf("failed to rename index file: %w", err)
	}

	return int64(len(buf)), nil
}

// Open loads an index from disk, verifying its checksum.
func Open(path string) (*Index, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(buf) < headerSize+footerSize {
		return nil, fmt.Errorf("index file %s too short: %d bytes", path, len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != IndexMagic {
		return nil, fmt.Errorf("invalid index magic in %s: %x", path, magic)
	}
	if version := binary.LittleEndian.Uint32(buf[4:8]); version != IndexVersion {
		return nil, fmt.Errorf("unsupported index version in %s: %d", path, version)
	}

	body := buf[headerSize : len(buf)-footerSize]
	want := binary.LittleEndian.Uint32(buf[len(buf)-footerSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("%w: %s: expected %08x, got %08x", ErrChecksum, path, want, got)
	}

	ix := New(path)
	if err := ix.unmarshalBody(body); err != nil {
		return nil, fmt.Errorf("malformed index file %s: %w", path, err)
	}
	return ix, nil
}

func (ix *Index) unmarshalBody(body []byte) error {
	pos := 0
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(body[pos:])
		if n <= 0 {
			return 0, errors.New("truncated uvarint")
		}
		pos += n
		return v, nil
	}

	metaLen, err := readUvarint()
	if err != nil {
		return err
	}
	if metaLen > uint64(len(body)-pos) {
		return errors.New("meta blob overruns file")
	}
	ix.meta = append([]byte(nil), body[pos:pos+int(metaLen)]...)
	pos += int(metaLen)

	count, err := readUvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		keyLen, err := readUvarint()
		if err != nil {
			return err
		}
		if keyLen > uint64(len(body)-pos) {
			return errors.New("key overruns file")
		}
		k := string(body[pos : pos+int(keyLen)])
		pos += int(keyLen)

		offCount, err := readUvarint()
		if err != nil {
			return err
		}
		// Each offset occupies at least one body byte
		if offCount > uint64(len(body)-pos) {
			return errors.New("offset list overruns file")
		}
		offsets := make([]uint64, 0, offCount)
		for j := uint64(0); j < offCount; j++ {
			off, err := readUvarint()
			if err != nil {
				return err
			}
			offsets = append(offsets, off)
		}

		ix.entries[k] = offsets
		ix.keys = append(ix.keys, k)
		ix.size += int(keyLen) + 8*len(offsets)
	}
	// Keys were written sorted
	ix.sorted = true
	return nil
}

// Verify re-reads the backing file and checks its checksum without
// replacing the in-memory state. Memory-only indexes always verify.
func (ix *Index) Verify() error {
	ix.mu.RLock()
	path := ix.path
	ix.mu.RUnlock()

	if path == "" {
		return nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(buf) < headerSize+footerSize {
		return fmt.Errorf("%w: %s: file too short", ErrChecksum, path)
	}
	body := buf[headerSize : len(buf)-footerSize]
	want := binary.LittleEndian.Uint32(buf[len(buf)-footerSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return fmt.Errorf("%w: %s: expected %08x, got %08x", ErrChecksum, path, want, got)
	}
	return nil
}
