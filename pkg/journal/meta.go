package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// On-disk layout of a journal directory:
//   log  - fixed ASCII header, then concatenated entry frames. Bytes
//          beyond the committed length may be garbage from an
//          interrupted write and are never trusted.
//   meta - the commit record below; the single source of truth for
//          what is committed.
//   <index name>.ix - one file per configured index.
//
// Meta file: [tag:8][crc32:4][payload_len:uvarint][payload], payload =
// epoch(uvarint) | primary_len(uvarint) | index_count(uvarint) |
// per index: name_len(uvarint) | name | length(uvarint).

const (
	primaryFileName = "log"
	metaFileName    = "meta"
	indexFileSuffix = ".ix"
)

var (
	primaryHeader = []byte("revlog1\n")
	metaTag       = []byte("rvmeta1\n")
)

// headerLen is the fixed primary header size; it is also the logical
// offset of the first entry and the committed length of an empty log.
const headerLen = uint64(8)

// Metadata is the commit record for a journal directory.
type Metadata struct {
	Epoch      uint64
	PrimaryLen uint64
	IndexLens  map[string]uint64
}

func newMetadata() Metadata {
	return Metadata{PrimaryLen: headerLen, IndexLens: make(map[string]uint64)}
}

func (m Metadata) clone() Metadata {
	c := Metadata{Epoch: m.Epoch, PrimaryLen: m.PrimaryLen, IndexLens: make(map[string]uint64, len(m.IndexLens))}
	for k, v := range m.IndexLens {
		c.IndexLens[k] = v
	}
	return c
}

func (m Metadata) equal(o Metadata) bool {
	if m.Epoch != o.Epoch || m.PrimaryLen != o.PrimaryLen || len(m.IndexLens) != len(o.IndexLens) {
		return false
	}
	for k, v := range m.IndexLens {
		if o.IndexLens[k] != v {
			return false
		}
	}
	return true
}

func (m Metadata) marshal() []byte {
	payload := make([]byte, 0, 64)
	payload = binary.AppendUvarint(payload, m.Epoch)
	payload = binary.AppendUvarint(payload, m.PrimaryLen)
	payload = binary.AppendUvarint(payload, uint64(len(m.IndexLens)))

	names := make([]string, 0, len(m.IndexLens))
	for name := range m.IndexLens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		payload = binary.AppendUvarint(payload, uint64(len(name)))
		payload = append(payload, name...)
		payload = binary.AppendUvarint(payload, m.IndexLens[name])
	}

	buf := make([]byte, 0, len(metaTag)+4+binary.MaxVarintLen64+len(payload))
	buf = append(buf, metaTag...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func unmarshalMeta(buf []byte, path string) (Metadata, error) {
	m := newMetadata()
	if len(buf) < len(metaTag)+4 {
		return m, corruptionf(path, 0, "meta file too short: %d bytes", len(buf))
	}
	if string(buf[:len(metaTag)]) != string(metaTag) {
		return m, corruptionf(path, 0, "invalid meta tag %q", buf[:len(metaTag)])
	}
	pos := len(metaTag)
	want := binary.LittleEndian.Uint32(buf[pos:])
	pos += 4

	payloadLen, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return m, corruptionf(path, uint64(pos), "malformed payload length")
	}
	pos += n
	if payloadLen > uint64(len(buf)-pos) {
		return m, corruptionf(path, uint64(pos), "declared payload length %d overruns file", payloadLen)
	}
	payload := buf[pos : pos+int(payloadLen)]
	if got := crc32.ChecksumIEEE(payload); got != want {
		return m, corruptionf(path, uint64(pos), "meta checksum mismatch: expected %08x, got %08x", want, got)
	}

	p := 0
	next := func() (uint64, error) {
		v, n := binary.Uvarint(payload[p:])
		if n <= 0 {
			return 0, corruptionf(path, uint64(pos+p), "malformed meta field")
		}
		p += n
		return v, nil
	}

	var err error
	if m.Epoch, err = next(); err != nil {
		return m, err
	}
	if m.PrimaryLen, err = next(); err != nil {
		return m, err
	}
	count, err := next()
	if err != nil {
		return m, err
	}
	for i := uint64(0); i < count; i++ {
		nameLen, err := next()
		if err != nil {
			return m, err
		}
		if nameLen > uint64(len(payload)-p) {
			return m, corruptionf(path, uint64(pos+p), "index name overruns meta payload")
		}
		name := string(payload[p : p+int(nameLen)])
		p += int(nameLen)
		length, err := next()
		if err != nil {
			return m, err
		}
		m.IndexLens[name] = length
	}
	return m, nil
}

// loadMeta reads and validates the meta file of a directory.
func loadMeta(dir string) (Metadata, error) {
	path := filepath.Join(dir, metaFileName)
	buf, err := os.ReadFile(path)
	if err != nil {
		return newMetadata(), err
	}
	return unmarshalMeta(buf, path)
}

// loadOrCreateMeta reads the meta file, initializing an empty journal
// (header-only primary file plus empty meta record) when the directory
// holds none and createMissing is set.
func loadOrCreateMeta(dir string, createMissing, fsync bool) (Metadata, error) {
	m, err := loadMeta(dir)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !createMissing {
		return m, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return m, fmt.Errorf("failed to create journal directory: %w", err)
	}

	primary := filepath.Join(dir, primaryFileName)
	if _, err := os.Stat(primary); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(primary, primaryHeader, 0644); err != nil {
			return m, fmt.Errorf("failed to initialize primary file: %w", err)
		}
	}

	m = newMetadata()
	if err := writeMeta(dir, m, fsync); err != nil {
		return m, err
	}
	return m, nil
}

// writeMeta atomically replaces the meta file. Every mutation ends here:
// a crash before this call leaves the directory exactly as committed.
func writeMeta(dir string, m Metadata, fsync bool) error {
	path := filepath.Join(dir, metaFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create meta temp file: %w", err)
	}
	if _, err := f.Write(m.marshal()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write meta file: %w", err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to sync meta file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close meta file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace meta file: %w", err)
	}
	return nil
}
