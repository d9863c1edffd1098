package journal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// Entry frame:
//   [flags:1][payload_len:uvarint][checksum:4|8][payload]
//
// The flags byte records which checksum the writer chose (low two bits)
// and whether the payload is snappy-compressed (bit 2), so readers never
// guess. The checksum covers the stored payload bytes, compressed or not.

const (
	flagChecksum32 = 0x01
	flagChecksum64 = 0x02
	flagSnappy     = 0x04

	checksumMask = 0x03

	// maxFrameHeader bounds flags + uvarint length + widest checksum.
	maxFrameHeader = 1 + binary.MaxVarintLen64 + 8
)

// errEndOfBuffer is the internal signal for "offset is exactly the
// logical end"; it never escapes the package.
var errEndOfBuffer = errors.New("end of buffer")

// appendEntry encodes payload into dst and returns the extended slice.
func appendEntry(dst []byte, payload []byte, pol ChecksumPolicy, compress bool) []byte {
	stored := payload
	flags := byte(0)

	if compress {
		encoded := snappy.Encode(nil, payload)
		// Only keep compression when it actually wins
		if len(encoded) < len(payload) {
			stored = encoded
			flags |= flagSnappy
		}
	}

	use64 := pol == Checksum64 || (pol == ChecksumAuto && len(stored) >= ChecksumSizeThreshold)

	if use64 {
		flags |= flagChecksum64
	} else {
		flags |= flagChecksum32
	}

	dst = append(dst, flags)
	dst = binary.AppendUvarint(dst, uint64(len(stored)))
	if use64 {
		dst = binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(stored))
	} else {
		dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(stored))
	}
	return append(dst, stored...)
}

// frameSize parses the fixed fields of a frame header and returns the
// total frame length. hdr must hold the frame's first bytes, truncated
// only by the buffer end; limit is how many bytes remain from the frame
// start to the buffer end. A header that cannot be parsed, or one whose
// declared length cannot fit inside limit, is corruption. The limit
// check runs on the raw uvarint so a hostile length near 2^64 never
// reaches an int conversion.
func frameSize(hdr []byte, limit uint64, base uint64, path string) (int, error) {
	if len(hdr) == 0 {
		return 0, corruptionf(path, base, "empty frame header")
	}
	kind := hdr[0] & checksumMask
	if kind != flagChecksum32 && kind != flagChecksum64 {
		return 0, corruptionf(path, base, "invalid flags byte %#02x", hdr[0])
	}
	storedLen, n := binary.Uvarint(hdr[1:])
	if n <= 0 {
		return 0, corruptionf(path, base, "malformed length varint")
	}
	sumLen := 4
	if kind == flagChecksum64 {
		sumLen = 8
	}
	fixed := uint64(1 + n + sumLen)
	if fixed > limit || storedLen > limit-fixed {
		return 0, corruptionf(path, base, "declared length %d overruns buffer end", storedLen)
	}
	return int(fixed) + int(storedLen), nil
}

// decodeEntry decodes the entry starting at off within buf. base is the
// logical offset of buf[0] and path names the backing file for error
// reports. It returns the payload (decompressed when needed), the offset
// just past the frame, or errEndOfBuffer exactly at len(buf).
func decodeEntry(buf []byte, off int, base uint64, path string) ([]byte, int, error) {
	if off == len(buf) {
		return nil, 0, errEndOfBuffer
	}
	if off > len(buf) {
		return nil, 0, corruptionf(path, base+uint64(off), "offset beyond buffer end %d", len(buf))
	}
	at := base + uint64(off)

	flags := buf[off]
	kind := flags & checksumMask
	if kind != flagChecksum32 && kind != flagChecksum64 {
		return nil, 0, corruptionf(path, at, "invalid flags byte %#02x", flags)
	}
	pos := off + 1

	storedLen, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return nil, 0, corruptionf(path, at, "malformed length varint")
	}
	pos += n

	sumLen := 4
	if kind == flagChecksum64 {
		sumLen = 8
	}
	if pos+sumLen > len(buf) {
		return nil, 0, corruptionf(path, at, "frame header overruns buffer")
	}

	var want64 uint64
	var want32 uint32
	if kind == flagChecksum64 {
		want64 = binary.LittleEndian.Uint64(buf[pos:])
	} else {
		want32 = binary.LittleEndian.Uint32(buf[pos:])
	}
	pos += sumLen

	if storedLen > uint64(len(buf)-pos) {
		return nil, 0, corruptionf(path, at, "declared length %d overruns buffer", storedLen)
	}
	stored := buf[pos : pos+int(storedLen)]
	next := pos + int(storedLen)

	if kind == flagChecksum64 {
		if got := xxhash.Sum64(stored); got != want64 {
			return nil, 0, corruptionf(path, at, "checksum mismatch: expected %016x, got %016x", want64, got)
		}
	} else {
		if got := crc32.ChecksumIEEE(stored); got != want32 {
			return nil, 0, corruptionf(path, at, "checksum mismatch: expected %08x, got %08x", want32, got)
		}
	}

	payload := stored
	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, 0, &CorruptionError{Path: path, Offset: at, Detail: "snappy decode failed", Cause: err}
		}
		payload = decoded
	}

	return payload, next, nil
}
