package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/revlog/revlog/pkg/logging"
	"github.com/revlog/revlog/pkg/metrics"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = logging.NewNopLogger()
	opts.Metrics = metrics.NewRegistry()
	return opts
}

// kvExtract treats payloads of the form "set <key> <value>" and
// "del <key>" as index mutations on the key.
func kvExtract(payload []byte) []IndexOp {
	fields := strings.Fields(string(payload))
	if len(fields) < 2 {
		return nil
	}
	switch fields[0] {
	case "set":
		return []IndexOp{{Kind: IndexInsert, Key: []byte(fields[1])}}
	case "del":
		return []IndexOp{{Kind: IndexRemove, Key: []byte(fields[1])}}
	case "delprefix":
		return []IndexOp{{Kind: IndexRemovePrefix, Key: []byte(fields[1])}}
	}
	return nil
}

func countFold() FoldDef {
	return FoldDef{
		Name: "entries",
		Seed: func() any { return 0 },
		Fn: func(acc any, payload []byte, offset uint64) (any, error) {
			return acc.(int) + 1, nil
		},
	}
}

func mustAppend(t *testing.T, j *Journal, payload string) uint64 {
	t.Helper()
	off, err := j.Append([]byte(payload))
	if err != nil {
		t.Fatalf("Failed to append %q: %v", payload, err)
	}
	return off
}

func mustSync(t *testing.T, j *Journal) uint64 {
	t.Helper()
	n, err := j.Sync()
	if err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	return n
}

func collect(t *testing.T, it *EntryIter) []string {
	t.Helper()
	var out []string
	for it.Next() {
		out = append(out, string(it.Payload()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iteration failed: %v", err)
	}
	return out
}

func TestJournal_AppendAndReadAt(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	off1 := mustAppend(t, j, "first entry")
	off2 := mustAppend(t, j, "second entry")

	if off1 != headerLen {
		t.Errorf("First entry should start right after the header, got %d", off1)
	}
	if off2 <= off1 {
		t.Errorf("Offsets must increase: %d then %d", off1, off2)
	}

	got, err := j.ReadAt(off1)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(got) != "first entry" {
		t.Errorf("Expected 'first entry', got %q", got)
	}

	got, err = j.ReadAt(off2)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(got) != "second entry" {
		t.Errorf("Expected 'second entry', got %q", got)
	}
}

func TestJournal_EmptyLog(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	if j.CommittedLen() != headerLen {
		t.Errorf("Empty log commits only the header, got %d", j.CommittedLen())
	}
	if j.PendingBytes() != 0 {
		t.Errorf("Empty log has no pending bytes, got %d", j.PendingBytes())
	}
	if got := collect(t, j.Iter()); len(got) != 0 {
		t.Errorf("Empty log yields no entries, got %v", got)
	}
	if n := mustSync(t, j); n != headerLen {
		t.Errorf("Sync of empty log returns header length, got %d", n)
	}
}

func TestJournal_OffsetsStableAcrossSync(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	payloads := []string{"alpha", "beta", "gamma", "delta"}
	offsets := make([]uint64, len(payloads))
	for i, p := range payloads {
		offsets[i] = mustAppend(t, j, p)
	}

	// Pending reads resolve at the same offsets as committed reads
	for i, p := range payloads {
		got, err := j.ReadAt(offsets[i])
		if err != nil {
			t.Fatalf("Pending read failed: %v", err)
		}
		if string(got) != p {
			t.Errorf("Pending read at %d: expected %q, got %q", offsets[i], p, got)
		}
	}

	mustSync(t, j)
	if err := j.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	j, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer j.Close()

	for i, p := range payloads {
		got, err := j.ReadAt(offsets[i])
		if err != nil {
			t.Fatalf("Committed read failed: %v", err)
		}
		if string(got) != p {
			t.Errorf("Committed read at %d: expected %q, got %q", offsets[i], p, got)
		}
	}
}

func TestJournal_IterSpansCommittedAndPending(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	mustAppend(t, j, "committed 1")
	mustAppend(t, j, "committed 2")
	mustSync(t, j)
	mustAppend(t, j, "pending 1")

	all := collect(t, j.Iter())
	want := []string{"committed 1", "committed 2", "pending 1"}
	if len(all) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(all))
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], all[i])
		}
	}

	dirty := collect(t, j.IterDirty())
	if len(dirty) != 1 || dirty[0] != "pending 1" {
		t.Errorf("Expected only the pending entry, got %v", dirty)
	}
}

func TestJournal_ReadAtInvalidOffsets(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	mustAppend(t, j, "only entry")
	mustSync(t, j)

	if _, err := j.ReadAt(j.CommittedLen()); !IsCorruption(err) {
		t.Errorf("Read at log end: expected corruption, got %v", err)
	}
	if _, err := j.ReadAt(j.CommittedLen() + 100); !IsCorruption(err) {
		t.Errorf("Read beyond log end: expected corruption, got %v", err)
	}
	if _, err := j.ReadAt(3); !IsCorruption(err) {
		t.Errorf("Read inside the header: expected corruption, got %v", err)
	}

	// Offsets near 2^64 must not wrap into the pending buffer
	mustAppend(t, j, "pending entry")
	if _, err := j.ReadAt(math.MaxUint64 - 4); !IsCorruption(err) {
		t.Errorf("Read at huge offset: expected corruption, got %v", err)
	}
	if _, err := j.ReadAt(math.MaxUint64); !IsCorruption(err) {
		t.Errorf("Read at max offset: expected corruption, got %v", err)
	}
}

func TestJournal_HugeDeclaredLengthIsCorruption(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	off := mustAppend(t, j, "victim entry")
	mustSync(t, j)
	if err := j.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// Rewrite the committed frame's header to declare a length near
	// 2^64; the length field must be rejected, never sliced with.
	hdr := append([]byte{0x01}, binary.AppendUvarint(nil, math.MaxUint64-50)...)
	f, err := os.OpenFile(filepath.Join(dir, primaryFileName), os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open primary file: %v", err)
	}
	if _, err := f.WriteAt(hdr, int64(off)); err != nil {
		t.Fatalf("Failed to rewrite frame header: %v", err)
	}
	f.Close()

	j, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer j.Close()

	if _, err := j.ReadAt(off); !IsCorruption(err) {
		t.Errorf("Read of huge-length frame: expected corruption, got %v", err)
	}
	it := j.Iter()
	for it.Next() {
	}
	if !IsCorruption(it.Err()) {
		t.Errorf("Iterator over huge-length frame: expected corruption, got %v", it.Err())
	}
}

func TestJournal_CorruptionContainment(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	off1 := mustAppend(t, j, "entry one")
	off2 := mustAppend(t, j, "entry two")
	off3 := mustAppend(t, j, "entry three")
	if err := j.Finalize(); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	// Flip one byte inside entry two's payload. Frame header for a
	// short payload is flags(1) + len(1) + crc32(4).
	path := filepath.Join(dir, primaryFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read primary file: %v", err)
	}
	raw[off2+6] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("Failed to write primary file: %v", err)
	}

	j, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer j.Close()

	if got, err := j.ReadAt(off1); err != nil || string(got) != "entry one" {
		t.Errorf("Entry before the corruption must stay readable: %q, %v", got, err)
	}
	if _, err := j.ReadAt(off2); !IsCorruption(err) {
		t.Errorf("Corrupt entry: expected corruption error, got %v", err)
	}
	if got, err := j.ReadAt(off3); err != nil || string(got) != "entry three" {
		t.Errorf("Entry after the corruption must stay readable: %q, %v", got, err)
	}

	// Iteration halts at the corrupt entry instead of fabricating data
	it := j.Iter()
	var seen []string
	for it.Next() {
		seen = append(seen, string(it.Payload()))
	}
	if !IsCorruption(it.Err()) {
		t.Errorf("Iterator should halt with corruption, got %v", it.Err())
	}
	if len(seen) != 1 || seen[0] != "entry one" {
		t.Errorf("Iterator should yield entries before the corruption, got %v", seen)
	}
}

func TestJournal_CorruptionErrorCarriesContext(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	off := mustAppend(t, j, "to be damaged")
	if err := j.Finalize(); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	path := filepath.Join(dir, primaryFileName)
	raw, _ := os.ReadFile(path)
	raw[off+6] ^= 0x01
	os.WriteFile(path, raw, 0644)

	j, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer j.Close()

	_, err = j.ReadAt(off)
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected a CorruptionError, got %v", err)
	}
	if ce.Path != path {
		t.Errorf("Expected path %q, got %q", path, ce.Path)
	}
	if ce.Offset != off {
		t.Errorf("Expected offset %d, got %d", off, ce.Offset)
	}
}

func TestJournal_CloneIsolation(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	mustAppend(t, j, "shared committed")
	mustSync(t, j)
	mustAppend(t, j, "source pending")

	c, err := j.TryClone()
	if err != nil {
		t.Fatalf("Failed to clone: %v", err)
	}
	defer c.Close()

	mustAppend(t, j, "source only")
	mustAppend(t, c, "clone only")

	src := collect(t, j.Iter())
	cl := collect(t, c.Iter())

	wantSrc := []string{"shared committed", "source pending", "source only"}
	wantCl := []string{"shared committed", "source pending", "clone only"}
	if len(src) != len(wantSrc) {
		t.Fatalf("Source: expected %v, got %v", wantSrc, src)
	}
	for i := range wantSrc {
		if src[i] != wantSrc[i] {
			t.Errorf("Source entry %d: expected %q, got %q", i, wantSrc[i], src[i])
		}
	}
	if len(cl) != len(wantCl) {
		t.Fatalf("Clone: expected %v, got %v", wantCl, cl)
	}
	for i := range wantCl {
		if cl[i] != wantCl[i] {
			t.Errorf("Clone entry %d: expected %q, got %q", i, wantCl[i], cl[i])
		}
	}
}

func TestJournal_CloneOutlivesSource(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	off := mustAppend(t, j, "survivor")
	mustSync(t, j)

	c, err := j.TryClone()
	if err != nil {
		t.Fatalf("Failed to clone: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Failed to close source: %v", err)
	}
	defer c.Close()

	got, err := c.ReadAt(off)
	if err != nil {
		t.Fatalf("Clone read after source close failed: %v", err)
	}
	if string(got) != "survivor" {
		t.Errorf("Expected 'survivor', got %q", got)
	}
}

func TestJournal_CloneWithoutDirtyDropsPending(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	mustAppend(t, j, "committed")
	mustSync(t, j)
	mustAppend(t, j, "pending")

	c, err := j.TryCloneWithoutDirty()
	if err != nil {
		t.Fatalf("Failed to clone: %v", err)
	}
	defer c.Close()

	got := collect(t, c.Iter())
	if len(got) != 1 || got[0] != "committed" {
		t.Errorf("Clean clone should see only committed entries, got %v", got)
	}
	if c.PendingBytes() != 0 {
		t.Errorf("Clean clone has pending bytes: %d", c.PendingBytes())
	}
}

func TestJournal_InMemory(t *testing.T) {
	j, err := OpenInMemory(testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	off1 := mustAppend(t, j, "volatile one")
	mustAppend(t, j, "volatile two")

	n := mustSync(t, j)
	if n != j.CommittedLen() {
		t.Errorf("Sync returned %d, committed length is %d", n, j.CommittedLen())
	}
	if j.PendingBytes() != 0 {
		t.Errorf("Pending bytes after sync: %d", j.PendingBytes())
	}

	got, err := j.ReadAt(off1)
	if err != nil {
		t.Fatalf("Read after promote failed: %v", err)
	}
	if string(got) != "volatile one" {
		t.Errorf("Expected 'volatile one', got %q", got)
	}

	mustAppend(t, j, "volatile three")
	all := collect(t, j.Iter())
	if len(all) != 3 {
		t.Errorf("Expected 3 entries, got %v", all)
	}
}

func TestJournal_Folds(t *testing.T) {
	opts := testOptions()
	opts.Folds = []FoldDef{countFold(), {
		Name: "bytes",
		Seed: func() any { return uint64(0) },
		Fn: func(acc any, payload []byte, offset uint64) (any, error) {
			return acc.(uint64) + uint64(len(payload)), nil
		},
	}}

	dir := t.TempDir()
	j, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	mustAppend(t, j, "aa")
	mustAppend(t, j, "bbbb")

	v, err := j.Fold("entries")
	if err != nil {
		t.Fatalf("Failed to fold: %v", err)
	}
	if v.(int) != 2 {
		t.Errorf("Expected fold over pending entries too, got %v", v)
	}

	v, _ = j.Fold("bytes")
	if v.(uint64) != 6 {
		t.Errorf("Expected 6 payload bytes folded, got %v", v)
	}

	mustSync(t, j)
	if err := j.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// Reopen replays the committed stream into the fold
	j, err = Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer j.Close()

	v, err = j.Fold("entries")
	if err != nil {
		t.Fatalf("Failed to fold: %v", err)
	}
	if v.(int) != 2 {
		t.Errorf("Expected 2 after reopen, got %v", v)
	}

	if _, err := j.Fold("nonexistent"); !errors.Is(err, ErrUnknownFold) {
		t.Errorf("Expected ErrUnknownFold, got %v", err)
	}
}

func TestJournal_ClosedOperationsFail(t *testing.T) {
	j, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	if _, err := j.Append([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Append on closed journal: expected ErrClosed, got %v", err)
	}
	if _, err := j.ReadAt(headerLen); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadAt on closed journal: expected ErrClosed, got %v", err)
	}
	if _, err := j.Sync(); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync on closed journal: expected ErrClosed, got %v", err)
	}
	if _, err := j.TryClone(); !errors.Is(err, ErrClosed) {
		t.Errorf("TryClone on closed journal: expected ErrClosed, got %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestJournal_AutoSync(t *testing.T) {
	opts := testOptions()
	opts.AutoSyncBytes = 1

	j, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer j.Close()

	off := mustAppend(t, j, "auto committed")
	if j.PendingBytes() != 0 {
		t.Errorf("Auto-sync should leave nothing pending, got %d bytes", j.PendingBytes())
	}
	if j.CommittedLen() <= headerLen {
		t.Error("Auto-sync did not advance the committed length")
	}

	got, err := j.ReadAt(off)
	if err != nil || string(got) != "auto committed" {
		t.Errorf("Read after auto-sync: %q, %v", got, err)
	}
}

func TestJournal_CompressionRoundTrip(t *testing.T) {
	opts := testOptions()
	opts.Compression = true

	dir := t.TempDir()
	j, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	big := strings.Repeat("compress me ", 1000)
	off := mustAppend(t, j, big)
	if err := j.Finalize(); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, primaryFileName))
	if err != nil {
		t.Fatalf("Failed to stat primary file: %v", err)
	}
	if info.Size() >= int64(len(big)) {
		t.Errorf("Primary file (%d bytes) not smaller than payload (%d bytes)", info.Size(), len(big))
	}

	j, err = Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer j.Close()

	got, err := j.ReadAt(off)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if !bytes.Equal(got, []byte(big)) {
		t.Error("Compressed payload did not round trip")
	}
}
