// Package index provides the ordered key -> offsets structure consumed by
// the log engine for point, prefix, and range lookups.
//
// Keys map to a list of originating entry offsets, most recent first. The
// in-memory representation is a map with a lazily sorted key slice; the
// on-disk representation is a single checksummed file written atomically
// on Flush. An opaque meta blob travels with the index so callers can
// persist their own bookkeeping (the engine stores its indexed-length
// watermark there).
package index

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// Index is an ordered key -> offset-list map with file persistence.
type Index struct {
	mu      sync.RWMutex
	entries map[string][]uint64 // key -> offsets, most recent first
	keys    []string            // sorted keys for iteration
	sorted  bool
	meta    []byte // opaque caller blob, persisted with the index
	path    string // "" = memory only
	size    int    // approximate content size in bytes
}

// Posting is one key with its offsets as returned by scans.
type Posting struct {
	Key     []byte
	Offsets []uint64
}

// New creates an empty index backed by the given path ("" = memory only).
func New(path string) *Index {
	return &Index{
		entries: make(map[string][]uint64),
		keys:    make([]string, 0),
		sorted:  true,
		path:    path,
	}
}

// Insert prepends an offset to the key's list so lookups return
// most-recent-first.
func (ix *Index) Insert(key []byte, offset uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k := string(key) // copies the key bytes
	if existing, ok := ix.entries[k]; ok {
		ix.entries[k] = append([]uint64{offset}, existing...)
	} else {
		ix.entries[k] = []uint64{offset}
		ix.keys = append(ix.keys, k)
		ix.sorted = false
		ix.size += len(k)
	}
	ix.size += 8
}

// Remove deletes a key and all its offsets.
func (ix *Index) Remove(key []byte) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(string(key))
}

// RemovePrefix deletes every key with the given prefix.
func (ix *Index) RemovePrefix(prefix []byte) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	p := string(prefix)
	for k := range ix.entries {
		if strings.HasPrefix(k, p) {
			ix.removeLocked(k)
		}
	}
}

func (ix *Index) removeLocked(k string) {
	offsets, ok := ix.entries[k]
	if !ok {
		return
	}
	delete(ix.entries, k)
	ix.size -= len(k) + 8*len(offsets)

	for i, key := range ix.keys {
		if key == k {
			ix.keys = append(ix.keys[:i], ix.keys[i+1:]...)
			break
		}
	}
}

// Get returns the offsets for a key, most recent first.
func (ix *Index) Get(key []byte) []uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	offsets, ok := ix.entries[string(key)]
	if !ok {
		return nil
	}
	out := make([]uint64, len(offsets))
	copy(out, offsets)
	return out
}

// ScanPrefix returns all postings whose key has the given prefix,
// in ascending key order.
func (ix *Index) ScanPrefix(prefix []byte) []Posting {
	ix.mu.Lock()
	ix.ensureSorted()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	p := string(prefix)
	start := sort.SearchStrings(ix.keys, p)
	out := make([]Posting, 0)
	for _, k := range ix.keys[start:] {
		if !strings.HasPrefix(k, p) {
			break
		}
		out = append(out, ix.postingLocked(k))
	}
	return out
}

// ScanRange returns all postings with lo <= key < hi, in ascending key
// order. A nil hi means no upper bound.
func (ix *Index) ScanRange(lo, hi []byte) []Posting {
	ix.mu.Lock()
	ix.ensureSorted()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	start := sort.SearchStrings(ix.keys, string(lo))
	out := make([]Posting, 0)
	for _, k := range ix.keys[start:] {
		if hi != nil && bytes.Compare([]byte(k), hi) >= 0 {
			break
		}
		out = append(out, ix.postingLocked(k))
	}
	return out
}

func (ix *Index) postingLocked(k string) Posting {
	offsets := make([]uint64, len(ix.entries[k]))
	copy(offsets, ix.entries[k])
	return Posting{Key: []byte(k), Offsets: offsets}
}

func (ix *Index) ensureSorted() {
	if !ix.sorted {
		sort.Strings(ix.keys)
		ix.sorted = true
	}
}

// Meta returns the opaque caller blob stored with the index.
func (ix *Index) Meta() []byte {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.meta == nil {
		return nil
	}
	out := make([]byte, len(ix.meta))
	copy(out, ix.meta)
	return out
}

// SetMeta replaces the opaque caller blob. It is persisted on Flush.
func (ix *Index) SetMeta(meta []byte) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta = make([]byte, len(meta))
	copy(ix.meta, meta)
}

// Path returns the backing file path ("" for memory-only indexes).
func (ix *Index) Path() string {
	return ix.path
}

// SetPath rebinds the index to a new backing file.
func (ix *Index) SetPath(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.path = path
}

// Size returns the approximate in-memory content size in bytes.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.size
}

// Clone returns an independent deep copy sharing nothing mutable.
func (ix *Index) Clone() *Index {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	c := &Index{
		entries: make(map[string][]uint64, len(ix.entries)),
		keys:    make([]string, len(ix.keys)),
		sorted:  ix.sorted,
		path:    ix.path,
		size:    ix.size,
	}
	copy(c.keys, ix.keys)
	for k, offsets := range ix.entries {
		dup := make([]uint64, len(offsets))
		copy(dup, offsets)
		c.entries[k] = dup
	}
	if ix.meta != nil {
		c.meta = make([]byte, len(ix.meta))
		copy(c.meta, ix.meta)
	}
	return c
}
