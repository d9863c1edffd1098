package journal

import (
	"sync"
	"sync/atomic"
)

// Cross-process change detector: a best-effort counter derived from the
// committed metadata (primary length XOR epoch). Readers poll it to ask
// "is there new data" without touching the filesystem. It is never the
// source of truth; a reader that sees a changed token still reloads and
// validates metadata before acting.

var changeTokens sync.Map // dir -> *atomic.Uint64

func changeToken(m Metadata) uint64 {
	return m.PrimaryLen ^ m.Epoch
}

// publishChange records the committed state of a directory.
func publishChange(dir string, m Metadata) {
	if dir == "" {
		return
	}
	tok, _ := changeTokens.LoadOrStore(dir, &atomic.Uint64{})
	tok.(*atomic.Uint64).Store(changeToken(m))
}

// PollChange returns the last published change token for a directory,
// or zero when no journal in this process has published one.
func PollChange(dir string) uint64 {
	tok, ok := changeTokens.Load(dir)
	if !ok {
		return 0
	}
	return tok.(*atomic.Uint64).Load()
}

// ChangeToken returns this journal's view of the change token.
func (j *Journal) ChangeToken() uint64 {
	return changeToken(j.meta)
}
