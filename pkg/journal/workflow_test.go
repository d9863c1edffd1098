package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompleteJournalWorkflow walks one journal directory through its
// whole lifecycle: initialization, appends, durability, indexed reads,
// cloning, a simulated crash, and recovery.
func TestCompleteJournalWorkflow(t *testing.T) {
	dir := t.TempDir()

	opts := testOptions()
	opts.Indexes = []IndexDef{{Name: "keys", Extract: kvExtract}}
	opts.Folds = []FoldDef{countFold()}

	t.Log("Step 1: Initializing a fresh directory...")
	j, err := Open(dir, opts)
	require.NoError(t, err, "open must initialize an empty directory")
	require.Equal(t, headerLen, j.CommittedLen(), "fresh journal commits only the header")

	t.Log("Step 2: Appending a batch of entries...")
	offsets := make([]uint64, 0, 10)
	for i := 0; i < 10; i++ {
		off, err := j.Append([]byte(fmt.Sprintf("set key%d value%d", i, i)))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	assert.Positive(t, j.PendingBytes(), "appends stay pending until sync")

	t.Log("Step 3: Making the batch durable...")
	committed, err := j.Sync()
	require.NoError(t, err)
	assert.Zero(t, j.PendingBytes())
	assert.Equal(t, committed, j.CommittedLen())

	t.Log("Step 4: Reading back through the index...")
	it, err := j.Lookup("keys", []byte("key7"))
	require.NoError(t, err)
	require.True(t, it.Next(), "indexed key must resolve")
	assert.Equal(t, "set key7 value7", string(it.Payload()))
	assert.Equal(t, offsets[7], it.Offset())

	count, err := j.Fold("entries")
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	t.Log("Step 5: Cloning for an isolated reader...")
	clone, err := j.TryClone()
	require.NoError(t, err)
	_, err = j.Append([]byte("set key10 value10"))
	require.NoError(t, err)
	cloneCount, err := clone.Fold("entries")
	require.NoError(t, err)
	assert.Equal(t, 10, cloneCount, "clone must not see the source's later append")
	require.NoError(t, clone.Close())

	t.Log("Step 6: Simulating a crash before commit...")
	// Close without sync: the last append must not survive
	require.NoError(t, j.Close())

	t.Log("Step 7: Recovering...")
	j, err = Open(dir, opts)
	require.NoError(t, err)
	defer j.Close()

	count, err = j.Fold("entries")
	require.NoError(t, err)
	assert.Equal(t, 10, count, "unsynced entry must not survive the crash")

	for i, off := range offsets {
		payload, err := j.ReadAt(off)
		require.NoError(t, err, "offset %d must stay valid across recovery", off)
		assert.Equal(t, fmt.Sprintf("set key%d value%d", i, i), string(payload))
	}

	t.Log("Step 8: Appending after recovery...")
	off, err := j.Append([]byte("set epilogue done"))
	require.NoError(t, err)
	assert.Greater(t, off, offsets[9], "offsets keep increasing after recovery")
	_, err = j.Sync()
	require.NoError(t, err)
}
