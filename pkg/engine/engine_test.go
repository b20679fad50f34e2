package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notesync/pkg/store"
)

func newTestSetup(t *testing.T) (*Engine, *store.Store, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init())
	n, err := st.CreateNote(context.Background(), "test")
	require.NoError(t, err)
	return New(st), st, n.ID
}

// fragmentSetting returns a full-state fragment from an independent replica
// that set key=value.
func fragmentSetting(t *testing.T, actor string, key string, value interface{}) []byte {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.SetActorID(actor))
	require.NoError(t, doc.Path(key).Set(value))
	return doc.Save()
}

func headsOf(t *testing.T, save []byte) []string {
	t.Helper()
	doc, err := automerge.Load(save)
	require.NoError(t, err)
	var out []string
	for _, h := range doc.Heads() {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func TestMergeConvergesUnderAnyPermutation(t *testing.T) {
	fragments := [][]byte{
		fragmentSetting(t, "aaaa01", "x", 1),
		fragmentSetting(t, "aaaa02", "y", 2),
		fragmentSetting(t, "aaaa03", "z", 3),
		fragmentSetting(t, "aaaa04", "w", 4),
	}

	var expected []string
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		eng, _, noteID := newTestSetup(t)
		ctx := context.Background()

		order := rng.Perm(len(fragments))
		for _, i := range order {
			require.NoError(t, eng.Merge(ctx, noteID, fragments[i]), "order %v", order)
		}
		save, _, err := eng.FullState(noteID)
		require.NoError(t, err)
		heads := headsOf(t, save)
		if expected == nil {
			expected = heads
		} else {
			assert.Equal(t, expected, heads, "order %v diverged", order)
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	eng, _, noteID := newTestSetup(t)
	ctx := context.Background()

	fragment := fragmentSetting(t, "aaaa01", "x", 1)
	require.NoError(t, eng.Merge(ctx, noteID, fragment))
	once, _, err := eng.FullState(noteID)
	require.NoError(t, err)

	require.NoError(t, eng.Merge(ctx, noteID, fragment))
	twice, _, err := eng.FullState(noteID)
	require.NoError(t, err)

	assert.Equal(t, headsOf(t, once), headsOf(t, twice))
}

func TestMalformedFragmentRejectedWithoutCorruption(t *testing.T) {
	eng, _, noteID := newTestSetup(t)
	ctx := context.Background()

	require.NoError(t, eng.Merge(ctx, noteID, fragmentSetting(t, "aaaa01", "x", 1)))
	before, _, err := eng.FullState(noteID)
	require.NoError(t, err)

	err = eng.Merge(ctx, noteID, []byte("this is not an automerge fragment"))
	assert.ErrorIs(t, err, ErrMalformedFragment)

	after, _, err := eng.FullState(noteID)
	require.NoError(t, err)
	assert.Equal(t, headsOf(t, before), headsOf(t, after))

	// the doc still accepts good fragments
	require.NoError(t, eng.Merge(ctx, noteID, fragmentSetting(t, "aaaa02", "y", 2)))
}

func TestBootstrapReturnsBasePlusTail(t *testing.T) {
	eng, st, noteID := newTestSetup(t)
	ctx := context.Background()

	// compacted base covering seq 1, then two tail entries
	baseDoc := automerge.New()
	require.NoError(t, baseDoc.Path("x").Set(1))
	seq1, err := st.AppendUpdate(ctx, noteID, "u1", baseDoc.Save())
	require.NoError(t, err)
	_, err = st.SaveBase(ctx, noteID, baseDoc.Save(), seq1)
	require.NoError(t, err)

	f2 := fragmentSetting(t, "aaaa02", "y", 2)
	f3 := fragmentSetting(t, "aaaa03", "z", 3)
	_, err = st.AppendUpdate(ctx, noteID, "u2", f2)
	require.NoError(t, err)
	_, err = st.AppendUpdate(ctx, noteID, "u3", f3)
	require.NoError(t, err)

	base, fragments, err := eng.Bootstrap(ctx, noteID)
	require.NoError(t, err)
	assert.NotEmpty(t, base)
	require.Len(t, fragments, 2, "only entries after base_seq are in the tail")
	assert.Equal(t, f2, fragments[0])
	assert.Equal(t, f3, fragments[1])

	// reconstructing from the pair matches the engine's canonical state
	doc, err := automerge.Load(base)
	require.NoError(t, err)
	for _, f := range fragments {
		require.NoError(t, doc.LoadIncremental(f))
	}
	canonical, _, err := eng.FullState(noteID)
	require.NoError(t, err)
	assert.Equal(t, headsOf(t, canonical), headsOf(t, doc.Save()))
}

func TestBootstrapUnknownNote(t *testing.T) {
	eng, _, _ := newTestSetup(t)
	_, _, err := eng.Bootstrap(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNoteNotFound)
	assert.Empty(t, eng.ActiveNotes(), "a failed load must not leave a loaded entry")
}

func TestLoadReplaysLogInOrder(t *testing.T) {
	eng, st, noteID := newTestSetup(t)
	ctx := context.Background()

	// one replica committing twice: the second fragment depends on the first
	replica := automerge.New()
	require.NoError(t, replica.Path("counter").Counter().Inc(1))
	f1 := replica.SaveIncremental()
	require.NoError(t, replica.Path("counter").Counter().Inc(1))
	f2 := replica.SaveIncremental()

	_, err := st.AppendUpdate(ctx, noteID, "u1", f1)
	require.NoError(t, err)
	seq2, err := st.AppendUpdate(ctx, noteID, "u1", f2)
	require.NoError(t, err)

	_, _, err = eng.Bootstrap(ctx, noteID)
	require.NoError(t, err)
	save, seq, err := eng.FullState(noteID)
	require.NoError(t, err)
	assert.Equal(t, seq2, seq)

	doc, err := automerge.Load(save)
	require.NoError(t, err)
	value, err := doc.Path("counter").Counter().Get()
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)
}

func TestReleaseEvictsAndReloadFromLog(t *testing.T) {
	eng, st, noteID := newTestSetup(t)
	ctx := context.Background()

	fragment := fragmentSetting(t, "aaaa01", "x", 1)
	require.NoError(t, eng.Merge(ctx, noteID, fragment))
	seq, err := st.AppendUpdate(ctx, noteID, "u1", fragment)
	require.NoError(t, err)
	eng.Advance(noteID, seq)

	require.Len(t, eng.ActiveNotes(), 1)
	eng.Release(noteID)
	assert.Empty(t, eng.ActiveNotes())
	_, _, err = eng.FullState(noteID)
	assert.ErrorIs(t, err, ErrNotLoaded)

	// reload rebuilds the same state from the durable log
	require.NoError(t, eng.Merge(ctx, noteID, fragmentSetting(t, "aaaa02", "y", 2)))
	save, _, err := eng.FullState(noteID)
	require.NoError(t, err)
	doc, err := automerge.Load(save)
	require.NoError(t, err)
	x, err := automerge.As[int64](doc.Path("x").Get())
	require.NoError(t, err)
	assert.Equal(t, int64(1), x)
}

func TestConcurrentMergesOnDistinctNotes(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init())
	eng := New(st)
	ctx := context.Background()

	var noteIDs []string
	for i := 0; i < 4; i++ {
		n, err := st.CreateNote(ctx, fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		noteIDs = append(noteIDs, n.ID)
	}

	fragments := make([][][]byte, len(noteIDs))
	for i := range noteIDs {
		for j := 0; j < 10; j++ {
			fragments[i] = append(fragments[i], fragmentSetting(t, fmt.Sprintf("bbbb%02d%02d", i, j), "k", j))
		}
	}

	done := make(chan error, len(noteIDs))
	for i, id := range noteIDs {
		go func(i int, id string) {
			var err error
			for j := 0; j < len(fragments[i]) && err == nil; j++ {
				err = eng.Merge(ctx, id, fragments[i][j])
			}
			done <- err
		}(i, id)
	}
	for range noteIDs {
		require.NoError(t, <-done)
	}
	assert.Len(t, eng.ActiveNotes(), len(noteIDs))
}
