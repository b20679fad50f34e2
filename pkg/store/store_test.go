package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init())
	return s
}

func TestNoteLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetNote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoteNotFound)

	n, err := s.CreateNote(ctx, "meeting notes")
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)

	got, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "meeting notes", got.Title)
	assert.Nil(t, got.Base)
	assert.Zero(t, got.BaseSeq)

	require.NoError(t, s.EnsureNote(ctx, "default", "default"))
	require.NoError(t, s.EnsureNote(ctx, "default", "renamed"))
	def, err := s.GetNote(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "default", def.Title, "ensure must not overwrite an existing note")
}

func TestUpdateLogAppendAndBoundedReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n, err := s.CreateNote(ctx, "t")
	require.NoError(t, err)

	var seqs []int64
	for _, frag := range [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")} {
		seq, err := s.AppendUpdate(ctx, n.ID, "u1", frag)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.IsIncreasing(t, seqs)

	last, err := s.LastSeq(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, seqs[2], last)

	all, err := s.UpdatesSince(ctx, n.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte("f1"), all[0].Fragment)
	assert.Equal(t, "u1", all[0].UserID)

	tail, err := s.UpdatesSince(ctx, n.ID, seqs[0])
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, []byte("f2"), tail[0].Fragment)

	prefix, err := s.UpdatesThrough(ctx, n.ID, seqs[1])
	require.NoError(t, err)
	require.Len(t, prefix, 2)
	assert.Equal(t, []byte("f2"), prefix[1].Fragment)

	// other notes never leak in
	other, err := s.CreateNote(ctx, "other")
	require.NoError(t, err)
	none, err := s.UpdatesSince(ctx, other.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveBaseSkipsUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n, err := s.CreateNote(ctx, "t")
	require.NoError(t, err)

	changed, err := s.SaveBase(ctx, n.ID, []byte("state-1"), 3)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SaveBase(ctx, n.ID, []byte("state-1"), 3)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.SaveBase(ctx, n.ID, []byte("state-1"), 5)
	require.NoError(t, err)
	assert.True(t, changed, "a new base_seq alone is a change")

	got, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-1"), got.Base)
	assert.Equal(t, int64(5), got.BaseSeq)
}

func TestVersionsNewestFirstAndBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n, err := s.CreateNote(ctx, "t")
	require.NoError(t, err)

	_, err = s.GetVersion(ctx, "missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)
	_, err = s.LatestVersion(ctx, n.ID)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	for i, v := range []Version{
		{ID: "v1", UserID: "u1", UserName: "Alice", Kind: VersionKindSnapshot, UpToSeq: 1},
		{ID: "v2", UserID: "u2", UserName: "Bob", Kind: VersionKindSnapshot, UpToSeq: 2},
		{ID: "v3", UserID: "u3", UserName: "Carol", Kind: VersionKindRestore, UpToSeq: 3},
	} {
		v.NoteID = n.ID
		require.NoError(t, s.InsertVersion(ctx, v), "version %d", i)
	}

	vs, err := s.ListVersions(ctx, n.ID, 10)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, "v3", vs[0].ID)
	assert.Equal(t, "v1", vs[2].ID)
	assert.Equal(t, VersionKindRestore, vs[0].Kind)
	assert.Equal(t, "Alice", vs[2].UserName)

	bounded, err := s.ListVersions(ctx, n.ID, 2)
	require.NoError(t, err)
	require.Len(t, bounded, 2)
	assert.Equal(t, "v3", bounded[0].ID)

	latest, err := s.LatestVersion(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "v3", latest.ID)
}

func TestSetContentRequiresExistingNote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.SetContent(ctx, "missing", []byte("x")), ErrNoteNotFound)

	n, err := s.CreateNote(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, s.SetContent(ctx, n.ID, []byte("whole content")))
	got, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("whole content"), got.Base)
}
