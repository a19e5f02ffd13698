package corpus

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/apperr"
	"docqa/internal/metadata"
	"docqa/internal/vectorindex"
)

func buildCorpus(t *testing.T, generation string, texts ...string) *Corpus {
	t.Helper()
	idx := vectorindex.New()
	meta := metadata.New()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, text := range texts {
		require.NoError(t, idx.Add([][]float32{{float32(i), 1, 0}}))
		meta.Next(text, "source.txt", ts)
	}
	c, err := New(generation, ts, idx, meta)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsMisalignedPair(t *testing.T) {
	idx := vectorindex.New()
	require.NoError(t, idx.Add([][]float32{{1, 2}, {3, 4}}))
	meta := metadata.New()
	meta.Next("one", "a", time.Now())

	_, err := New("g", time.Now(), idx, meta)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvariantViolation))

	_, err = New("g", time.Now(), nil, meta)
	assert.True(t, apperr.Is(err, apperr.KindInvariantViolation))
}

func TestHandle_SwapAndReady(t *testing.T) {
	h := NewHandle(nil)
	assert.Nil(t, h.Current())
	assert.False(t, h.Ready())

	empty := buildCorpus(t, "empty")
	h.Swap(empty)
	assert.False(t, h.Ready(), "empty corpus is not ready")

	first := buildCorpus(t, "first", "a", "b")
	prev := h.Swap(first)
	assert.Same(t, empty, prev)
	assert.True(t, h.Ready())
	assert.Same(t, first, h.Current())
}

func TestHandle_SnapshotSurvivesSwap(t *testing.T) {
	first := buildCorpus(t, "first", "a")
	h := NewHandle(first)
	snapshot := h.Current()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := h.Current()
			assert.Equal(t, c.Index.Len(), c.Metadata.Len())
		}()
	}
	h.Swap(buildCorpus(t, "second", "x", "y", "z"))
	wg.Wait()

	assert.Equal(t, "first", snapshot.Generation)
	assert.Equal(t, 1, snapshot.Len())
	assert.Equal(t, 3, h.Current().Len())
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, 2)
	ctx := context.Background()

	orig := buildCorpus(t, "gen-a", "alpha", "beta", "gamma")
	require.NoError(t, store.Save(ctx, orig))

	assert.FileExists(t, filepath.Join(dir, "gen-a", IndexFile))
	assert.FileExists(t, filepath.Join(dir, "gen-a", MetadataFile))
	current, err := os.ReadFile(filepath.Join(dir, CurrentFile))
	require.NoError(t, err)
	assert.Equal(t, "gen-a\n", string(current))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gen-a", loaded.Generation)
	assert.Equal(t, orig.Metadata.Records(), loaded.Metadata.Records())

	query := []float32{1, 1, 0}
	want, err := orig.Index.Search(query, 3)
	require.NoError(t, err)
	got, err := loaded.Index.Search(query, 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_LoadWithoutCorpusIsNotReady(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), 2).Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotReady))
}

func TestFileStore_MissingArtefactIsNotReady(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, 2)
	require.NoError(t, store.Save(context.Background(), buildCorpus(t, "gen-a", "alpha")))

	require.NoError(t, os.Remove(filepath.Join(dir, "gen-a", MetadataFile)))

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotReady))
}

func TestFileStore_GenerationMismatchIsNotReady(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, 5)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, buildCorpus(t, "gen-a", "alpha")))
	require.NoError(t, store.Save(ctx, buildCorpus(t, "gen-b", "one", "two")))

	// mix artefacts of two generations
	src, err := os.ReadFile(filepath.Join(dir, "gen-a", MetadataFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gen-b", MetadataFile), src, 0o644))

	_, err = store.Load(ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotReady))
}

func TestFileStore_NewSaveReplacesCurrent(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, 2)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, buildCorpus(t, "gen-a", "alpha")))
	require.NoError(t, store.Save(ctx, buildCorpus(t, "gen-b", "one", "two")))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gen-b", loaded.Generation)
	assert.Equal(t, 2, loaded.Len())
}

func TestFileStore_PrunesOldGenerations(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, 1)
	ctx := context.Background()

	for _, g := range []string{"gen-a", "gen-b", "gen-c"} {
		require.NoError(t, store.Save(ctx, buildCorpus(t, g, "text of "+g)))
	}

	gens, err := store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"gen-c"}, gens)

	store = NewFileStore(dir, 2)
	require.NoError(t, store.Save(ctx, buildCorpus(t, "gen-d", "more")))
	gens, err = store.Generations()
	require.NoError(t, err)
	assert.Len(t, gens, 2)
	assert.Contains(t, gens, "gen-d")
}

func TestFileStore_RejectsBadGeneration(t *testing.T) {
	store := NewFileStore(t.TempDir(), 2)
	for _, g := range []string{"", "../escape", ".hidden"} {
		err := store.Save(context.Background(), buildCorpus(t, g, "x"))
		assert.True(t, apperr.Is(err, apperr.KindInvariantViolation), "generation %q", g)
	}
}
