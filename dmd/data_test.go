package dmd

import (
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSlicePromptSourceCycles(t *testing.T) {
	src := NewSlicePromptSource("test", []string{"a", "b", "c"})
	assert.Equal(t, "test", src.Name())
	assert.Equal(t, []string{"a", "b"}, src.NextBatch(2))
	// Batches larger than the list wrap around, never coming up short.
	assert.Equal(t, []string{"c", "a", "b", "c", "a"}, src.NextBatch(5))

	require.Panics(t, func() { NewSlicePromptSource("empty", nil) })
}

func TestLoadPromptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	require.NoError(t, os.WriteFile(path, []byte("a cat\n\n  \na dog\n"), 0644))
	src, err := LoadPromptFile("prompts", path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a cat", "a dog"}, src.NextBatch(2))

	_, err = LoadPromptFile("missing", filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)

	blank := filepath.Join(t.TempDir(), "blank.txt")
	require.NoError(t, os.WriteFile(blank, []byte("\n\n"), 0644))
	_, err = LoadPromptFile("blank", blank)
	require.Error(t, err)
}

func TestInMemoryPairSource(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(31))
	const numExamples = 5
	latents := randomLatents(rng, numExamples, 4, 8, 8)
	images := randomLatents(rng, numExamples, 3, 16, 16)
	embeddings := randomLatents(rng, numExamples, 3, 16)

	pairs, err := InMemoryPairSource(backend, latents, images, embeddings, 2)
	require.NoError(t, err)

	// An infinite shuffled dataset over 5 examples with batch size 2 must keep yielding
	// full batches well past the epoch boundary.
	for i := 0; i < 10; i++ {
		batchLatents, batchImages, batchEmbeddings := pairs.NextBatch()
		require.Equal(t, []int{2, 4, 8, 8}, batchLatents.Shape().Dimensions)
		require.Equal(t, []int{2, 3, 16, 16}, batchImages.Shape().Dimensions)
		require.Equal(t, []int{2, 3, 16}, batchEmbeddings.Shape().Dimensions)
	}
}

func TestLoadPairFile(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(32))
	latents := randomLatents(rng, 4, 4, 8, 8)
	images := randomLatents(rng, 4, 3, 16, 16)
	embeddings := randomLatents(rng, 4, 3, 16)

	path := filepath.Join(t.TempDir(), "pairs.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := gob.NewEncoder(f)
	require.NoError(t, latents.GobSerialize(enc))
	require.NoError(t, images.GobSerialize(enc))
	require.NoError(t, embeddings.GobSerialize(enc))
	require.NoError(t, f.Close())

	pairs, err := LoadPairFile(backend, path, 2)
	require.NoError(t, err)
	batchLatents, _, _ := pairs.NextBatch()
	assert.Equal(t, []int{2, 4, 8, 8}, batchLatents.Shape().Dimensions)

	// Truncated files fail with a useful error rather than yielding partial data.
	short := filepath.Join(t.TempDir(), "short.bin")
	sf, err := os.Create(short)
	require.NoError(t, err)
	require.NoError(t, latents.GobSerialize(gob.NewEncoder(sf)))
	require.NoError(t, sf.Close())
	_, err = LoadPairFile(backend, short, 2)
	require.Error(t, err)
}
