package dmd

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSampleLatentsWithSeed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	shape := shapes.Make(dtypes.Float32, 2, 4, 8, 8)

	a := SampleLatentsWithSeed(backend, shape, 42)
	b := SampleLatentsWithSeed(backend, shape, 42)
	require.True(t, a.Shape().Equal(shape))
	require.True(t, a.Equal(b), "same seed must reproduce the same latents")

	c := SampleLatentsWithSeed(backend, shape, 43)
	require.False(t, a.Equal(c), "different seeds must produce different latents")

	// Standard normal: mean near 0, second moment near 1.
	flat := tensors.MustCopyFlatData[float32](a)
	var sum, sumSquares float64
	for _, v := range flat {
		sum += float64(v)
		sumSquares += float64(v) * float64(v)
	}
	n := float64(len(flat))
	assert.InDelta(t, 0.0, sum/n, 0.2)
	assert.InDelta(t, 1.0, sumSquares/n, 0.3)
}

func TestSampleLatentsAdvancesState(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	shape := shapes.Make(dtypes.Float32, 1, 4, 8, 8)
	a := SampleLatents(backend, ctx, shape)
	b := SampleLatents(backend, ctx, shape)
	require.True(t, a.Shape().Equal(shape))
	require.False(t, a.Equal(b), "consecutive draws must differ")

	badShape := shapes.Make(dtypes.Float32, 4, 8, 8)
	require.Panics(t, func() { SampleLatents(backend, ctx, badShape) },
		"latents must be rank-4")
}
