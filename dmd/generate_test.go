package dmd

import (
	"math"
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestGenerateGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := testSchedule(t)
	rng := rand.New(rand.NewSource(7))
	latents := randomLatents(rng, 2, 4, 8, 8)
	embeddings := randomLatents(rng, 2, 3, 16)

	// A student that predicts zero noise reduces one-step generation to a rescale by
	// 1/sqrt(alphasCumprod[T-1]).
	zeroStudent := DenoiserFunc(func(ctx *context.Context, noisy, timesteps, embeddings *Node) *Node {
		return ZerosLike(noisy)
	})
	exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, latents, embeddings *Node) *Node {
		return GenerateGraph(ctx, s, zeroStudent, latents, embeddings)
	})
	generated := exec.MustExec1(latents, embeddings)
	require.True(t, generated.Shape().Equal(latents.Shape()))

	scale := float32(1 / math.Sqrt(s.AlphasCumprod()[s.LastTimestep()]))
	want := tensors.MustCopyFlatData[float32](latents)
	got := tensors.MustCopyFlatData[float32](generated)
	for i := range want {
		require.InDelta(t, want[i]*scale, got[i], 1e-2)
	}
}

func TestGenerateGraphBadStudentShapePanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := testSchedule(t)
	rng := rand.New(rand.NewSource(8))
	latents := randomLatents(rng, 2, 4, 8, 8)
	embeddings := randomLatents(rng, 2, 3, 16)

	badStudent := DenoiserFunc(func(ctx *context.Context, noisy, timesteps, embeddings *Node) *Node {
		return ReduceMean(noisy, -1)
	})
	require.Panics(t, func() {
		exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, latents, embeddings *Node) *Node {
			return GenerateGraph(ctx, s, badStudent, latents, embeddings)
		})
		exec.MustExec1(latents, embeddings)
	})
}
