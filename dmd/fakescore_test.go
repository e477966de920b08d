package dmd

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// fakeScoreLoss evaluates FakeScoreLossGraph with a deterministic random state so runs
// with different snrGamma see the same timestep and noise draws.
func fakeScoreLoss(t *testing.T, s *NoiseSchedule, fake Denoiser,
	latents, embeddings *tensors.Tensor, snrGamma float64) float64 {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(99)
	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, latents, embeddings *Node) *Node {
			return FakeScoreLossGraph(ctx, s, fake, latents, embeddings, snrGamma)
		})
	return float64(tensors.ToScalar[float32](exec.MustExec1(latents, embeddings)))
}

func TestFakeScoreLossGammaAboveMaxSNRIsUnweighted(t *testing.T) {
	s := testSchedule(t)
	rng := rand.New(rand.NewSource(21))
	latents := randomLatents(rng, 4, 4, 8, 8)
	embeddings := randomLatents(rng, 4, 3, 16)
	zero := DenoiserFunc(func(ctx *context.Context, noisy, timesteps, embeddings *Node) *Node {
		return ZerosLike(noisy)
	})

	// In epsilon mode min(snr, gamma)/snr == 1 for every timestep once gamma exceeds the
	// largest SNR in the schedule, so the weighted loss must equal the plain MSE.
	unweighted := fakeScoreLoss(t, s, zero, latents, embeddings, 0)
	weighted := fakeScoreLoss(t, s, zero, latents, embeddings, s.MaxSNR()+1)
	require.Greater(t, unweighted, 0.0)
	require.InDelta(t, unweighted, weighted, 1e-4)
}

func TestFakeScoreLossSmallGammaShrinksLoss(t *testing.T) {
	s := testSchedule(t)
	rng := rand.New(rand.NewSource(22))
	latents := randomLatents(rng, 4, 4, 8, 8)
	embeddings := randomLatents(rng, 4, 3, 16)
	zero := DenoiserFunc(func(ctx *context.Context, noisy, timesteps, embeddings *Node) *Node {
		return ZerosLike(noisy)
	})

	unweighted := fakeScoreLoss(t, s, zero, latents, embeddings, 0)
	weighted := fakeScoreLoss(t, s, zero, latents, embeddings, 1e-3)
	require.Less(t, weighted, unweighted)
}

func TestFakeScoreLossVPrediction(t *testing.T) {
	s := NewNoiseSchedule(1000, 0.00085, 0.012, "scaled_linear", "v_prediction")
	rng := rand.New(rand.NewSource(23))
	latents := randomLatents(rng, 2, 4, 8, 8)
	embeddings := randomLatents(rng, 2, 3, 16)
	zero := DenoiserFunc(func(ctx *context.Context, noisy, timesteps, embeddings *Node) *Node {
		return ZerosLike(noisy)
	})

	// The velocity target is nonzero for nonzero inputs, so a zero prediction has a
	// positive loss.
	unweighted := fakeScoreLoss(t, s, zero, latents, embeddings, 0)
	require.Greater(t, unweighted, 0.0)

	// In v-prediction mode the weight is min(snr+1, gamma)/(snr+1): once gamma exceeds the
	// largest snr+1 in the schedule every weight is exactly 1, same reduction as epsilon mode.
	weighted := fakeScoreLoss(t, s, zero, latents, embeddings, s.MaxSNR()+2)
	require.InDelta(t, unweighted, weighted, 1e-4)

	// snr+1 > 1 for every timestep, so gamma=1 clips every weight strictly below 1.
	clipped := fakeScoreLoss(t, s, zero, latents, embeddings, 1.0)
	require.Less(t, clipped, unweighted)
}

func TestFakeScoreLossBlocksStudentGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := testSchedule(t)
	rng := rand.New(rand.NewSource(24))
	latents := randomLatents(rng, 2, 4, 8, 8)
	embeddings := randomLatents(rng, 2, 3, 16)
	zero := DenoiserFunc(func(ctx *context.Context, noisy, timesteps, embeddings *Node) *Node {
		return ZerosLike(noisy)
	})

	exec := context.MustNewExec(backend, context.New(),
		func(ctx *context.Context, latents, embeddings *Node) *Node {
			loss := FakeScoreLossGraph(ctx, s, zero, latents, embeddings, 0)
			return Gradient(loss, latents)[0]
		})
	grads := tensors.MustCopyFlatData[float32](exec.MustExec1(latents, embeddings))
	for i, grad := range grads {
		require.Zerof(t, grad, "gradient must not flow back to the generated latents (flat index %d)", i)
	}
}
