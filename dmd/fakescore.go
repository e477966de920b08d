package dmd

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// FakeScoreLossGraph computes the denoising loss that trains the fake-score network on
// the student's generated latents. The latents are gradient-blocked before any use, so no
// gradient from this loss ever reaches the student.
//
// Timesteps are drawn uniformly over the full [0, T) range. The regression target is the
// raw noise in epsilon mode, or the velocity parameterization in v-prediction mode. When
// snrGamma > 0 each sample's squared error is reweighted by min(snr, γ)/snr, with snr
// replaced by snr+1 in v-prediction mode, down-weighting easy high-SNR samples.
func FakeScoreLossGraph(ctx *context.Context, schedule *NoiseSchedule, fake Denoiser,
	latents, promptEmbeddings *Node, snrGamma float64) *Node {
	g := latents.Graph()
	if latents.Rank() != 4 {
		exceptions.Panicf("FakeScoreLossGraph: latents must be rank-4, got %s", latents.Shape())
	}
	latents = StopGradient(latents)
	promptEmbeddings = StopGradient(promptEmbeddings)
	batchSize := latents.Shape().Dimensions[0]

	timesteps := ctx.RandomIntN(g, schedule.NumTimesteps, shapes.Make(dtypes.Int32, batchSize))
	noise := ctx.RandomNormal(g, latents.Shape())
	noisyLatents := schedule.AddNoiseGraph(latents, noise, timesteps)

	var target *Node
	switch schedule.Prediction {
	case EpsilonPrediction:
		target = noise
	case VPrediction:
		target = schedule.VelocityGraph(latents, noise, timesteps)
	default:
		exceptions.Panicf("FakeScoreLossGraph: unsupported prediction type %s", schedule.Prediction)
	}

	prediction := fake.NoisePredictionGraph(ctx.In(FakeScope), noisyLatents, timesteps, promptEmbeddings)
	if snrGamma <= 0 {
		return losses.MeanSquaredError([]*Node{target}, []*Node{prediction})
	}

	snr := schedule.SNRGraph(g, latents.DType(), timesteps)
	if schedule.Prediction == VPrediction {
		// The velocity objective adds one to the SNR before the min and the division.
		snr = OnePlus(snr)
	}
	weights := Div(MinScalar(snr, snrGamma), snr)
	perSampleLoss := ReduceMean(Square(Sub(prediction, target)), 1, 2, 3)
	return ReduceAllMean(Mul(perSampleLoss, weights))
}
