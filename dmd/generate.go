package dmd

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// GenerateGraph runs the one-step generation path: the student network is evaluated
// exactly once at the highest-noise timestep T−1, and its noise prediction is converted
// to a predicted clean latent. There is no iterative refinement.
//
// ctx must be scoped to the student parameter set. The output has the same shape as
// latents.
func GenerateGraph(ctx *context.Context, schedule *NoiseSchedule, student Denoiser, latents, promptEmbeddings *Node) *Node {
	g := latents.Graph()
	batchSize := latents.Shape().Dimensions[0]
	timesteps := schedule.LastTimestepsGraph(g, batchSize)
	noisePrediction := student.NoisePredictionGraph(ctx, latents, timesteps, promptEmbeddings)
	if !noisePrediction.Shape().Equal(latents.Shape()) {
		exceptions.Panicf("student noise prediction shape %s does not match latents shape %s",
			noisePrediction.Shape(), latents.Shape())
	}
	return schedule.EpsilonToSampleGraph(latents, noisePrediction, timesteps)
}
