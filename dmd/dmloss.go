package dmd

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// DistributionMatchingLossGraph computes the generator's distribution matching loss: a
// surrogate loss whose gradient with respect to latents equals the difference between the
// fake-score and the teacher-score clean-latent estimates, scaled by a per-sample
// magnitude weight.
//
// latents is the student's predicted clean latents (gradients flow through it);
// promptEmbeddings and negativeEmbeddings are the conditioned and unconditional halves of
// classifier-free guidance applied to the frozen teacher. ctx must be the root training
// context: the teacher and fake networks are evaluated under their own scopes, both with
// gradients blocked.
//
// Timesteps are drawn uniformly per sample from the mid-noise band
// [T·minStepRatio, T·maxStepRatio), avoiding the extremes where the gradient signal is
// uninformative.
func DistributionMatchingLossGraph(ctx *context.Context, schedule *NoiseSchedule,
	teacher, fake Denoiser, latents, promptEmbeddings, negativeEmbeddings *Node,
	minStepRatio, maxStepRatio, guidanceScale float64) *Node {
	g := latents.Graph()
	if latents.Rank() != 4 {
		exceptions.Panicf("DistributionMatchingLossGraph: latents must be rank-4, got %s", latents.Shape())
	}
	if !promptEmbeddings.Shape().Equal(negativeEmbeddings.Shape()) {
		exceptions.Panicf("DistributionMatchingLossGraph: prompt embeddings %s and negative embeddings %s "+
			"must have the same shape", promptEmbeddings.Shape(), negativeEmbeddings.Shape())
	}
	batchSize := latents.Shape().Dimensions[0]
	minTimestep := int(float64(schedule.NumTimesteps) * minStepRatio)
	maxTimestep := int(float64(schedule.NumTimesteps) * maxStepRatio)
	if minTimestep >= maxTimestep || minTimestep < 0 || maxTimestep > schedule.NumTimesteps {
		exceptions.Panicf("DistributionMatchingLossGraph: invalid timestep band [%d, %d) from ratios [%g, %g) "+
			"with %d timesteps", minTimestep, maxTimestep, minStepRatio, maxStepRatio, schedule.NumTimesteps)
	}

	// Forward-diffuse the student latents to a random mid-band timestep.
	timesteps := ctx.RandomIntN(g, maxTimestep-minTimestep, shapes.Make(dtypes.Int32, batchSize))
	timesteps = AddScalar(timesteps, minTimestep)
	noise := ctx.RandomNormal(g, latents.Shape())
	noisyLatents := schedule.AddNoiseGraph(latents, noise, timesteps)

	// Fake score estimate of the clean latent, gradients blocked.
	fakeNoise := fake.NoisePredictionGraph(ctx.In(FakeScope), noisyLatents, timesteps, promptEmbeddings)
	fakeEstimate := StopGradient(schedule.EpsilonToSampleGraph(noisyLatents, fakeNoise, timesteps))

	// Teacher estimate: evaluated once on a doubled batch (unconditional ‖ conditional),
	// combined with classifier-free guidance. Gradients blocked.
	doubledLatents := Concatenate([]*Node{noisyLatents, noisyLatents}, 0)
	doubledTimesteps := Concatenate([]*Node{timesteps, timesteps}, 0)
	doubledEmbeddings := Concatenate([]*Node{negativeEmbeddings, promptEmbeddings}, 0)
	teacherNoise := teacher.NoisePredictionGraph(ctx.In(RealScope), doubledLatents, doubledTimesteps, doubledEmbeddings)
	uncondNoise := Slice(teacherNoise, AxisRange(0, batchSize))
	condNoise := Slice(teacherNoise, AxisRange(batchSize, 2*batchSize))
	guidedNoise := Add(uncondNoise, MulScalar(Sub(condNoise, uncondNoise), guidanceScale))
	realEstimate := StopGradient(schedule.EpsilonToSampleGraph(noisyLatents, guidedNoise, timesteps))

	// Per-sample normalizing weight: mean absolute difference between the original
	// latents and the teacher estimate, kept as a [batch, 1, 1, 1] scalar. It rescales
	// the pseudo-gradient so its magnitude is comparable across samples.
	weight := ReduceMean(Abs(Sub(latents, realEstimate)), 1, 2, 3)
	weight = perSample(weight, latents)

	// The surrogate: MSE between latents and the gradient-blocked target
	// latents − (fakeEstimate − realEstimate)/weight. Its gradient w.r.t. latents is
	// exactly the pseudo-gradient, delivered by standard backpropagation.
	grad := Div(Sub(fakeEstimate, realEstimate), weight)
	target := StopGradient(Sub(latents, grad))
	return losses.MeanSquaredError([]*Node{target}, []*Node{latents})
}
