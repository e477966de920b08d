package dmd

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// PredictionType selects the regression target of the denoising networks.
type PredictionType int

const (
	// EpsilonPrediction: networks predict the noise added during forward diffusion.
	EpsilonPrediction PredictionType = iota

	// VPrediction: networks predict the velocity parameterization
	// sqrt(ᾱ_t)·ε − sqrt(1−ᾱ_t)·x.
	VPrediction
)

// String implements fmt.Stringer.
func (p PredictionType) String() string {
	switch p {
	case EpsilonPrediction:
		return "epsilon"
	case VPrediction:
		return "v_prediction"
	}
	return "invalid"
}

// NoiseSchedule holds the precomputed per-timestep diffusion coefficients.
// It is immutable after construction and shared read-only by all components.
type NoiseSchedule struct {
	// NumTimesteps is T: valid timesteps are integers in [0, T).
	NumTimesteps int

	// Prediction selects the target space of the denoising networks.
	Prediction PredictionType

	// alphasCumprod[t] is the cumulative product of (1-beta) up to timestep t.
	// Strictly positive and monotonically decreasing.
	alphasCumprod []float64
}

// NewNoiseSchedule precomputes the cumulative alphas for the given beta schedule.
//
// betaSchedule must be "linear" or "scaled_linear"; predictionType must be "epsilon" or
// "v_prediction". Anything else is a fatal configuration error and panics.
func NewNoiseSchedule(numTimesteps int, betaStart, betaEnd float64, betaSchedule, predictionType string) *NoiseSchedule {
	if numTimesteps <= 0 {
		exceptions.Panicf("NewNoiseSchedule: num_train_timesteps must be > 0, got %d", numTimesteps)
	}
	if betaStart <= 0 || betaEnd >= 1 || betaEnd < betaStart {
		exceptions.Panicf("NewNoiseSchedule: betas must satisfy 0 < beta_start <= beta_end < 1, got [%g, %g]",
			betaStart, betaEnd)
	}
	s := &NoiseSchedule{
		NumTimesteps:  numTimesteps,
		alphasCumprod: make([]float64, numTimesteps),
	}
	switch predictionType {
	case "epsilon":
		s.Prediction = EpsilonPrediction
	case "v_prediction":
		s.Prediction = VPrediction
	default:
		exceptions.Panicf("NewNoiseSchedule: unknown prediction_type %q, valid values are %q and %q",
			predictionType, "epsilon", "v_prediction")
	}

	cumulative := 1.0
	for t := 0; t < numTimesteps; t++ {
		frac := 0.0
		if numTimesteps > 1 {
			frac = float64(t) / float64(numTimesteps-1)
		}
		var beta float64
		switch betaSchedule {
		case "linear":
			beta = betaStart + (betaEnd-betaStart)*frac
		case "scaled_linear":
			sqrtBeta := math.Sqrt(betaStart) + (math.Sqrt(betaEnd)-math.Sqrt(betaStart))*frac
			beta = sqrtBeta * sqrtBeta
		default:
			exceptions.Panicf("NewNoiseSchedule: unknown beta_schedule %q, valid values are %q and %q",
				betaSchedule, "linear", "scaled_linear")
		}
		cumulative *= 1.0 - beta
		if cumulative <= 0 {
			exceptions.Panicf("NewNoiseSchedule: alphas cumulative product reached %g at timestep %d, "+
				"betas [%g, %g] are too aggressive for %d timesteps", cumulative, t, betaStart, betaEnd, numTimesteps)
		}
		s.alphasCumprod[t] = cumulative
	}
	return s
}

// AlphasCumprod returns a copy of the cumulative alphas table.
func (s *NoiseSchedule) AlphasCumprod() []float64 {
	table := make([]float64, len(s.alphasCumprod))
	copy(table, s.alphasCumprod)
	return table
}

// gatherAlphasGraph returns ᾱ_t per batch element, shape [batch], in the given dtype.
// timesteps must be a rank-1 integer tensor.
func (s *NoiseSchedule) gatherAlphasGraph(g *Graph, dtype dtypes.DType, timesteps *Node) *Node {
	if timesteps.Rank() != 1 || !timesteps.DType().IsInt() {
		exceptions.Panicf("schedule: timesteps must be a rank-1 integer tensor, got shape %s", timesteps.Shape())
	}
	table := ConvertDType(Const(g, s.alphasCumprod), dtype)
	return Gather(table, InsertAxes(timesteps, -1))
}

// perSample broadcasts a [batch] tensor against a [batch, ...] tensor by inserting
// trailing axes of dimension 1.
func perSample(values, like *Node) *Node {
	for values.Rank() < like.Rank() {
		values = InsertAxes(values, -1)
	}
	return values
}

func assertSameShape(opName string, a, b *Node) {
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("%s: shape mismatch, %s vs %s", opName, a.Shape(), b.Shape())
	}
}

func assertBatchMatch(opName string, latents, timesteps *Node) {
	if timesteps.Shape().Dimensions[0] != latents.Shape().Dimensions[0] {
		exceptions.Panicf("%s: timesteps batch dimension %d does not match latents batch dimension %d",
			opName, timesteps.Shape().Dimensions[0], latents.Shape().Dimensions[0])
	}
}

// AddNoiseGraph forward-diffuses latents to the given per-sample timesteps:
//
//	noisy = sqrt(ᾱ_t)·latents + sqrt(1−ᾱ_t)·noise
//
// latents and noise must have identical shapes; timesteps is rank-1 with the batch
// dimension. Pure and deterministic given its inputs.
func (s *NoiseSchedule) AddNoiseGraph(latents, noise, timesteps *Node) *Node {
	g := latents.Graph()
	assertSameShape("AddNoiseGraph", latents, noise)
	alphas := s.gatherAlphasGraph(g, latents.DType(), timesteps)
	assertBatchMatch("AddNoiseGraph", latents, timesteps)
	sqrtAlphas := perSample(Sqrt(alphas), latents)
	sqrtOneMinus := perSample(Sqrt(OneMinus(alphas)), latents)
	return Add(Mul(sqrtAlphas, latents), Mul(sqrtOneMinus, noise))
}

// EpsilonToSampleGraph inverts the forward diffusion formula, recovering the predicted
// clean latent from a noisy latent and a noise prediction:
//
//	predClean = (noisy − sqrt(1−ᾱ_t)·epsilon) / sqrt(ᾱ_t)
//
// ᾱ_t is strictly positive by construction, so the division is always defined.
func (s *NoiseSchedule) EpsilonToSampleGraph(noisyLatents, epsilonPrediction, timesteps *Node) *Node {
	g := noisyLatents.Graph()
	assertSameShape("EpsilonToSampleGraph", noisyLatents, epsilonPrediction)
	alphas := s.gatherAlphasGraph(g, noisyLatents.DType(), timesteps)
	assertBatchMatch("EpsilonToSampleGraph", noisyLatents, timesteps)
	sqrtAlphas := perSample(Sqrt(alphas), noisyLatents)
	sqrtOneMinus := perSample(Sqrt(OneMinus(alphas)), noisyLatents)
	return Div(Sub(noisyLatents, Mul(sqrtOneMinus, epsilonPrediction)), sqrtAlphas)
}

// VelocityGraph computes the velocity regression target for v-prediction training:
//
//	v = sqrt(ᾱ_t)·noise − sqrt(1−ᾱ_t)·latents
func (s *NoiseSchedule) VelocityGraph(latents, noise, timesteps *Node) *Node {
	g := latents.Graph()
	assertSameShape("VelocityGraph", latents, noise)
	alphas := s.gatherAlphasGraph(g, latents.DType(), timesteps)
	assertBatchMatch("VelocityGraph", latents, timesteps)
	sqrtAlphas := perSample(Sqrt(alphas), latents)
	sqrtOneMinus := perSample(Sqrt(OneMinus(alphas)), latents)
	return Sub(Mul(sqrtAlphas, noise), Mul(sqrtOneMinus, latents))
}

// SNRGraph returns the per-sample signal-to-noise ratio ᾱ_t/(1−ᾱ_t), shape [batch].
func (s *NoiseSchedule) SNRGraph(g *Graph, dtype dtypes.DType, timesteps *Node) *Node {
	alphas := s.gatherAlphasGraph(g, dtype, timesteps)
	return Div(alphas, OneMinus(alphas))
}

// MaxSNR returns the largest signal-to-noise ratio over all timesteps (reached at t=0).
func (s *NoiseSchedule) MaxSNR() float64 {
	alpha := s.alphasCumprod[0]
	return alpha / (1.0 - alpha)
}

// LastTimestep returns T−1, the highest-noise timestep, used for one-step generation.
func (s *NoiseSchedule) LastTimestep() int {
	return s.NumTimesteps - 1
}

// LastTimestepsGraph returns a rank-1 tensor of shape [batchSize] filled with T−1.
func (s *NoiseSchedule) LastTimestepsGraph(g *Graph, batchSize int) *Node {
	t := Scalar(g, dtypes.Int32, s.LastTimestep())
	return BroadcastToDims(InsertAxes(t, 0), batchSize)
}
