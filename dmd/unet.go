package dmd

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// UNetDenoiser is a self-contained text-conditioned U-Net built from gomlx layers.
// It serves as the Denoiser implementation for runs that do not start from an ONNX
// model, and for tests. Hyperparameters (channels list, number of residual blocks,
// sinusoidal embedding) are read from the context.
type UNetDenoiser struct {
	// NumTimesteps normalizes the integer timesteps to [0, 1) for the sinusoidal
	// embedding.
	NumTimesteps int
}

// NoisePredictionGraph implements Denoiser.
//
// noisyLatents is channels-first [batch, channels, height, width]; internally the model
// works channels-last and transposes at the boundaries. timesteps is a rank-1 integer
// tensor; promptEmbeddings is [batch, seqLen, embedSize].
func (u *UNetDenoiser) NoisePredictionGraph(ctx *context.Context, noisyLatents, timesteps, promptEmbeddings *Node) *Node {
	if noisyLatents.Rank() != 4 {
		exceptions.Panicf("UNetDenoiser: noisyLatents must be rank-4, got %s", noisyLatents.Shape())
	}
	if promptEmbeddings.Rank() != 3 {
		exceptions.Panicf("UNetDenoiser: promptEmbeddings must be [batch, seqLen, embedSize], got %s",
			promptEmbeddings.Shape())
	}
	dtype := noisyLatents.DType()
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	latentChannels := noisyLatents.Shape().Dimensions[1]

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering
	// to the variables.
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	// Channels-first to channels-last.
	x := TransposeAllDims(noisyLatents, 0, 2, 3, 1)

	// Conditioning features, per sample with spatial axes of dimension 1: sinusoidal
	// embedding of the normalized timestep plus a projection of the pooled prompt
	// embedding.
	times := ConvertDType(timesteps, dtype)
	times = DivScalar(times, float64(u.NumTimesteps))
	times = InsertAxes(times, -1, -1, -1)
	contextFeatures := SinusoidalEmbedding(ctx, times)
	pooledPrompt := ReduceMean(promptEmbeddings, 1)
	promptFeatures := layers.Dense(nextCtx("PromptProjection"), pooledPrompt, true,
		context.GetParamOr(ctx, "sinusoidal_embed_size", 32))
	promptFeatures = InsertAxes(promptFeatures, 1, 1)
	contextFeatures = Concatenate([]*Node{contextFeatures, promptFeatures}, -1)

	numChannelsList := context.GetParamOr(ctx, "unet_channels_list", []int{128, 256, 384, 512})
	numBlocks := context.GetParamOr(ctx, "unet_num_residual_blocks", 2)

	x = layers.Dense(nextCtx("StartingChannelsProjection"), x, true, numChannelsList[0])

	// Downward: pool to progressively smaller spatial sizes, stacking skip connections.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for _, numChannels := range numChannelsList {
		blockCtx := nextCtx("DownBlock")
		x = concatContextFeatures(x, contextFeatures)
		for jj := 0; jj < numBlocks; jj++ {
			x = residualBlock(blockCtx.Inf("%03d-residual", jj), x, numChannels)
			skips = append(skips, x)
		}
		x = MeanPool(x).Window(2).NoPadding().Done()
	}

	// Innermost blocks at the smallest spatial size.
	lastNumChannels := xslices.Last(numChannelsList)
	for ii := 0; ii < numBlocks; ii++ {
		x = residualBlock(nextCtx("IntermediaryBlock"), x, lastNumChannels)
	}

	// Upward: up-sample back to the latent size, popping skip connections.
	for ii := range numChannelsList {
		blockCtx := nextCtx("UpBlock")
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x = upSample2x(x)
		for jj := 0; jj < numBlocks; jj++ {
			var skip *Node
			skip, skips = xslices.Pop(skips)
			x = Concatenate([]*Node{x, skip}, -1)
			x = residualBlock(blockCtx.Inf("%03d-residual", jj), x, numChannels)
		}
	}
	if len(skips) != 0 {
		exceptions.Panicf("UNetDenoiser ended with %d skip connections not accounted for", len(skips))
	}

	// Readout initialized to 0, the mean of the noise target.
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, latentChannels)

	// Back to channels-first.
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// SinusoidalEmbedding provides embeddings of `x` for geometrically spaced frequencies.
// Applied to the normalized timestep, it lets the model easily resolve different noise
// levels.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	halfEmbed := context.GetParamOr(ctx, "sinusoidal_embed_size", 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// concatContextFeatures appends contextFeatures to x, broadcasting them over x's spatial
// dimensions. x is channels-last rank-4; contextFeatures is [batch, 1, 1, features].
func concatContextFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	broadcastDims[1] = x.Shape().Dimensions[1]
	broadcastDims[2] = x.Shape().Dimensions[2]
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// residualBlock projects the input to outputChannels and applies a zero-initialized
// convolution, added back to the projected residual.
func residualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = layers.LayerNormalization(nextCtx("norm"), x, 1, 2).Done()
	x = activations.ApplyFromContext(ctx, x)
	convCtx := nextCtx("conv").WithInitializer(initializers.Zero)
	x = layers.Convolution(convCtx, x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// upSample2x doubles the spatial dimensions of a channels-last rank-4 tensor by
// repeating rows and columns.
func upSample2x(x *Node) *Node {
	shape := x.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{x, x}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	return Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
}
