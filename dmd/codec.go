package dmd

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

// CodecScope is the context scope holding the frozen image decoder weights.
const CodecScope = "codec"

// LatentCodec decodes latents into images. Only decoding is needed: the regularization
// loss compares decoded student predictions against reference images; nothing in the
// trainer encodes.
type LatentCodec interface {
	DecodeGraph(ctx *context.Context, latents *Node) *Node
}

// ONNXCodec implements LatentCodec over a VAE-decoder ONNX graph. Decoded samples are
// mapped from the model's [-1, 1] range to [0, 1].
type ONNXCodec struct {
	model *onnx.Model

	// Scaling is the latent scaling factor: latents are divided by it before decoding.
	Scaling float64
}

// NewONNXCodec parses the VAE decoder at the given path.
func NewONNXCodec(onnxPath string, scaling float64) (*ONNXCodec, error) {
	if scaling <= 0 {
		return nil, errors.Errorf("latent scaling factor must be > 0, got %g", scaling)
	}
	model, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing VAE decoder %q", onnxPath)
	}
	return &ONNXCodec{model: model, Scaling: scaling}, nil
}

// AttachWeights uploads the decoder weights into the given (scoped) context.
func (c *ONNXCodec) AttachWeights(ctx *context.Context) error {
	return c.model.VariablesToContext(ctx)
}

// DecodeGraph implements LatentCodec.
func (c *ONNXCodec) DecodeGraph(ctx *context.Context, latents *Node) *Node {
	g := latents.Graph()
	latents = DivScalar(latents, c.Scaling)
	outputs := c.model.CallGraph(ctx, g, map[string]*Node{"latent_sample": latents})
	images := outputs[0]
	images = AddScalar(DivScalar(images, 2), 0.5)
	return ClipScalar(images, 0.0, 1.0)
}

// Close releases the ONNX model resources.
func (c *ONNXCodec) Close() {
	c.model.Close()
}

// FeatureExtractor maps images to perceptual feature tensors. When configured, the
// regularization loss is computed in feature space (LPIPS-style) instead of pixel space.
type FeatureExtractor func(ctx *context.Context, images *Node) *Node

// RegularizationLossGraph decodes the student's predictions for the reference batch and
// compares them against the reference images: plain pixel MSE by default, or a distance
// in feature space when a FeatureExtractor is given. ctx must be the root training
// context; the decoder runs under CodecScope.
func RegularizationLossGraph(ctx *context.Context, codec LatentCodec, predictedLatents, referenceImages *Node, features FeatureExtractor) *Node {
	decoded := codec.DecodeGraph(ctx.In(CodecScope), predictedLatents)
	if !decoded.Shape().Equal(referenceImages.Shape()) {
		exceptions.Panicf("RegularizationLossGraph: decoded images %s do not match reference images %s",
			decoded.Shape(), referenceImages.Shape())
	}
	if features != nil {
		decoded = features(ctx, decoded)
		referenceImages = features(ctx, referenceImages)
	}
	return losses.MeanSquaredError([]*Node{StopGradient(referenceImages)}, []*Node{decoded})
}
