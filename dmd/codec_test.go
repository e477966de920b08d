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

// identityCodec "decodes" latents into images of the same shape, for exercising the
// regularization loss without a real VAE.
type identityCodec struct{}

func (identityCodec) DecodeGraph(ctx *context.Context, latents *Node) *Node {
	return latents
}

func TestRegularizationLossGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(61))
	latents := randomLatents(rng, 2, 4, 8, 8)

	// Perfect reconstruction: zero loss.
	exec := context.MustNewExec(backend, context.New(),
		func(ctx *context.Context, latents, images *Node) *Node {
			return RegularizationLossGraph(ctx, identityCodec{}, latents, images, nil)
		})
	loss := tensors.ToScalar[float32](exec.MustExec1(latents, latents))
	require.InDelta(t, 0.0, float64(loss), 1e-7)

	// Mismatched reconstruction: plain pixel MSE.
	images := randomLatents(rng, 2, 4, 8, 8)
	loss = tensors.ToScalar[float32](exec.MustExec1(latents, images))
	latentsFlat := tensors.MustCopyFlatData[float32](latents)
	imagesFlat := tensors.MustCopyFlatData[float32](images)
	var want float64
	for i := range latentsFlat {
		diff := float64(latentsFlat[i] - imagesFlat[i])
		want += diff * diff
	}
	want /= float64(len(latentsFlat))
	require.InDelta(t, want, float64(loss), 1e-4)
}

func TestRegularizationLossGraphFeatureSpace(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(62))
	latents := randomLatents(rng, 2, 4, 8, 8)
	images := randomLatents(rng, 2, 4, 8, 8)

	// A feature extractor that collapses everything to zero makes any pair of images
	// indistinguishable: the loss must be zero even for mismatched inputs.
	collapse := FeatureExtractor(func(ctx *context.Context, images *Node) *Node {
		return ZerosLike(images)
	})
	exec := context.MustNewExec(backend, context.New(),
		func(ctx *context.Context, latents, images *Node) *Node {
			return RegularizationLossGraph(ctx, identityCodec{}, latents, images, collapse)
		})
	loss := tensors.ToScalar[float32](exec.MustExec1(latents, images))
	require.InDelta(t, 0.0, float64(loss), 1e-7)
}

func TestRegularizationLossGraphShapeMismatchPanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(63))
	latents := randomLatents(rng, 2, 4, 8, 8)
	images := randomLatents(rng, 2, 3, 8, 8)

	require.Panics(t, func() {
		exec := context.MustNewExec(backend, context.New(),
			func(ctx *context.Context, latents, images *Node) *Node {
				return RegularizationLossGraph(ctx, identityCodec{}, latents, images, nil)
			})
		exec.MustExec1(latents, images)
	})
}

func TestNewONNXCodecValidatesScaling(t *testing.T) {
	_, err := NewONNXCodec("does-not-matter.onnx", 0)
	require.Error(t, err)
	_, err = NewONNXCodec("does-not-exist.onnx", 0.18215)
	require.Error(t, err)
}
