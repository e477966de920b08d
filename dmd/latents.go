package dmd

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// SampleLatents draws a tensor of i.i.d. standard-normal values with the given shape,
// using (and advancing) the random state stored in ctx.
func SampleLatents(backend backends.Backend, ctx *context.Context, shape shapes.Shape) *tensors.Tensor {
	if shape.Rank() != 4 {
		exceptions.Panicf("SampleLatents: latents must be rank-4 [batch, channels, height, width], got %s", shape)
	}
	return context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomNormal(g, shape)
	})
}

// SampleLatentsWithSeed is SampleLatents with a fixed random seed: the same seed and shape
// always produce the same tensor. It uses a throwaway context so the training random state
// is not disturbed.
func SampleLatentsWithSeed(backend backends.Backend, shape shapes.Shape, seed int64) *tensors.Tensor {
	ctx := context.New()
	ctx.RngStateFromSeed(seed)
	return SampleLatents(backend, ctx, shape)
}
