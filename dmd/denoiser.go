package dmd

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

// Denoiser evaluates a noise-prediction network: given noisy latents, their per-sample
// timesteps and the prompt embeddings conditioning, it returns a noise prediction with
// the same shape as the latents.
//
// The ctx passed in is already scoped to the parameter set being evaluated (RealScope,
// FakeScope or StudentScope), so one Denoiser can serve all three networks.
type Denoiser interface {
	NoisePredictionGraph(ctx *context.Context, noisyLatents, timesteps, promptEmbeddings *Node) *Node
}

// DenoiserFunc adapts a plain graph function to the Denoiser interface.
type DenoiserFunc func(ctx *context.Context, noisyLatents, timesteps, promptEmbeddings *Node) *Node

// NoisePredictionGraph implements Denoiser.
func (f DenoiserFunc) NoisePredictionGraph(ctx *context.Context, noisyLatents, timesteps, promptEmbeddings *Node) *Node {
	return f(ctx, noisyLatents, timesteps, promptEmbeddings)
}

// ONNXDenoiser wraps a UNet2DCondition-style ONNX graph as a Denoiser. The same model
// definition is shared by the teacher, fake and student networks; each gets its own copy
// of the weights under its own context scope (see AttachWeights).
type ONNXDenoiser struct {
	model *onnx.Model
}

// NewONNXDenoiser parses the ONNX U-Net at the given path.
func NewONNXDenoiser(onnxPath string) (*ONNXDenoiser, error) {
	model, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing U-Net %q", onnxPath)
	}
	return &ONNXDenoiser{model: model}, nil
}

// AttachWeights uploads the model weights into the given (scoped) context. Teacher, fake
// and student all start from the same weights, each under their own scope.
func (d *ONNXDenoiser) AttachWeights(ctx *context.Context) error {
	return d.model.VariablesToContext(ctx)
}

// NoisePredictionGraph implements Denoiser.
func (d *ONNXDenoiser) NoisePredictionGraph(ctx *context.Context, noisyLatents, timesteps, promptEmbeddings *Node) *Node {
	g := noisyLatents.Graph()
	outputs := d.model.CallGraph(ctx, g, map[string]*Node{
		"sample":                noisyLatents,
		"timestep":              timesteps,
		"encoder_hidden_states": promptEmbeddings,
	})
	return outputs[0]
}

// Close releases the ONNX model resources.
func (d *ONNXDenoiser) Close() {
	d.model.Close()
}

// ScopeHasVariables reports whether any variable exists under ctx.In(scope). Used to
// decide whether a parameter set still needs its initial weights, or was already restored
// from a checkpoint.
func ScopeHasVariables(ctx *context.Context, scope string) bool {
	found := false
	ctx.In(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		found = true
	})
	return found
}

// CopyScopeVariables clones every variable under ctx.In(fromScope) into the same relative
// path under ctx.In(toScope). It is how the fake and student parameter sets are seeded
// from the frozen teacher weights at the start of a run.
func CopyScopeVariables(ctx *context.Context, fromScope, toScope string) error {
	srcCtx := ctx.In(fromScope)
	dstCtx := ctx.In(toScope).Checked(false)
	prefixScope := srcCtx.Scope()
	newPrefixScope := dstCtx.Scope()
	var firstErr error
	srcCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		if firstErr != nil {
			return
		}
		if !strings.HasPrefix(v.Scope(), prefixScope) {
			exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
		}
		suffix := v.Scope()[len(prefixScope):]
		target := dstCtx
		if suffix != "" {
			target = dstCtx.InAbsPath(newPrefixScope + suffix)
		}
		value, err := v.Value()
		if err != nil {
			firstErr = errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
			return
		}
		clone, err := value.LocalClone()
		if err != nil {
			firstErr = errors.WithMessagef(err, "cloning variable %q", v.ScopeAndName())
			return
		}
		newVar := target.VariableWithShape(v.Name(), v.Shape())
		if err = newVar.SetValue(clone); err != nil {
			firstErr = errors.WithMessagef(err, "initializing variable %q", newVar.ScopeAndName())
		}
	})
	return firstErr
}

// SetScopeTrainable flips the Trainable flag of every variable under ctx.In(scope).
// The trainer uses it to select which parameter set each optimizer updates.
func SetScopeTrainable(ctx *context.Context, scope string, trainable bool) {
	ctx.In(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(trainable)
	})
}
