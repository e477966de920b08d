package dmd

import (
	gocontext "context"
	"math"
	"path"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// FakeOptimizerScope is the context scope holding the fake-score optimizer state (its
// own step counter and learning rate), separate from the student optimizer state, which
// lives at the root scope and owns the global step.
const FakeOptimizerScope = "fake_optimizer"

// gradientUpdater is the optimizer capability needed to apply externally computed
// (clipped) gradients. Adam and SGD implement it.
type gradientUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Trainer alternates the two optimization steps of distribution matching distillation.
//
// Every iteration executes, in fixed order: student generation, generator loss
// (distribution matching + regularization), student optimizer step, fake-score loss on
// the gradient-blocked latents, fake optimizer step. The ordering matters: the
// distribution matching loss must see the fake-score weights from before this
// iteration's fake update.
type Trainer struct {
	Config   *Config
	Schedule *NoiseSchedule

	Teacher, Fake, Student Denoiser
	Codec                  LatentCodec
	Features               FeatureExtractor
	Encoder                ConditioningEncoder
	Prompts                PromptSource
	Pairs                  *PairSource

	studentOptimizer optimizers.Interface
	fakeOptimizer    optimizers.Interface
	fakeCtx          *context.Context
	stepExec         *context.Exec
}

// NewTrainer assembles a Trainer. The teacher is permanently frozen; the fake and
// student parameter sets are seeded from the teacher weights if they don't exist yet
// (they do exist when resuming from a checkpoint).
func NewTrainer(cfg *Config, schedule *NoiseSchedule, teacher, fake, student Denoiser,
	codec LatentCodec, features FeatureExtractor, encoder ConditioningEncoder,
	prompts PromptSource, pairs *PairSource) (*Trainer, error) {
	ctx := cfg.Context
	t := &Trainer{
		Config:   cfg,
		Schedule: schedule,
		Teacher:  teacher,
		Fake:     fake,
		Student:  student,
		Codec:    codec,
		Features: features,
		Encoder:  encoder,
		Prompts:  prompts,
		Pairs:    pairs,
	}

	if !ScopeHasVariables(ctx, FakeScope) && ScopeHasVariables(ctx, RealScope) {
		if err := CopyScopeVariables(ctx, RealScope, FakeScope); err != nil {
			return nil, errors.WithMessage(err, "seeding fake-score network from teacher weights")
		}
	}
	if !ScopeHasVariables(ctx, StudentScope) && ScopeHasVariables(ctx, RealScope) {
		if err := CopyScopeVariables(ctx, RealScope, StudentScope); err != nil {
			return nil, errors.WithMessage(err, "seeding student network from teacher weights")
		}
	}
	SetScopeTrainable(ctx, RealScope, false)
	SetScopeTrainable(ctx, CodecScope, false)

	// The frozen weights never change: no point re-writing them on every checkpoint.
	if cfg.Checkpoint != nil {
		var frozen []*context.Variable
		for _, scope := range []string{RealScope, CodecScope} {
			ctx.In(scope).EnumerateVariablesInScope(func(v *context.Variable) {
				frozen = append(frozen, v)
			})
		}
		cfg.Checkpoint.ExcludeVarsFromSaving(frozen...)
	}

	t.fakeCtx = ctx.In(FakeOptimizerScope)
	t.studentOptimizer = optimizers.FromContext(ctx)
	t.fakeOptimizer = optimizers.FromContext(t.fakeCtx)
	if _, ok := t.studentOptimizer.(gradientUpdater); !ok {
		return nil, errors.Errorf("optimizer %q cannot apply externally clipped gradients",
			context.GetParamOr(ctx, optimizers.ParamOptimizer, "adam"))
	}

	t.stepExec = context.MustNewExec(cfg.Backend, ctx, t.trainStepGraph)
	if cfg.NanLogger != nil {
		cfg.NanLogger.AttachToExec(t.stepExec)
	}
	return t, nil
}

// trainStepGraph builds the computation for one full training iteration.
//
// inputs: generation latents [bGen,C,H,W], reference latents [bRef,C,H,W], reference
// images [bRef,...], prompt embeddings [bGen,S,E], reference prompt embeddings
// [bRef,S,E], negative embeddings [bGen+bRef,S,E].
// outputs: generator loss and fake-score (discriminator) loss, both scalars.
func (t *Trainer) trainStepGraph(ctx *context.Context, inputs []*Node) []*Node {
	cfg := t.Config
	g := inputs[0].Graph()
	ctx.SetTraining(g, true)
	genLatents, refLatents, refImages := inputs[0], inputs[1], inputs[2]
	promptEmbeddings, refPromptEmbeddings, negativeEmbeddings := inputs[3], inputs[4], inputs[5]

	// Phase 1: only the student parameter set is trainable.
	SetScopeTrainable(ctx, StudentScope, true)
	SetScopeTrainable(ctx, FakeScope, false)

	// One-step generation for both batches, concatenated into one working batch.
	studentCtx := ctx.In(StudentScope)
	genPredictions := GenerateGraph(studentCtx, t.Schedule, t.Student, genLatents, promptEmbeddings)
	refPredictions := GenerateGraph(studentCtx, t.Schedule, t.Student, refLatents, refPromptEmbeddings)
	latents := Concatenate([]*Node{genPredictions, refPredictions}, 0)
	embeddings := Concatenate([]*Node{promptEmbeddings, refPromptEmbeddings}, 0)

	lossG := DistributionMatchingLossGraph(ctx, t.Schedule, t.Teacher, t.Fake,
		latents, embeddings, negativeEmbeddings,
		cfg.MinDMStepRatio, cfg.MaxDMStepRatio, cfg.GuidanceScale)
	if t.Codec != nil && cfg.RegLossWeight > 0 {
		regLoss := RegularizationLossGraph(ctx, t.Codec, refPredictions, refImages, t.Features)
		lossG = Add(lossG, MulScalar(regLoss, cfg.RegLossWeight))
	}
	cfg.NanLogger.TraceFirstNaN(lossG, "loss_g")

	cosineschedule.New(ctx, g, lossG.DType()).FromContext().Done()
	studentGrads := ctx.BuildTrainableVariablesGradientsGraph(lossG)
	studentGrads = clipByGlobalNorm(studentGrads, cfg.MaxGradNorm)
	t.studentOptimizer.(gradientUpdater).UpdateGraphWithGradients(ctx, studentGrads, lossG.DType())

	// Phase 2: only the fake-score parameter set is trainable. The latents are
	// gradient-blocked inside FakeScoreLossGraph, so even without the flag flip no
	// gradient could reach the student.
	SetScopeTrainable(ctx, StudentScope, false)
	SetScopeTrainable(ctx, FakeScope, true)

	lossD := FakeScoreLossGraph(ctx, t.Schedule, t.Fake, latents, embeddings, cfg.SNRGamma)
	cfg.NanLogger.TraceFirstNaN(lossD, "loss_d")

	cosineschedule.New(t.fakeCtx, g, lossD.DType()).FromContext().Done()
	fakeGrads := ctx.BuildTrainableVariablesGradientsGraph(lossD)
	fakeGrads = clipByGlobalNorm(fakeGrads, cfg.MaxGradNorm)
	t.fakeOptimizer.(gradientUpdater).UpdateGraphWithGradients(t.fakeCtx, fakeGrads, lossD.DType())

	// Leave the student trainable for any graph built after this one.
	SetScopeTrainable(ctx, StudentScope, true)

	return []*Node{lossG, lossD}
}

// clipByGlobalNorm scales all gradients by maxNorm/max(globalNorm, maxNorm), leaving
// them untouched when the global norm is already below maxNorm. Disabled when
// maxNorm <= 0.
func clipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	if maxNorm <= 0 || len(grads) == 0 {
		return grads
	}
	g := grads[0].Graph()
	sumSquares := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(ConvertDType(grad, dtypes.Float32))))
	}
	globalNorm := Sqrt(sumSquares)
	scale := Div(Scalar(g, dtypes.Float32, maxNorm), Max(globalNorm, Scalar(g, dtypes.Float32, maxNorm)))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}

// Run executes the training loop until the global step reaches the "train_steps"
// hyperparameter. Cancellation of runCtx is honored only at iteration boundaries, never
// mid-iteration, so optimizer updates are always fully applied.
func (t *Trainer) Run(runCtx gocontext.Context) error {
	cfg := t.Config
	ctx := cfg.Context
	trainSteps := context.GetParamOr(ctx, "train_steps", 0)
	checkpointSteps := context.GetParamOr(ctx, "checkpoint_steps", 500)
	if trainSteps <= 0 {
		return errors.Errorf("nothing to train: train_steps=%d", trainSteps)
	}
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep >= trainSteps {
		klog.Infof("Already trained for %d steps (target %d), nothing to do.", globalStep, trainSteps)
		return nil
	}
	if globalStep > 0 {
		klog.Infof("Resuming training from global step %d.", globalStep)
	}

	var pointsWriter chan<- plots.Point
	var pointsErr <-chan error
	if cfg.Checkpoint != nil {
		pointsWriter, pointsErr = plots.CreatePointsWriter(
			path.Join(cfg.Checkpoint.Dir(), plots.TrainingPlotFileName))
		defer func() {
			close(pointsWriter)
			if err := <-pointsErr; err != nil {
				klog.Errorf("Failed to write training plot points: %+v", err)
			}
		}()
	}

	bar := progressbar.Default(int64(trainSteps-globalStep), "training")
	defer func() { _ = bar.Close() }()

	batchSize := cfg.BatchSize
	for globalStep < trainSteps {
		select {
		case <-runCtx.Done():
			klog.Infof("Training interrupted at step %d: %v", globalStep, runCtx.Err())
			return t.finalize()
		default:
		}

		prompts := t.Prompts.NextBatch(batchSize)
		promptEmbeddings := t.Encoder.Encode(prompts)
		refLatents, refImages, refPromptEmbeddings := t.Pairs.NextBatch()
		refBatchSize := refLatents.Shape().Dimensions[0]
		negativeEmbeddings := t.Encoder.EncodeNegative(batchSize + refBatchSize)
		genLatents := SampleLatents(cfg.Backend, ctx, cfg.LatentShape(batchSize))

		outputs := t.stepExec.MustExec(
			genLatents, refLatents, refImages,
			promptEmbeddings, refPromptEmbeddings, negativeEmbeddings)
		lossG := scalarToFloat(outputs[0])
		lossD := scalarToFloat(outputs[1])
		genLatents.MustFinalizeAll()

		if math.IsNaN(lossG) || math.IsInf(lossG, 0) || math.IsNaN(lossD) || math.IsInf(lossD, 0) {
			return errors.Errorf("non-finite loss at step %d: loss_g=%g, loss_d=%g -- aborting "+
				"before corrupting parameters", globalStep, lossG, lossD)
		}

		globalStep = int(optimizers.GetGlobalStep(ctx))
		_ = bar.Add(1)
		klog.V(1).Infof("step %d: loss_g=%.6f, loss_d=%.6f", globalStep, lossG, lossD)
		if pointsWriter != nil {
			pointsWriter <- plots.Point{
				MetricName: "loss_g", Short: "loss_g", MetricType: "loss",
				Step: float64(globalStep), Value: lossG,
			}
			pointsWriter <- plots.Point{
				MetricName: "loss_d", Short: "loss_d", MetricType: "loss",
				Step: float64(globalStep), Value: lossD,
			}
		}

		// Best-effort persistence: a failed save is reported, training continues.
		// checkpoint_steps <= 0 means only the final checkpoint is written.
		if cfg.Checkpoint != nil && checkpointSteps > 0 && globalStep%checkpointSteps == 0 {
			if err := cfg.Checkpoint.Save(); err != nil {
				klog.Errorf("Failed to save checkpoint at step %d (training continues): %+v", globalStep, err)
			}
		}
	}
	return t.finalize()
}

// finalize writes a last checkpoint. An external barrier between distributed workers,
// when one exists, is assumed to have happened before this point.
func (t *Trainer) finalize() error {
	if t.Config.Checkpoint == nil {
		return nil
	}
	return t.Config.Checkpoint.Save()
}

func scalarToFloat(tensor *tensors.Tensor) float64 {
	switch value := tensor.Value().(type) {
	case float32:
		return float64(value)
	case float64:
		return value
	default:
		exceptions.Panicf("expected scalar float loss, got %s", tensor.Shape())
	}
	return 0
}
