package dmd

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
)

// Scope names for the three parameter sets. The teacher ("real") network is permanently
// frozen; the fake and student sets are each owned by exactly one optimizer.
const (
	RealScope    = "real"
	FakeScope    = "fake"
	StudentScope = "student"
)

// Config holds the configuration shared by the distillation components.
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where model files are downloaded, and checkpoints are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden from the command line, that should not be
	// loaded back from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                             dtypes.DType
	BatchSize, ImageSize              int
	LatentChannels, VAEScaleFactor    int
	NumTrainTimesteps                 int
	GuidanceScale, RegLossWeight      float64
	MinDMStepRatio, MaxDMStepRatio    float64
	SNRGamma, MaxGradNorm             float64
	MaxTokenLength                    int
	LatentScaling                     float64

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a configuration from the hyperparameters stored in ctx.
//
// paramsSet are hyperparameters overridden, that it should not load from the checkpoint
// (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	cfg := &Config{
		Backend:           backend,
		Context:           ctx,
		DataDir:           dataDir,
		ParamsSet:         paramsSet,
		DType:             dtype,
		BatchSize:         context.GetParamOr(ctx, "batch_size", 4),
		ImageSize:         context.GetParamOr(ctx, "image_size", 512),
		LatentChannels:    context.GetParamOr(ctx, "latent_channels", 4),
		VAEScaleFactor:    context.GetParamOr(ctx, "vae_scale_factor", 8),
		NumTrainTimesteps: context.GetParamOr(ctx, "num_train_timesteps", 1000),
		GuidanceScale:     context.GetParamOr(ctx, "guidance_scale", 7.5),
		RegLossWeight:     context.GetParamOr(ctx, "reg_loss_weight", 0.25),
		MinDMStepRatio:    context.GetParamOr(ctx, "min_dm_step_ratio", 0.02),
		MaxDMStepRatio:    context.GetParamOr(ctx, "max_dm_step_ratio", 0.98),
		SNRGamma:          context.GetParamOr(ctx, "snr_gamma", 0.0),
		MaxGradNorm:       context.GetParamOr(ctx, "max_grad_norm", 0.0),
		MaxTokenLength:    context.GetParamOr(ctx, "max_token_length", 77),
		LatentScaling:     context.GetParamOr(ctx, "latent_scaling", 0.18215),
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg
}

// LatentShape returns the [batch, channels, height, width] shape of latents for the
// configured output resolution. Layout is channels-first, matching the ONNX models.
func (c *Config) LatentShape(batchSize int) shapes.Shape {
	side := c.ImageSize / c.VAEScaleFactor
	return shapes.Make(c.DType, batchSize, c.LatentChannels, side, side)
}

// Schedule builds the noise schedule from the hyperparameters in the context.
// Unknown beta-schedule or prediction-type names are fatal configuration errors.
func (c *Config) Schedule() *NoiseSchedule {
	ctx := c.Context
	return NewNoiseSchedule(
		c.NumTrainTimesteps,
		context.GetParamOr(ctx, "beta_start", 0.00085),
		context.GetParamOr(ctx, "beta_end", 0.012),
		context.GetParamOr(ctx, "beta_schedule", "scaled_linear"),
		context.GetParamOr(ctx, "prediction_type", "epsilon"),
	)
}

// AttachCheckpoint creates a checkpoint handler in the given directory, with the retention
// limit given by the "num_checkpoints" hyperparameter. If the directory already holds a
// checkpoint, variables and the global step are loaded into the context, resuming training.
func (c *Config) AttachCheckpoint(checkpointDir string) error {
	numCheckpointsToKeep := context.GetParamOr(c.Context, "num_checkpoints", 5)
	checkpoint, err := checkpoints.Build(c.Context).
		DirFromBase(checkpointDir, c.DataDir).
		Keep(numCheckpointsToKeep).
		ExcludeParams(c.ParamsSet...).
		Done()
	if err != nil {
		return err
	}
	c.Checkpoint = checkpoint
	return nil
}
