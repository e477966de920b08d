package dmd

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

// CreateDefaultContext sets the context with the default hyperparameters used by the
// distillation trainer. All of them can be overridden from the command line with
// --set (see commandline.ParseContextSettings) and are saved along with checkpoints.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":      100_000,
		"batch_size":       4,
		"checkpoint_steps": 500, // Steps between checkpoint saves.
		"num_checkpoints":  5,   // Retention limit: older checkpoints beyond this are deleted.

		// dtype used for latents and model computation.
		"dtype": "float32",

		// Diffusion schedule, Stable-Diffusion defaults.
		"num_train_timesteps": 1000,
		"beta_start":          0.00085,
		"beta_end":            0.012,
		"beta_schedule":       "scaled_linear", // "linear" or "scaled_linear".
		"prediction_type":     "epsilon",       // "epsilon" or "v_prediction".

		// Distribution matching: timesteps are drawn from the band
		// [num_train_timesteps*min_dm_step_ratio, num_train_timesteps*max_dm_step_ratio).
		"min_dm_step_ratio": 0.02,
		"max_dm_step_ratio": 0.98,
		"guidance_scale":    7.5, // Classifier-free guidance applied to the frozen teacher.

		// Fake-score denoising step: min-SNR-gamma reweighting, disabled when 0.
		"snr_gamma": 0.0,

		// Weight of the decoded-image regularization loss added to the generator loss.
		"reg_loss_weight": 0.25,

		// Latent geometry: image_size / vae_scale_factor gives the latent spatial size.
		"image_size":       512,
		"latent_channels":  4,
		"vae_scale_factor": 8,
		"latent_scaling":   0.18215,

		// Conditioning encoder.
		"max_token_length": 77,

		// Student U-Net (only used by the built-in denoiser; ONNX models carry their own).
		"unet_channels_list":        []int{128, 256, 384, 512},
		"unet_num_residual_blocks":  2,
		"sinusoidal_embed_size":     32,
		"sinusoidal_max_freq":       1000.0,
		"sinusoidal_min_freq":       1.0,

		// Optimization, applied independently to the student and the fake-score network.
		optimizers.ParamLearningRate:        1e-5,
		optimizers.ParamAdamEpsilon:         1e-8,
		optimizers.ParamAdamDType:           "float32",
		optimizers.ParamAdamWeightDecay:     1e-2,
		"max_grad_norm":                     1.0, // Global gradient-norm clipping; disabled when <= 0.
		cosineschedule.ParamPeriodSteps:     0,   // Set to train_steps (or -1) to enable cosine decay.
		cosineschedule.ParamWarmUpSteps:     500,
		cosineschedule.ParamMinLearningRate: 1e-7,

		// Debugging: attach a NanLogger to trace where NaNs first show up.
		"nan_logger": false,
	})
	return ctx
}
