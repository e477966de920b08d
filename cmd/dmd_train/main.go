// dmd_train trains a one-step image generator by distribution matching distillation:
// a student network learns to match, in a single forward pass, the output distribution
// of a frozen multi-step diffusion teacher, with an online "fake score" network trained
// alongside it as the comparison baseline.
//
// The teacher U-Net, the text encoder and the VAE decoder are downloaded as ONNX models
// from a HuggingFace repository. Reference (latent, image, prompt-embedding) triples for
// the regularization loss are read from a gob file; training prompts from a text file,
// one per line.
package main

import (
	gocontext "context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/dmd-gomlx/dmd"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/dmd", "Directory to cache downloaded model files and save checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "dmd", "Checkpoint directory (relative to --data, or absolute).")
	flagModelID    = flag.String("model", "", "HuggingFace repository with the ONNX teacher model (unet, text_encoder and vae_decoder subdirectories).")
	flagPrompts    = flag.String("prompts", "", "Text file with training prompts, one per line.")
	flagPairs      = flag.String("pairs", "", "Gob file with reference (latents, images, prompt embeddings) tensors for the regularization loss.")
)

func main() {
	ctx := dmd.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagModelID == "" || *flagPrompts == "" || *flagPairs == "" {
		klog.Exitf("Flags --model, --prompts and --pairs are required.")
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() {
		train(ctx, paramsSet)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func train(ctx *context.Context, paramsSet []string) {
	backend := backends.MustNew()
	cfg := dmd.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	must.M(cfg.AttachCheckpoint(*flagCheckpoint))

	repo := hub.New(*flagModelID).WithAuth(os.Getenv("HF_TOKEN"))
	unetPath := must.M1(repo.DownloadFile("unet/model.onnx"))
	vaePath := must.M1(repo.DownloadFile("vae_decoder/model.onnx"))

	unet := must.M1(dmd.NewONNXDenoiser(unetPath))
	defer unet.Close()
	if !dmd.ScopeHasVariables(ctx, dmd.RealScope) {
		must.M(unet.AttachWeights(ctx.In(dmd.RealScope)))
	}
	codec := must.M1(dmd.NewONNXCodec(vaePath, cfg.LatentScaling))
	defer codec.Close()
	if !dmd.ScopeHasVariables(ctx, dmd.CodecScope) {
		must.M(codec.AttachWeights(ctx.In(dmd.CodecScope)))
	}
	encoder := must.M1(dmd.NewPromptEncoder(backend, repo, "text_encoder/model.onnx", cfg.MaxTokenLength))
	defer encoder.Close()

	prompts := must.M1(dmd.LoadPromptFile("prompts", *flagPrompts))
	pairs := must.M1(dmd.LoadPairFile(backend, *flagPairs, cfg.BatchSize))

	trainer := must.M1(dmd.NewTrainer(cfg, cfg.Schedule(),
		unet, unet, unet, codec, nil, encoder, prompts, pairs))

	// Interrupts stop training at the next iteration boundary, after a final
	// checkpoint save.
	runCtx, cancel := signal.NotifyContext(gocontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	must.M(trainer.Run(runCtx))
}
