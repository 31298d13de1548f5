// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vavae_loss evaluates the VA-VAE loss on a batch of images and their (simulated) reconstructions.
//
// Reconstructions are the input images blurred with a gaussian. Both the generator and the discriminator steps are
// evaluated at the given -step, and the metrics are printed. Optionally the discriminator is first trained
// for -disc_steps with Adam to tell apart the inputs from the blurred reconstructions.
//
// Examples:
//
//	vavae_loss -size=64 -blur=2 -step=60000
//	vavae_loss -inputs="photos/*.jpg" -size=256 -disc_steps=100 -set="vavae_disc_loss=vanilla;disc_norm=actnorm"
//	vavae_loss -size=256 -foundation=dinov2
//	vavae_loss -size=256 -foundation=siglip -captions="a dog;a cat;a tree;a car"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/vavae/internal/hubonnx"
	"github.com/gomlx/vavae/pkg/ml/discriminator"
	"github.com/gomlx/vavae/pkg/ml/foundation"
	"github.com/gomlx/vavae/pkg/ml/perceptual"
	"github.com/gomlx/vavae/pkg/ml/vaeloss"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagInputs     = flag.String("inputs", "", "Glob pattern of the input images. If empty, synthetic images are generated.")
	flagBatchSize  = flag.Int("batch", 4, "Number of synthetic images, used only if -inputs is empty.")
	flagSize       = flag.Int("size", 64, "Images are resized (and cropped) to size x size. It must be a multiple of 16.")
	flagBlur       = flag.Float64("blur", 1.5, "Sigma of the gaussian blur used to simulate the reconstructions.")
	flagStep       = flag.Int64("step", 60_000, "Global step at which the loss is evaluated.")
	flagDiscSteps  = flag.Int("disc_steps", 0, "Number of steps to train the discriminator before evaluating the loss.")
	flagSplit      = flag.String("split", "val", "Prefix of the metric names.")
	flagFoundation = flag.String("foundation", "", "Kind of foundation model (mae, dinov2 or siglip) used for the "+
		"alignment loss. It is downloaded from the HuggingFace Hub. If empty, the alignment loss is not evaluated.")
	flagCaptions = flag.String("captions", "", "Captions of the images, separated by \";\", for the contrastive loss. "+
		"Requires -foundation=siglip.")
	flagLatentNoise = flag.Float64("latent_noise", 0.1, "Stddev of the noise added to the foundation features to "+
		"simulate a latent aligned with them.")
)

// createDefaultContext sets the hyperparameters of the loss with their default values, so they can be
// overridden with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		vaeloss.ParamKLWeight:         1e-6,
		vaeloss.ParamPixelWeight:      1.0,
		vaeloss.ParamPerceptualWeight: 1.0,
		vaeloss.ParamLogVarInit:       0.0,
		vaeloss.ParamDiscStart:        50_001,
		vaeloss.ParamDiscFactor:       1.0,
		vaeloss.ParamDiscWeight:       0.5,
		vaeloss.ParamDiscLoss:         vaeloss.DiscLossHinge.String(),
		vaeloss.ParamPPStyle:          false,
		vaeloss.ParamVFWeight:         100.0,
		vaeloss.ParamAdaptiveVF:       false,
		vaeloss.ParamDistmatMargin:    0.0,
		vaeloss.ParamCosMargin:        0.0,
		vaeloss.ParamDistmatWeight:    1.0,
		vaeloss.ParamCosWeight:        1.0,

		discriminator.ParamNumLayers:  3,
		discriminator.ParamChannels:   64,
		discriminator.ParamNorm:       discriminator.NormBatch.String(),
		discriminator.ParamInitStddev: 0.02,

		perceptual.ParamChannels:      "64,128,256,512,512",
		perceptual.ParamConvsPerStage: 2,

		optimizers.ParamLearningRate: 1e-4,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	err := exceptions.TryCatch[error](func() { run(ctx) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx *context.Context) {
	cfg := runConfig{
		size:        *flagSize,
		blur:        *flagBlur,
		step:        *flagStep,
		discSteps:   *flagDiscSteps,
		split:       *flagSplit,
		latentNoise: *flagLatentNoise,
	}
	if *flagCaptions != "" {
		cfg.captions = strings.Split(*flagCaptions, ";")
	}

	var err error
	if *flagInputs != "" {
		cfg.inputs, err = loadImages(*flagInputs, cfg.size)
	} else {
		cfg.inputs, err = syntheticImages(*flagBatchSize, cfg.size)
	}
	must.M(err)
	cfg.reconstructions = blurImages(cfg.inputs, cfg.blur)

	if *flagFoundation != "" {
		kind := must.M1(foundation.KindString(*flagFoundation))
		cfg.encoder = must.M1(foundation.LoadEncoder(ctx, kind, hubonnx.DefaultOptions()))
	}

	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Description())
	r := must.M1(newRunner(backend, ctx, cfg))
	if cfg.discSteps > 0 {
		_ = must.M1(r.trainDiscriminator(os.Stdout))
	}
	report := must.M1(r.evaluate())
	fmt.Println(report.Render(newReportStyle(os.Stdout)))
}
