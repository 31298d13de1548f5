// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/vavae/pkg/ml/vaeloss"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// trainDiscriminator runs cfg.discSteps of Adam on the discriminator loss, with the inputs as real images and the
// reconstructions as fake ones. It returns the discriminator loss of the last step.
//
// Only the discriminator has trainable variables: the perceptual network is frozen and the gains are constant.
func (r *runner) trainDiscriminator(w io.Writer) (lastLoss float64, err error) {
	optimizer := optimizers.Adam().Done()
	exec, err := context.NewExec(r.backend, r.ctx, func(ctx *context.Context, inputs, reconstructions *Node) *Node {
		g := inputs.Graph()
		ctx.SetTraining(g, true)
		loss, _ := r.loss.DiscriminatorStep(ctx, r.discriminatorInputs(ctx, inputs, reconstructions))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	if err != nil {
		return 0, errors.WithMessage(err, "building the discriminator training step")
	}

	bar := progressbar.NewOptions(r.cfg.discSteps,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Discriminator"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	for step := range r.cfg.discSteps {
		var loss *tensors.Tensor
		loss, err = exec.Exec1(r.inputs, r.reconstructions)
		if err != nil {
			return 0, errors.WithMessagef(err, "discriminator training step %d", step)
		}
		err = exceptions.TryCatch[error](func() { lastLoss = float64(tensors.ToScalar[float32](loss)) })
		if err != nil {
			return 0, err
		}
		bar.Describe(fmt.Sprintf("Discriminator loss=%.4g", lastLoss))
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	_, _ = fmt.Fprintln(w)
	if lastLoss == 0 {
		klog.Warningf("discriminator loss is 0: is -step=%d before %q?", r.cfg.step, vaeloss.ParamDiscStart)
	}
	return lastLoss, nil
}
