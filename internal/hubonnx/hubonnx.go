// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hubonnx downloads ONNX models from the HuggingFace Hub and loads their weights into a context,
// frozen, to be used as fixed feature extractors by the losses.
package hubonnx

import (
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvAuthToken is the environment variable from where the HuggingFace token is read by DefaultOptions.
const EnvAuthToken = "HF_TOKEN"

// Options for Download and Load.
type Options struct {
	// AuthToken for gated or private repositories. Empty for public ones.
	AuthToken string

	// ProgressBar shows the progress of the downloads.
	ProgressBar bool

	// ExtraFiles are downloaded along with the model, e.g. external data files ("onnx/model.onnx_data")
	// that the ONNX model references by a relative path.
	ExtraFiles []string
}

// DefaultOptions reads the authentication token from $HF_TOKEN and enables the progress bar.
func DefaultOptions() Options {
	return Options{
		AuthToken:   os.Getenv(EnvAuthToken),
		ProgressBar: true,
	}
}

// Download fetches the file (and opts.ExtraFiles) from the HuggingFace repository repoID into the
// local cache, and returns the local path to file.
func Download(repoID, file string, opts Options) (string, error) {
	repo := hub.New(repoID).WithProgressBar(opts.ProgressBar)
	if opts.AuthToken != "" {
		repo = repo.WithAuth(opts.AuthToken)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of HuggingFace repository %q", repoID)
	}
	for _, extra := range opts.ExtraFiles {
		if _, err := repo.DownloadFile(extra); err != nil {
			return "", errors.WithMessagef(err, "failed to download %q from %q", extra, repoID)
		}
	}
	path, err := repo.DownloadFile(file)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from %q", file, repoID)
	}
	klog.V(1).Infof("hubonnx: %s/%s cached in %s", repoID, file, path)
	return path, nil
}

// Load downloads the ONNX model and loads it with LoadFile.
func Load(ctx *context.Context, repoID, file string, opts Options) (*onnx.Model, error) {
	path, err := Download(repoID, file, opts)
	if err != nil {
		return nil, err
	}
	return LoadFile(ctx, path)
}

// LoadFile reads the ONNX model in path, converts its weights to variables in ctx and freezes them.
//
// The same ctx (same scope) must be later passed to Model.CallGraph.
func LoadFile(ctx *context.Context, path string) (*onnx.Model, error) {
	model, err := onnx.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model from %q", path)
	}
	if err = model.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to load variables of ONNX model %q", path)
	}
	numFrozen := Freeze(ctx)
	inputNames, _ := model.Inputs()
	outputNames, _ := model.Outputs()
	klog.V(1).Infof("hubonnx: loaded %q with inputs %v, outputs %v, %d frozen variables in scope %q",
		path, inputNames, outputNames, numFrozen, ctx.Scope())
	return model, nil
}

// Freeze marks every variable in the current scope of ctx (and its sub-scopes) as not trainable,
// and returns the number of variables affected.
func Freeze(ctx *context.Context) int {
	var count int
	for v := range ctx.IterVariablesInScope() {
		if v.Trainable {
			v.SetTrainable(false)
			count++
		}
	}
	return count
}
