// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"
	"image/color"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loadImages reads the images matching pattern, and resizes and crops them (centered) to size x size.
func loadImages(pattern string, size int) ([]image.Image, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images match %q", pattern)
	}
	imgs := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load image %q", path)
		}
		imgs = append(imgs, imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos))
	}
	klog.V(1).Infof("loaded %d images from %q", len(imgs), pattern)
	return imgs, nil
}

// syntheticImages generates numImages images with sinusoidal patterns of different frequencies and colors.
func syntheticImages(numImages, size int) ([]image.Image, error) {
	if numImages < 1 {
		return nil, errors.Errorf("number of images must be >= 1, got %d", numImages)
	}
	imgs := make([]image.Image, numImages)
	for ii := range numImages {
		img := imaging.New(size, size, color.Black)
		freq := 2 * math.Pi * float64(ii+1) / float64(size)
		for y := range size {
			for x := range size {
				v := math.Sin(freq*float64(x)) * math.Cos(freq*float64(y))
				img.SetNRGBA(x, y, color.NRGBA{
					R: toUint8(v),
					G: toUint8(-v),
					B: uint8(255 * (ii + 1) / (numImages + 1)),
					A: 255,
				})
			}
		}
		imgs[ii] = img
	}
	return imgs, nil
}

// toUint8 maps v from [-1, 1] to [0, 255].
func toUint8(v float64) uint8 {
	return uint8(math.Round(127.5 * (v + 1)))
}

// blurImages simulates reconstructions that lost the high frequencies.
func blurImages(imgs []image.Image, sigma float64) []image.Image {
	blurred := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		if sigma <= 0 {
			blurred[ii] = imaging.Clone(img)
			continue
		}
		blurred[ii] = imaging.Blur(img, sigma)
	}
	return blurred
}

// imagesToTensor converts the images to a float32 tensor shaped [batch, height, width, 3], with values in [0, 1].
func imagesToTensor(imgs []image.Image) *tensors.Tensor {
	return images.ToTensor(dtypes.Float32).Batch(imgs)
}

// modelImages converts images shaped [batch, height, width, channels] with values in [0, 1] to the layout and range
// used by the loss: [batch, channels, height, width] in [-1, 1].
func modelImages(x *Node) *Node {
	x = TransposeAllAxes(x, 0, 3, 1, 2)
	return AddScalar(MulScalar(x, 2), -1)
}
