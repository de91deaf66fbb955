// Package vision prepares images for the encoders: decode, resize and
// normalize into CHW float32 tensors.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"

	"github.com/pdevine/tensor"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/portrayml/portray/nn"
)

// Normalization presets. CLIP values match the openai/clip-vit releases.
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}

	// Diffusion autoencoders expect inputs scaled to [-1, 1].
	CenterMean = [3]float32{0.5, 0.5, 0.5}
	CenterStd  = [3]float32{0.5, 0.5, 0.5}
)

// Options controls how an image is turned into a model input.
type Options struct {
	// Size is the target side length in pixels. Images are resized to
	// Size x Size without preserving aspect ratio.
	Size int

	Mean [3]float32
	Std  [3]float32
}

// ClipOptions returns preprocessing options for a CLIP vision tower.
func ClipOptions(size int) Options {
	return Options{Size: size, Mean: ClipMean, Std: ClipStd}
}

// AutoencoderOptions returns preprocessing options for the image
// autoencoder, scaling pixels to [-1, 1].
func AutoencoderOptions(size int) Options {
	return Options{Size: size, Mean: CenterMean, Std: CenterStd}
}

// Decode parses an encoded image. JPEG, PNG and WebP are supported.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vision: decode image: %w", err)
	}
	return img, nil
}

// Preprocess resizes and normalizes an image into a (1, 3, S, S) tensor
// in CHW layout.
func Preprocess(img image.Image, opts Options) (*tensor.Dense, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("vision: invalid target size %d", opts.Size)
	}
	for c := 0; c < 3; c++ {
		if opts.Std[c] == 0 {
			return nil, fmt.Errorf("vision: zero std for channel %d", c)
		}
	}

	rgba := resizeRGBA(img, opts.Size)

	size := opts.Size * opts.Size
	data := make([]float32, 3*size)
	idx := 0
	for y := 0; y < opts.Size; y++ {
		for x := 0; x < opts.Size; x++ {
			o := rgba.PixOffset(x, y)
			data[idx] = (float32(rgba.Pix[o])/255 - opts.Mean[0]) / opts.Std[0]
			data[size+idx] = (float32(rgba.Pix[o+1])/255 - opts.Mean[1]) / opts.Std[1]
			data[2*size+idx] = (float32(rgba.Pix[o+2])/255 - opts.Mean[2]) / opts.Std[2]
			idx++
		}
	}

	return nn.FromSlice(data, 1, 3, opts.Size, opts.Size)
}

// PreprocessBatch preprocesses images concurrently and stacks the
// results into a (B, 3, S, S) tensor, preserving input order.
func PreprocessBatch(ctx context.Context, imgs []image.Image, opts Options) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("vision: empty batch")
	}

	results := make([][]float32, len(imgs))
	g, _ := errgroup.WithContext(ctx)
	for i, img := range imgs {
		g.Go(func() error {
			t, err := Preprocess(img, opts)
			if err != nil {
				return fmt.Errorf("vision: image %d: %w", i, err)
			}
			results[i] = nn.Floats(t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	per := 3 * opts.Size * opts.Size
	data := make([]float32, 0, len(imgs)*per)
	for _, r := range results {
		data = append(data, r...)
	}
	return nn.FromSlice(data, len(imgs), 3, opts.Size, opts.Size)
}

// ZeroPixels returns an all-zero (B, 3, S, S) tensor. Encoding it yields
// the unconditional image embedding used for guidance.
func ZeroPixels(batch, size int) (*tensor.Dense, error) {
	if batch <= 0 || size <= 0 {
		return nil, fmt.Errorf("vision: invalid zero tensor shape (%d, 3, %d, %d)", batch, size, size)
	}
	return nn.FromSlice(make([]float32, batch*3*size*size), batch, 3, size, size)
}

// resizeRGBA scales img to side x side using Catmull-Rom resampling.
func resizeRGBA(img image.Image, side int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
