package vision

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/portrayml/portray/nn"
)

func solidImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestPreprocessShape(t *testing.T) {
	img := solidImage(17, 33, color.RGBA{R: 255, A: 255})
	got, err := Preprocess(img, ClipOptions(8))
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 3, 8, 8}
	shape := got.Shape()
	if len(shape) != len(want) {
		t.Fatalf("shape = %v, want %v", shape, want)
	}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("shape = %v, want %v", shape, want)
		}
	}
}

func TestPreprocessNormalization(t *testing.T) {
	// A solid gray image maps every pixel of channel c to
	// (v/255 - mean[c]) / std[c], regardless of position.
	img := solidImage(4, 4, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	opts := ClipOptions(4)
	got, err := Preprocess(img, opts)
	if err != nil {
		t.Fatal(err)
	}

	data := nn.Floats(got)
	size := opts.Size * opts.Size
	for c := 0; c < 3; c++ {
		want := (float32(128)/255 - opts.Mean[c]) / opts.Std[c]
		for i := 0; i < size; i++ {
			v := data[c*size+i]
			if math.Abs(float64(v-want)) > 1e-5 {
				t.Fatalf("channel %d pixel %d = %f, want %f", c, i, v, want)
			}
		}
	}
}

func TestPreprocessCenterScaling(t *testing.T) {
	black := solidImage(4, 4, color.RGBA{A: 255})
	white := solidImage(4, 4, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	lo, err := Preprocess(black, AutoencoderOptions(4))
	if err != nil {
		t.Fatal(err)
	}
	hi, err := Preprocess(white, AutoencoderOptions(4))
	if err != nil {
		t.Fatal(err)
	}

	if v := nn.Floats(lo)[0]; v != -1 {
		t.Errorf("black pixel = %f, want -1", v)
	}
	if v := nn.Floats(hi)[0]; v != 1 {
		t.Errorf("white pixel = %f, want 1", v)
	}
}

func TestPreprocessRejectsBadOptions(t *testing.T) {
	img := solidImage(4, 4, color.RGBA{A: 255})
	if _, err := Preprocess(img, Options{Size: 0, Std: [3]float32{1, 1, 1}}); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := Preprocess(img, Options{Size: 4}); err == nil {
		t.Error("expected error for zero std")
	}
}

func TestPreprocessBatchOrder(t *testing.T) {
	imgs := []image.Image{
		solidImage(4, 4, color.RGBA{A: 255}),
		solidImage(4, 4, color.RGBA{R: 255, G: 255, B: 255, A: 255}),
	}
	got, err := PreprocessBatch(context.Background(), imgs, AutoencoderOptions(4))
	if err != nil {
		t.Fatal(err)
	}

	shape := got.Shape()
	if shape[0] != 2 {
		t.Fatalf("batch = %d, want 2", shape[0])
	}
	data := nn.Floats(got)
	per := 3 * 4 * 4
	if data[0] != -1 {
		t.Errorf("first image pixel = %f, want -1", data[0])
	}
	if data[per] != 1 {
		t.Errorf("second image pixel = %f, want 1", data[per])
	}
}

func TestZeroPixels(t *testing.T) {
	got, err := ZeroPixels(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range nn.Floats(got) {
		if v != 0 {
			t.Fatalf("pixel %d = %f, want 0", i, v)
		}
	}
	if _, err := ZeroPixels(0, 4); err == nil {
		t.Error("expected error for zero batch")
	}
}
