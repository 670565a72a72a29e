package denoise

import (
	"math"
	"testing"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/mat"
)

// createStepImage creates a size x size image with a vertical step edge in
// the middle and uniform noise of the given amplitude
func createStepImage(size int, noise float64) *mat.Dense {
	img := mat.NewDense(size, size, nil)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 0.0
			if x >= size/2 {
				v = 1.0
			}
			v += noise * (float64(fastrand.Uint32n(1000))/1000 - 0.5)
			img.Set(y, x, v)
		}
	}
	return img
}

// regionVariance computes the variance of pixel values in [x1,x2) x [y1,y2)
func regionVariance(m *mat.Dense, x1, x2, y1, y2 int) float64 {
	sum, count := 0.0, 0
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			sum += m.At(y, x)
			count++
		}
	}
	mean := sum / float64(count)
	variance := 0.0
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			diff := m.At(y, x) - mean
			variance += diff * diff
		}
	}
	return variance / float64(count)
}

func TestNewBilateralWindow(t *testing.T) {
	if r := NewBilateral(1, 0, 1).Radius(); r != 3 {
		t.Errorf("Expected radius 3 for sigma 1, got %d", r)
	}
	if r := NewBilateral(0.2, 0, 1).Radius(); r != 2 {
		t.Errorf("Expected minimum radius 2, got %d", r)
	}
	if r := NewBilateral(2.5, 0, 1).Radius(); r != 8 {
		t.Errorf("Expected radius 8 for sigma 2.5, got %d", r)
	}
}

func TestDenoiseUniformIsIdentity(t *testing.T) {
	img := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			img.Set(i, j, 4.0)
		}
	}

	for _, b := range []*Bilateral{NewBilateral(1, 0, 1), NewBilateral(1, 0.5, 1)} {
		out := b.Denoise(img)
		if !mat.EqualApprox(out, img, 1e-12) {
			t.Errorf("Uniform image changed by denoising: %v", mat.Formatted(out))
		}
	}
}

func TestDenoisePreservesEdgeAndReducesNoise(t *testing.T) {
	size := 32
	img := createStepImage(size, 0.1)
	orig := mat.DenseCopyOf(img)

	smoothed := NewBilateral(1, 0.1, 1).Denoise(img)

	if !mat.Equal(img, orig) {
		t.Fatal("Denoise modified its input")
	}
	rows, cols := smoothed.Dims()
	if rows != size || cols != size {
		t.Fatalf("Expected %dx%d output, got %dx%d", size, size, rows, cols)
	}

	edgeGradient, flatGradient := 0.0, 0.0
	for y := 0; y < size; y++ {
		edgeGradient += math.Abs(smoothed.At(y, size/2) - smoothed.At(y, size/2-1))
		flatGradient += math.Abs(smoothed.At(y, size/4) - smoothed.At(y, size/4-1))
	}
	if edgeGradient <= flatGradient*10 {
		t.Errorf("Edge not preserved: edge gradient %.3f, flat gradient %.3f", edgeGradient, flatGradient)
	}

	before := regionVariance(img, 0, size/4, 0, size) + regionVariance(img, 3*size/4, size, 0, size)
	after := regionVariance(smoothed, 0, size/4, 0, size) + regionVariance(smoothed, 3*size/4, size, 0, size)
	if after >= before/2 {
		t.Errorf("Noise not reduced: variance before %.6f, after %.6f", before, after)
	}
}

func TestDenoiseWorkersMatchInline(t *testing.T) {
	img := createStepImage(37, 0.2)
	inline := NewBilateral(1.5, 0, 1).Denoise(img)
	parallel := NewBilateral(1.5, 0, 4).Denoise(img)
	if !mat.Equal(inline, parallel) {
		t.Error("Row-parallel filtering differs from inline filtering")
	}
}

func TestIdentity(t *testing.T) {
	img := createStepImage(5, 0.1)
	out := Identity{}.Denoise(img)
	if !mat.Equal(out, img) {
		t.Error("Identity changed the image")
	}
	out.Set(0, 0, 42)
	if img.At(0, 0) == 42 {
		t.Error("Identity returned an alias of its input")
	}
}
