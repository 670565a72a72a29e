// Package denoise implements the edge-preserving smoothing applied to
// accepted tiles and to the averaged flat image.
package denoise

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Denoiser returns a smoothed copy of an image with the same shape. It must
// not modify its input and must be safe for concurrent use.
type Denoiser interface {
	Denoise(img *mat.Dense) *mat.Dense
}

// Bilateral is a bilateral filter: each pixel becomes a weighted mean of its
// neighborhood, weighted by spatial distance and by intensity difference.
// Borders are handled by clamping coordinates to the image.
type Bilateral struct {
	// SigmaSpatial is the standard deviation of the spatial Gaussian, in pixels
	SigmaSpatial float64

	// SigmaColor is the standard deviation of the range Gaussian. Zero uses
	// the standard deviation of each input image.
	SigmaColor float64

	// Workers splits rows across goroutines. Values below 2 run inline.
	Workers int

	radius  int
	spatial []float64
}

// NewBilateral precomputes the spatial kernel. The window is
// max(5, 2*ceil(3*sigmaSpatial)+1) pixels wide.
func NewBilateral(sigmaSpatial, sigmaColor float64, workers int) *Bilateral {
	if sigmaSpatial <= 0 {
		sigmaSpatial = 1
	}
	win := 2*int(math.Ceil(3*sigmaSpatial)) + 1
	if win < 5 {
		win = 5
	}
	radius := win / 2

	size := 2*radius + 1
	spatial := make([]float64, size*size)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			d2 := float64(dx*dx + dy*dy)
			spatial[(dy+radius)*size+(dx+radius)] = math.Exp(-d2 / (2 * sigmaSpatial * sigmaSpatial))
		}
	}

	return &Bilateral{
		SigmaSpatial: sigmaSpatial,
		SigmaColor:   sigmaColor,
		Workers:      workers,
		radius:       radius,
		spatial:      spatial,
	}
}

// Radius returns the half width of the filter window
func (b *Bilateral) Radius() int {
	return b.radius
}

// Denoise implements Denoiser
func (b *Bilateral) Denoise(img *mat.Dense) *mat.Dense {
	rows, cols := img.Dims()
	src := mat.DenseCopyOf(img)
	raw := src.RawMatrix()

	sigmaColor := b.SigmaColor
	if sigmaColor <= 0 {
		sigmaColor = math.Sqrt(stat.Moment(2, raw.Data, nil))
	}
	if sigmaColor <= 0 || math.IsNaN(sigmaColor) {
		// Uniform image, nothing to smooth
		return src
	}

	dst := mat.NewDense(rows, cols, nil)
	out := dst.RawMatrix()
	rangeScale := -1 / (2 * sigmaColor * sigmaColor)

	filterRows := func(y0, y1 int) {
		size := 2*b.radius + 1
		for y := y0; y < y1; y++ {
			for x := 0; x < cols; x++ {
				center := raw.Data[y*raw.Stride+x]
				var sum, norm float64
				for dy := -b.radius; dy <= b.radius; dy++ {
					yy := clamp(y+dy, rows)
					row := raw.Data[yy*raw.Stride:]
					kernel := b.spatial[(dy+b.radius)*size:]
					for dx := -b.radius; dx <= b.radius; dx++ {
						v := row[clamp(x+dx, cols)]
						diff := v - center
						w := kernel[dx+b.radius] * math.Exp(diff*diff*rangeScale)
						sum += w * v
						norm += w
					}
				}
				out.Data[y*out.Stride+x] = sum / norm
			}
		}
	}

	workers := b.Workers
	if workers > rows {
		workers = rows
	}
	if workers < 2 {
		filterRows(0, rows)
		return dst
	}

	var wg sync.WaitGroup
	rowsPerWorker := (rows + workers - 1) / workers
	for start := 0; start < rows; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			filterRows(y0, y1)
		}(start, end)
	}
	wg.Wait()

	return dst
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Identity returns copies of its input. Used when denoising is disabled.
type Identity struct{}

// Denoise implements Denoiser
func (Identity) Denoise(img *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(img)
}
