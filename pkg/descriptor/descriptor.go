// Package descriptor computes the statistical summary used to decide whether
// a tile is evenly illuminated.
package descriptor

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"flatfield/internal/models"
)

// ErrEmpty is returned for images without pixels
var ErrEmpty = errors.New("descriptor of empty image")

// Compute summarizes all pixels of m.
//
// Variance and std use the unbiased (n-1) estimator. Skewness and kurtosis
// are the biased moment ratios, kurtosis in Fisher (excess) form, so a
// normal distribution scores 0. CV is std/mean and is +Inf or NaN for a zero
// mean, which classifiers are expected to reject.
func Compute(m mat.Matrix) (models.Descriptor, error) {
	return FromValues(pixels(m))
}

// FromValues summarizes a flat slice of pixel values
func FromValues(x []float64) (models.Descriptor, error) {
	n := len(x)
	if n == 0 {
		return models.Descriptor{}, ErrEmpty
	}

	mean, variance := stat.MeanVariance(x, nil)
	if n == 1 {
		variance = 0
	}
	std := math.Sqrt(variance)

	// Central moments divide by n, not n-1
	m2 := stat.Moment(2, x, nil)
	skewness, kurtosis := 0.0, -3.0
	if m2 > 0 {
		skewness = stat.Moment(3, x, nil) / math.Pow(m2, 1.5)
		kurtosis = stat.Moment(4, x, nil)/(m2*m2) - 3
	}

	return models.Descriptor{
		Mean:     mean,
		Min:      floats.Min(x),
		Max:      floats.Max(x),
		CV:       std / mean,
		Variance: variance,
		Std:      std,
		Skewness: skewness,
		Kurtosis: kurtosis,
		N:        n,
	}, nil
}

// pixels returns the matrix values in row-major order without copying when
// the matrix is a contiguous Dense
func pixels(m mat.Matrix) []float64 {
	rows, cols := m.Dims()
	if d, ok := m.(*mat.Dense); ok {
		raw := d.RawMatrix()
		if raw.Stride == cols {
			return raw.Data[:rows*cols]
		}
	}
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}
