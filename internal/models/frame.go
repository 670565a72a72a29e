package models

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// DescriptorHeader lists the descriptor columns in the order they are
// serialized and fed to classifiers. The sample count comes last and is
// never part of the feature vector.
var DescriptorHeader = []string{"mean", "min", "max", "cv", "variance", "std", "skewness", "kurtosis", "n"}

// FeatureCount is the length of the vector returned by Descriptor.Features
const FeatureCount = 8

// Descriptor summarizes the pixel distribution of one image
type Descriptor struct {
	Mean     float64
	Min      float64
	Max      float64
	CV       float64
	Variance float64
	Std      float64
	Skewness float64
	Kurtosis float64

	// N is the number of pixels the statistics were computed over
	N int
}

// Features returns the classifier input vector: every field except N.
func (d Descriptor) Features() []float64 {
	return []float64{d.Mean, d.Min, d.Max, d.CV, d.Variance, d.Std, d.Skewness, d.Kurtosis}
}

// Outcome tags what happened to one candidate image
type Outcome int

const (
	// Accepted images were classified flat and denoised
	Accepted Outcome = iota
	// Rejected images decoded fine but were classified not flat
	Rejected
	// Failed images could not be decoded or crashed the job
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// JobResult is produced exactly once per submitted job
type JobResult struct {
	// Path is the image the job was started with
	Path string

	// Outcome tells accepted, rejected and failed jobs apart
	Outcome Outcome

	// Image holds the denoised frame. Nil unless Outcome is Accepted.
	Image *mat.Dense

	// Err carries the failure reason when Outcome is Failed
	Err error

	// Elapsed is the wall-clock duration of the job, whatever the outcome
	Elapsed time.Duration
}

// HasImage reports whether the result carries a frame to accumulate
func (r JobResult) HasImage() bool {
	return r.Outcome == Accepted && r.Image != nil
}

// AccumulatorState is the mutable state of one flat-field run. It belongs
// to the controller goroutine and is never shared with workers.
type AccumulatorState struct {
	// Sum is the element-wise sum of all accepted frames. It is allocated
	// lazily from the shape of the first accepted frame.
	Sum *mat.Dense

	// FlatCount is the number of frames folded into Sum
	FlatCount int

	// NonFlatStreak counts recent non-accepted results, forgiven by one
	// for every accepted result
	NonFlatStreak int

	// LastElapsed is the duration of the most recently drained job
	LastElapsed time.Duration
}
