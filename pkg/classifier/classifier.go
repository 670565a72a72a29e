// Package classifier decides from a descriptor whether a tile is flat.
//
// Models are trained elsewhere and loaded read-only; a Classifier is shared
// by all workers of a run and must not be mutated once created.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"flatfield/internal/models"
)

// ErrFeatureCount is returned when a model or input does not have exactly
// models.FeatureCount features
var ErrFeatureCount = errors.New("wrong number of features")

// Classifier labels a feature vector as flat (true) or not flat
type Classifier interface {
	Predict(features []float64) bool
}

// Logistic is a binary logistic regression model with optional feature
// standardization, as exported from a scikit-learn style pipeline.
type Logistic struct {
	// Coefficients has one weight per feature
	Coefficients []float64 `yaml:"coefficients"`

	// Intercept is the bias term
	Intercept float64 `yaml:"intercept"`

	// ScalerMean and ScalerScale standardize features before weighting.
	// Both empty disables standardization.
	ScalerMean  []float64 `yaml:"scalerMean,omitempty"`
	ScalerScale []float64 `yaml:"scalerScale,omitempty"`

	// Threshold on the flat probability, 0.5 when unset
	Threshold float64 `yaml:"threshold,omitempty"`

	weights *mat.VecDense
}

// NewLogistic validates the model and prepares it for prediction
func NewLogistic(coefficients []float64, intercept float64) (*Logistic, error) {
	l := &Logistic{Coefficients: coefficients, Intercept: intercept}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadLogistic reads a YAML model file
func LoadLogistic(path string) (*Logistic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model file: %w", err)
	}
	l := &Logistic{}
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("error parsing model file: %w", err)
	}
	if err := l.init(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return l, nil
}

func (l *Logistic) init() error {
	if len(l.Coefficients) != models.FeatureCount {
		return fmt.Errorf("%d coefficients: %w", len(l.Coefficients), ErrFeatureCount)
	}
	scaled := len(l.ScalerMean) > 0 || len(l.ScalerScale) > 0
	if scaled && (len(l.ScalerMean) != models.FeatureCount || len(l.ScalerScale) != models.FeatureCount) {
		return fmt.Errorf("scaler of %d/%d values: %w", len(l.ScalerMean), len(l.ScalerScale), ErrFeatureCount)
	}
	for i, s := range l.ScalerScale {
		if s == 0 {
			return fmt.Errorf("scalerScale[%d] is zero", i)
		}
	}
	if l.Threshold == 0 {
		l.Threshold = 0.5
	}
	if l.Threshold <= 0 || l.Threshold >= 1 {
		return fmt.Errorf("threshold %g outside (0,1)", l.Threshold)
	}
	l.weights = mat.NewVecDense(len(l.Coefficients), append([]float64(nil), l.Coefficients...))
	return nil
}

// Score returns the probability that the features describe a flat tile.
// Non-finite features (e.g. CV of a black tile) score 0.
func (l *Logistic) Score(features []float64) (float64, error) {
	if len(features) != models.FeatureCount {
		return 0, fmt.Errorf("%d features: %w", len(features), ErrFeatureCount)
	}
	x := make([]float64, len(features))
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, nil
		}
		if len(l.ScalerMean) > 0 {
			v = (v - l.ScalerMean[i]) / l.ScalerScale[i]
		}
		x[i] = v
	}
	z := mat.Dot(l.weights, mat.NewVecDense(len(x), x)) + l.Intercept
	return 1 / (1 + math.Exp(-z)), nil
}

// Predict reports whether the flat probability reaches the threshold.
// Malformed input is never flat.
func (l *Logistic) Predict(features []float64) bool {
	p, err := l.Score(features)
	if err != nil {
		return false
	}
	return p >= l.Threshold
}

// MaxCV accepts tiles whose coefficient of variation is at most Limit. It
// serves runs that have no trained model.
type MaxCV struct {
	Limit float64
}

// cvIndex is the position of cv in the feature vector
const cvIndex = 3

// Predict implements Classifier
func (c MaxCV) Predict(features []float64) bool {
	if len(features) != models.FeatureCount {
		return false
	}
	cv := features[cvIndex]
	if math.IsNaN(cv) || math.IsInf(cv, 0) {
		return false
	}
	return cv >= 0 && cv <= c.Limit
}

// Load returns the logistic model at path, or a MaxCV classifier with the
// given limit when path is empty
func Load(path string, maxCV float64) (Classifier, error) {
	if path == "" {
		return MaxCV{Limit: maxCV}, nil
	}
	return LoadLogistic(path)
}
