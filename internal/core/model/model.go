package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Incremental is a forecasting model updated one observation at a time.
// Forecast must not mutate state; Learn folds a single observation into the
// model in place. Implementations are not safe for concurrent use; callers
// serialize access per model instance.
type Incremental interface {
	// Forecast produces a one-step-ahead prediction for the feature vector.
	Forecast(features map[string]float64) float64

	// Learn updates the model with one (features, observed) pair.
	Learn(features map[string]float64, observed float64)

	// Clone returns an independent deep copy, used to bootstrap new
	// tenants from a shared template.
	Clone() Incremental

	// MarshalBinary / UnmarshalBinary serialize the full model state.
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// SGDRegressor is an online linear regressor trained by stochastic gradient
// descent on squared error. Weights materialize lazily per feature name, so
// categories added after bootstrap extend the model without reshaping it.
type SGDRegressor struct {
	Weights      map[string]float64 `json:"weights"`
	Bias         float64            `json:"bias"`
	LearningRate float64            `json:"learning_rate"`
	Steps        int64              `json:"steps"`
}

const defaultLearningRate = 0.01

// NewSGDRegressor returns an untrained regressor. A non-positive learning
// rate falls back to the default.
func NewSGDRegressor(learningRate float64) *SGDRegressor {
	if learningRate <= 0 {
		learningRate = defaultLearningRate
	}
	return &SGDRegressor{
		Weights:      make(map[string]float64),
		LearningRate: learningRate,
	}
}

// Forecast returns the linear combination of weights and features plus bias.
// Missing weights contribute zero, so a fresh model predicts its bias.
func (m *SGDRegressor) Forecast(features map[string]float64) float64 {
	pred := m.Bias
	for name, value := range features {
		pred += m.Weights[name] * value
	}
	return pred
}

// Learn performs one gradient step toward the observed value.
func (m *SGDRegressor) Learn(features map[string]float64, observed float64) {
	residual := m.Forecast(features) - observed
	for name, value := range features {
		m.Weights[name] -= m.LearningRate * residual * value
	}
	m.Bias -= m.LearningRate * residual
	m.Steps++
}

// Clone returns an independent copy of the model.
func (m *SGDRegressor) Clone() Incremental {
	weights := make(map[string]float64, len(m.Weights))
	for name, w := range m.Weights {
		weights[name] = w
	}
	return &SGDRegressor{
		Weights:      weights,
		Bias:         m.Bias,
		LearningRate: m.LearningRate,
		Steps:        m.Steps,
	}
}

// MarshalBinary serializes the model state.
func (m *SGDRegressor) MarshalBinary() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	return data, nil
}

// UnmarshalBinary restores the model state from a serialized blob.
func (m *SGDRegressor) UnmarshalBinary(data []byte) error {
	var decoded SGDRegressor
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("unmarshal model: %w", err)
	}
	if decoded.Weights == nil {
		decoded.Weights = make(map[string]float64)
	}
	if decoded.LearningRate <= 0 {
		decoded.LearningRate = defaultLearningRate
	}
	*m = decoded
	return nil
}

// LoadTemplate reads a serialized bootstrap model from disk. New tenants are
// cloned from this template on their first event.
func LoadTemplate(path string) (*SGDRegressor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model template %q: %w", path, err)
	}
	tmpl := &SGDRegressor{}
	if err := tmpl.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("load model template %q: %w", path, err)
	}
	return tmpl, nil
}
