// Package scaler standardizes feature matrices to zero mean and unit
// variance per dimension. A scaler is fit once on the training split and
// reused, never refit, on every other split.
package scaler

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ErrNotFitted is returned when Transform is called before Fit; using an
// unfit scaler is a caller contract violation, not a recoverable row
// failure.
var ErrNotFitted = errors.New("scaler: transform called before fit")

// State is the serializable snapshot of a fitted scaler, carried inside
// model checkpoints so inference runs reuse the training-set statistics.
type State struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

type Standard struct {
	mean   []float64
	std    []float64
	fitted bool
}

func New() *Standard {
	return &Standard{}
}

// FromState restores a fitted scaler from a checkpoint snapshot.
func FromState(s State) (*Standard, error) {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return nil, fmt.Errorf("scaler: invalid state: %d means, %d stds", len(s.Mean), len(s.Std))
	}
	mean := make([]float64, len(s.Mean))
	std := make([]float64, len(s.Std))
	copy(mean, s.Mean)
	copy(std, s.Std)
	return &Standard{mean: mean, std: std, fitted: true}, nil
}

// Fit computes per-dimension mean and population standard deviation from
// the given feature matrix.
func (s *Standard) Fit(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("scaler: fit on empty matrix")
	}
	dims := len(features[0])
	if dims == 0 {
		return errors.New("scaler: fit on zero-width matrix")
	}
	for i, row := range features {
		if len(row) != dims {
			return fmt.Errorf("scaler: row %d has %d dims, expected %d", i, len(row), dims)
		}
	}

	s.mean = make([]float64, dims)
	s.std = make([]float64, dims)
	column := make([]float64, len(features))
	for d := 0; d < dims; d++ {
		for i, row := range features {
			column[i] = row[d]
		}
		s.mean[d] = stat.Mean(column, nil)
		std := stat.PopStdDev(column, nil)
		if std == 0 {
			// Constant dimensions pass through centered but unscaled.
			std = 1
		}
		s.std[d] = std
	}
	s.fitted = true
	return nil
}

// Transform applies the fitted statistics, returning a new matrix.
func (s *Standard) Transform(features [][]float64) ([][]float64, error) {
	if !s.fitted {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(features))
	for i, row := range features {
		if len(row) != len(s.mean) {
			return nil, fmt.Errorf("scaler: row %d has %d dims, expected %d", i, len(row), len(s.mean))
		}
		scaled := make([]float64, len(row))
		for d, v := range row {
			scaled[d] = (v - s.mean[d]) / s.std[d]
		}
		out[i] = scaled
	}
	return out, nil
}

// FitTransform fits on the matrix and returns its standardized form.
func (s *Standard) FitTransform(features [][]float64) ([][]float64, error) {
	if err := s.Fit(features); err != nil {
		return nil, err
	}
	return s.Transform(features)
}

func (s *Standard) Fitted() bool {
	return s.fitted
}

// State snapshots the fitted statistics for checkpointing.
func (s *Standard) State() (State, error) {
	if !s.fitted {
		return State{}, ErrNotFitted
	}
	mean := make([]float64, len(s.mean))
	std := make([]float64, len(s.std))
	copy(mean, s.mean)
	copy(std, s.std)
	return State{Mean: mean, Std: std}, nil
}
