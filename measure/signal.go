package measure

import (
	"fmt"

	"em-measure/internal/nd"
)

// SignalAxis describes one axis of an exported signal.
type SignalAxis struct {
	Scale  float64 `json:"scale"`
	Units  string  `json:"units"`
	Name   string  `json:"name"`
	Offset float64 `json:"offset"`
	Size   int     `json:"size"`
}

// Signal is the interchange form of a measurement: the array transposed so
// the base axes lead, plus a flat axis list. Lazy records whether the source
// array was a deferred computation before export materialized it.
type Signal struct {
	Axes []SignalAxis
	Data *nd.Array
	Lazy bool
}

// ToSignal exports a measurement for external signal-processing tools.
// Polar measurements have no counterpart there and are not supported.
func ToSignal(m Measurement) (*Signal, error) {
	if _, ok := m.(*PolarMeasurements); ok {
		return nil, fmt.Errorf("exporting polar measurements: %w", ErrUnsupported)
	}

	wasLazy := m.Lazy()
	dense, err := m.array().Compute()
	if err != nil {
		return nil, err
	}

	shape := m.Shape()
	numBase := m.NumBaseAxes()
	numExtra := len(shape) - numBase

	perm := make([]int, 0, len(shape))
	for d := numExtra; d < len(shape); d++ {
		perm = append(perm, d)
	}
	for d := 0; d < numExtra; d++ {
		perm = append(perm, d)
	}

	sigAxes := make([]SignalAxis, 0, len(shape))
	for i, ax := range m.BaseAxes() {
		sigAxes = append(sigAxes, SignalAxis{
			Scale:  ax.Sampling,
			Units:  ax.Units,
			Name:   ax.Label,
			Offset: ax.Offset,
			Size:   shape[numExtra+i],
		})
	}
	for i, ax := range m.ExtraAxes() {
		sigAxes = append(sigAxes, SignalAxis{
			Scale:  ax.Sampling,
			Units:  ax.Units,
			Name:   ax.Label,
			Offset: ax.Offset,
			Size:   shape[i],
		})
	}

	return &Signal{Axes: sigAxes, Data: dense.Transpose(perm), Lazy: wasLazy}, nil
}
