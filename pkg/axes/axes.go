// Package axes provides typed metadata descriptors for measurement array axes.
package axes

import (
	"fmt"
)

// Kind identifies the physical interpretation of an axis.
type Kind int

const (
	// RealSpace is a spatial axis sampled in Ångström.
	RealSpace Kind = iota
	// FourierSpace is a reciprocal-space axis, typically sampled in mrad.
	FourierSpace
	// Linear is a generic uniformly sampled axis.
	Linear
	// Ordinal is an unsampled axis enumerating repeats or ensemble members.
	Ordinal
)

var kindNames = map[Kind]string{
	RealSpace:    "realspace",
	FourierSpace: "fourierspace",
	Linear:       "linear",
	Ordinal:      "ordinal",
}

var kindsByName = map[string]Kind{
	"realspace":    RealSpace,
	"fourierspace": FourierSpace,
	"linear":       Linear,
	"ordinal":      Ordinal,
}

// String returns the serialized name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Axis describes a single array axis: its physical kind, label, sampling
// increment, units, offset of the first sample, and whether the final sample
// coincides with the end of the covered interval.
type Axis struct {
	Kind     Kind    `json:"kind"`
	Label    string  `json:"label"`
	Sampling float64 `json:"sampling"`
	Units    string  `json:"units"`
	Offset   float64 `json:"offset"`
	Endpoint bool    `json:"endpoint"`
}

// NewRealSpace returns a real-space axis sampled in Ångström.
func NewRealSpace(label string, sampling float64) Axis {
	return Axis{Kind: RealSpace, Label: label, Sampling: sampling, Units: "Å"}
}

// NewFourierSpace returns a reciprocal-space axis sampled in mrad.
func NewFourierSpace(label string, sampling float64) Axis {
	return Axis{Kind: FourierSpace, Label: label, Sampling: sampling, Units: "mrad"}
}

// NewLinear returns a generic uniformly sampled axis.
func NewLinear(label string, sampling float64, units string) Axis {
	return Axis{Kind: Linear, Label: label, Sampling: sampling, Units: units}
}

// NewOrdinal returns an axis that simply enumerates its entries.
func NewOrdinal(label string) Axis {
	return Axis{Kind: Ordinal, Label: label, Sampling: 1}
}

// NewScan returns a real-space axis describing scan positions starting at
// offset. Scan axes are how reduced diffraction data finds its way back to
// images and line profiles.
func NewScan(label string, sampling, offset float64, endpoint bool) Axis {
	return Axis{Kind: RealSpace, Label: label, Sampling: sampling, Units: "Å", Offset: offset, Endpoint: endpoint}
}

// IsScan reports whether the axis represents spatial scan positions.
func (a Axis) IsScan() bool {
	return a.Kind == RealSpace
}

// ToMap serializes the axis to a plain mapping with a "type" discriminator.
// The result round-trips losslessly through FromMap.
func (a Axis) ToMap() map[string]any {
	return map[string]any{
		"type":     a.Kind.String(),
		"label":    a.Label,
		"sampling": a.Sampling,
		"units":    a.Units,
		"offset":   a.Offset,
		"endpoint": a.Endpoint,
	}
}

// FromMap reconstructs an axis from its mapping form. Missing optional keys
// default to their zero values; an absent or unknown "type" is an error.
func FromMap(m map[string]any) (Axis, error) {
	name, ok := m["type"].(string)
	if !ok {
		return Axis{}, fmt.Errorf("axis mapping has no type discriminator")
	}
	kind, ok := kindsByName[name]
	if !ok {
		return Axis{}, fmt.Errorf("unknown axis type %q", name)
	}

	a := Axis{Kind: kind}
	if v, ok := m["label"].(string); ok {
		a.Label = v
	}
	if v, ok := m["units"].(string); ok {
		a.Units = v
	}
	if v, ok := toFloat(m["sampling"]); ok {
		a.Sampling = v
	}
	if v, ok := toFloat(m["offset"]); ok {
		a.Offset = v
	}
	if v, ok := m["endpoint"].(bool); ok {
		a.Endpoint = v
	}
	return a, nil
}

// toFloat accepts the numeric types that JSON and HDF5 attribute decoding
// produce.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
