package measure

import (
	"fmt"

	"em-measure/internal/backend"
	"em-measure/internal/dataset"
	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// PolarMeasurements holds detector readouts binned on a polar grid: a
// radial axis in mrad starting at RadialOffset and an azimuthal axis in
// radians starting at AzimuthalOffset.
type PolarMeasurements struct {
	base
	radialSampling    float64
	azimuthalSampling float64
	radialOffset      float64
	azimuthalOffset   float64
}

// NewPolarMeasurements wraps a materialized array as polar measurements.
func NewPolarMeasurements(data *nd.Array, radialSampling, azimuthalSampling, radialOffset, azimuthalOffset float64, extra []axes.Axis, meta map[string]any) (*PolarMeasurements, error) {
	return newPolarMeasurements(dataset.FromDense(data), radialSampling, azimuthalSampling, radialOffset, azimuthalOffset, extra, meta, nil)
}

func newPolarMeasurements(data *dataset.Array, radialSampling, azimuthalSampling, radialOffset, azimuthalOffset float64, extra []axes.Axis, meta map[string]any, be backend.Backend) (*PolarMeasurements, error) {
	b, err := newBase(data, 2, extra, meta, be)
	if err != nil {
		return nil, err
	}
	return &PolarMeasurements{
		base:              b,
		radialSampling:    radialSampling,
		azimuthalSampling: azimuthalSampling,
		radialOffset:      radialOffset,
		azimuthalOffset:   azimuthalOffset,
	}, nil
}

func (m *PolarMeasurements) kindTag() string { return "polar_measurements" }

func (m *PolarMeasurements) calibration() map[string]any {
	return map[string]any{
		"radial_sampling":    m.radialSampling,
		"azimuthal_sampling": m.azimuthalSampling,
		"radial_offset":      m.radialOffset,
		"azimuthal_offset":   m.azimuthalOffset,
	}
}

func (m *PolarMeasurements) derive(data *dataset.Array, extra []axes.Axis) *PolarMeasurements {
	b, err := newBase(data, 2, extra, m.meta, m.be)
	if err != nil {
		panic(err)
	}
	return &PolarMeasurements{
		base:              b,
		radialSampling:    m.radialSampling,
		azimuthalSampling: m.azimuthalSampling,
		radialOffset:      m.radialOffset,
		azimuthalOffset:   m.azimuthalOffset,
	}
}

// RadialSampling returns the width of a radial bin in mrad.
func (m *PolarMeasurements) RadialSampling() float64 { return m.radialSampling }

// AzimuthalSampling returns the width of an azimuthal bin in radians.
func (m *PolarMeasurements) AzimuthalSampling() float64 { return m.azimuthalSampling }

// RadialOffset returns the inner angle of the first radial bin in mrad.
func (m *PolarMeasurements) RadialOffset() float64 { return m.radialOffset }

// AzimuthalOffset returns the rotation of the first azimuthal bin in radians.
func (m *PolarMeasurements) AzimuthalOffset() float64 { return m.azimuthalOffset }

// OuterAngle returns the outer angle of the last radial bin in mrad.
func (m *PolarMeasurements) OuterAngle() float64 {
	return m.radialOffset + m.radialSampling*float64(m.BaseShape()[0])
}

// BaseAxes implements Measurement.
func (m *PolarMeasurements) BaseAxes() []axes.Axis {
	return []axes.Axis{
		axes.NewLinear("Radial scattering angle", m.radialSampling, "mrad"),
		axes.NewLinear("Azimuthal scattering angle", m.azimuthalSampling, "rad"),
	}
}

func (m *PolarMeasurements) checkRadialAngle(op string, angle float64) error {
	if angle < m.radialOffset || angle > m.OuterAngle() {
		return &RangeError{
			Op:     op,
			Reason: fmt.Sprintf("angle %g mrad outside the detector range [%g, %g] mrad", angle, m.radialOffset, m.OuterAngle()),
		}
	}
	return nil
}

// PolarIntegrationOptions selects the detector bins to integrate: an
// explicit region list, or radial and azimuthal limits. Nil limits keep the
// whole corresponding axis.
type PolarIntegrationOptions struct {
	RadialLimits    *[2]float64 // mrad
	AzimuthalLimits *[2]float64 // rad
	DetectorRegions []int       // flattened radial-major bin indices
}

// IntegrateRadial sums the bins between the inner and outer radial angles,
// producing images or line profiles over the scan axes.
func (m *PolarMeasurements) IntegrateRadial(inner, outer float64) (Measurement, error) {
	limits := [2]float64{inner, outer}
	return m.Integrate(PolarIntegrationOptions{RadialLimits: &limits})
}

// Integrate sums the selected detector bins for every scan position and
// routes the result to images or line profiles over the scan axes.
func (m *PolarMeasurements) Integrate(opts PolarIntegrationOptions) (Measurement, error) {
	bs := m.BaseShape()

	if opts.DetectorRegions != nil {
		nbins := bs[0] * bs[1]
		for _, region := range opts.DetectorRegions {
			if region < 0 || region >= nbins {
				return nil, &ValidationError{Op: "integrate", Reason: fmt.Sprintf("detector region %d outside the %d bins", region, nbins)}
			}
		}
		regions := append([]int(nil), opts.DetectorRegions...)
		out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
			gathered := a.GatherTrailing(regions, 2)
			return gathered.Reduce(nd.ReduceSum, []int{gathered.NumDims() - 1}), nil
		}, 2, nil, false)
		if err != nil {
			return nil, err
		}
		return routeScanGrid(out, m.ExtraAxes(), m.meta, m.be)
	}

	r0, r1 := 0, bs[0]
	if opts.RadialLimits != nil {
		for _, angle := range opts.RadialLimits {
			if err := m.checkRadialAngle("integrate", angle); err != nil {
				return nil, err
			}
		}
		r0 = int((opts.RadialLimits[0] - m.radialOffset) / m.radialSampling)
		r1 = int((opts.RadialLimits[1] - m.radialOffset) / m.radialSampling)
	}
	a0, a1 := 0, bs[1]
	if opts.AzimuthalLimits != nil {
		a0 = int((opts.AzimuthalLimits[0] - m.azimuthalOffset) / m.azimuthalSampling)
		a1 = int((opts.AzimuthalLimits[1] - m.azimuthalOffset) / m.azimuthalSampling)
		if a0 < 0 || a1 > bs[1] {
			return nil, &RangeError{Op: "integrate", Reason: fmt.Sprintf("azimuthal bins [%d, %d) outside the %d bins", a0, a1, bs[1])}
		}
	}
	if r0 >= r1 || a0 >= a1 {
		return nil, &RangeError{Op: "integrate", Reason: "integration limits select no bins"}
	}

	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		ndim := a.NumDims()
		sliced := a.SliceAxis(ndim-2, r0, r1).SliceAxis(ndim-1, a0, a1)
		return sliced.Reduce(nd.ReduceSum, []int{ndim - 2, ndim - 1}), nil
	}, 2, nil, false)
	if err != nil {
		return nil, err
	}
	return routeScanGrid(out, m.ExtraAxes(), m.meta, m.be)
}
