package measure

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"em-measure/internal/backend"
	"em-measure/internal/dataset"
	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// LineProfiles is a stack of 1-D profiles sampled along a real-space line
// segment from Start to End.
type LineProfiles struct {
	base
	start    [2]float64
	end      [2]float64
	sampling float64
}

// NewLineProfiles wraps a materialized array as line profiles. A zero end
// point is derived from the start, sampling and profile length.
func NewLineProfiles(data *nd.Array, start, end [2]float64, sampling float64, extra []axes.Axis, meta map[string]any) (*LineProfiles, error) {
	if end == start {
		shape := data.Shape()
		end = [2]float64{start[0] + float64(shape[len(shape)-1])*sampling, start[1]}
	}
	return newLineProfiles(dataset.FromDense(data), start, end, sampling, extra, meta, nil)
}

func newLineProfiles(data *dataset.Array, start, end [2]float64, sampling float64, extra []axes.Axis, meta map[string]any, be backend.Backend) (*LineProfiles, error) {
	b, err := newBase(data, 1, extra, meta, be)
	if err != nil {
		return nil, err
	}
	return &LineProfiles{base: b, start: start, end: end, sampling: sampling}, nil
}

func (m *LineProfiles) kindTag() string { return "line_profiles" }

func (m *LineProfiles) calibration() map[string]any {
	return map[string]any{"start": m.start, "end": m.end, "sampling": m.sampling}
}

func (m *LineProfiles) derive(data *dataset.Array, extra []axes.Axis) *LineProfiles {
	b, err := newBase(data, 1, extra, m.meta, m.be)
	if err != nil {
		panic(err)
	}
	return &LineProfiles{base: b, start: m.start, end: m.end, sampling: m.sampling}
}

// Start returns the first end point of the line segment.
func (m *LineProfiles) Start() [2]float64 { return m.start }

// End returns the second end point of the line segment.
func (m *LineProfiles) End() [2]float64 { return m.end }

// Sampling returns the distance between samples in Ångström.
func (m *LineProfiles) Sampling() float64 { return m.sampling }

// Extent returns the length covered by the profile.
func (m *LineProfiles) Extent() float64 {
	return m.sampling * float64(m.BaseShape()[0])
}

// BaseAxes implements Measurement.
func (m *LineProfiles) BaseAxes() []axes.Axis {
	return []axes.Axis{axes.NewRealSpace("x", m.sampling)}
}

// ProfileInterpolateOptions configures profile resampling. Kind selects the
// spline: "linear" or "cubic" (the default).
type ProfileInterpolateOptions struct {
	Sampling float64
	Gpts     int
	Kind     string
}

// Interpolate resamples the profiles onto a new grid over the same extent.
// The profile is treated as periodic: it is wrap-padded before fitting so
// the spline sees both neighborhoods of the seam.
func (m *LineProfiles) Interpolate(opts ProfileInterpolateOptions) (*LineProfiles, error) {
	gpts, newSampling, err := resolveProfileGrid(m.Extent(), opts)
	if err != nil {
		return nil, err
	}
	out, err := interpolateProfiles(m.data, gpts, opts.Kind)
	if err != nil {
		return nil, err
	}
	derived := m.derive(out, m.ExtraAxes())
	derived.sampling = newSampling
	return derived, nil
}

// Tile repeats the profiles end to end, extending the line segment.
func (m *LineProfiles) Tile(reps int) (*LineProfiles, error) {
	out, err := tileProfiles(m.data, reps)
	if err != nil {
		return nil, err
	}
	derived := m.derive(out, m.ExtraAxes())
	derived.end = [2]float64{
		m.start[0] + (m.end[0]-m.start[0])*float64(reps),
		m.start[1] + (m.end[1]-m.start[1])*float64(reps),
	}
	return derived, nil
}

// RadialFourierProfiles is a stack of 1-D profiles over a radial
// Fourier-space axis starting at zero scattering angle.
type RadialFourierProfiles struct {
	base
	sampling float64
}

// NewRadialFourierProfiles wraps a materialized array as radial profiles.
func NewRadialFourierProfiles(data *nd.Array, sampling float64, extra []axes.Axis, meta map[string]any) (*RadialFourierProfiles, error) {
	return newRadialFourierProfiles(dataset.FromDense(data), sampling, extra, meta, nil)
}

func newRadialFourierProfiles(data *dataset.Array, sampling float64, extra []axes.Axis, meta map[string]any, be backend.Backend) (*RadialFourierProfiles, error) {
	b, err := newBase(data, 1, extra, meta, be)
	if err != nil {
		return nil, err
	}
	return &RadialFourierProfiles{base: b, sampling: sampling}, nil
}

func (m *RadialFourierProfiles) kindTag() string { return "radial_fourier_profiles" }

func (m *RadialFourierProfiles) calibration() map[string]any {
	return map[string]any{"sampling": m.sampling}
}

func (m *RadialFourierProfiles) derive(data *dataset.Array, extra []axes.Axis) *RadialFourierProfiles {
	b, err := newBase(data, 1, extra, m.meta, m.be)
	if err != nil {
		panic(err)
	}
	return &RadialFourierProfiles{base: b, sampling: m.sampling}
}

// Sampling returns the radial step in mrad.
func (m *RadialFourierProfiles) Sampling() float64 { return m.sampling }

// Extent returns the angular range covered by the profile.
func (m *RadialFourierProfiles) Extent() float64 {
	return m.sampling * float64(m.BaseShape()[0])
}

// Start returns the line segment origin in angle space.
func (m *RadialFourierProfiles) Start() [2]float64 { return [2]float64{0, 0} }

// End returns the outer end of the radial segment.
func (m *RadialFourierProfiles) End() [2]float64 {
	return [2]float64{0, float64(m.BaseShape()[0]) * m.sampling}
}

// BaseAxes implements Measurement.
func (m *RadialFourierProfiles) BaseAxes() []axes.Axis {
	return []axes.Axis{axes.NewFourierSpace("Scattering angle", m.sampling)}
}

// Interpolate resamples the radial profiles onto a new grid.
func (m *RadialFourierProfiles) Interpolate(opts ProfileInterpolateOptions) (*RadialFourierProfiles, error) {
	gpts, newSampling, err := resolveProfileGrid(m.Extent(), opts)
	if err != nil {
		return nil, err
	}
	out, err := interpolateProfiles(m.data, gpts, opts.Kind)
	if err != nil {
		return nil, err
	}
	derived := m.derive(out, m.ExtraAxes())
	derived.sampling = newSampling
	return derived, nil
}

// Tile repeats the radial profiles end to end.
func (m *RadialFourierProfiles) Tile(reps int) (*RadialFourierProfiles, error) {
	out, err := tileProfiles(m.data, reps)
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

func resolveProfileGrid(extent float64, opts ProfileInterpolateOptions) (int, float64, error) {
	gpts := opts.Gpts
	switch {
	case gpts == 0 && opts.Sampling == 0:
		return 0, 0, &ValidationError{Op: "interpolate", Reason: "either sampling or gpts is required"}
	case gpts == 0:
		gpts = int(math.Ceil(extent / opts.Sampling))
	}
	if gpts < 1 {
		return 0, 0, &ValidationError{Op: "interpolate", Reason: "fewer than one sample"}
	}
	return gpts, extent / float64(gpts), nil
}

const profilePad = 5

// interpolateProfiles fits a spline through each wrap-padded profile and
// evaluates it on the new grid.
func interpolateProfiles(data *dataset.Array, gpts int, kind string) (*dataset.Array, error) {
	if kind == "" {
		kind = "cubic"
	}
	if kind != "linear" && kind != "cubic" {
		return nil, &ValidationError{Op: "interpolate", Reason: fmt.Sprintf("unknown interpolation kind %q", kind)}
	}
	if data.IsComplex() {
		return nil, &TypeError{Op: "interpolate", Want: "real profiles", Got: "complex profiles"}
	}

	return data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		shape := a.Shape()
		ndim := a.NumDims()
		n := shape[ndim-1]

		// Wrap-pad the profile and place the source samples on a fractional
		// grid so the new grid spans [0, 1) inside the padded range.
		padOffset := make([]int, ndim)
		padOffset[ndim-1] = -profilePad
		padSize := append(shape[:ndim-1:ndim-1], n+2*profilePad)
		padded := a.Region(padOffset, padSize, true)

		points := make([]float64, n+2*profilePad)
		for i := range points {
			points[i] = (float64(i) - profilePad) / float64(n)
		}
		newPoints := make([]float64, gpts)
		for j := range newPoints {
			newPoints[j] = float64(j) / float64(gpts)
		}

		outShape := append(shape[:ndim-1:ndim-1], gpts)
		out := nd.Zeros(outShape...)
		rows := padded.Size() / (n + 2*profilePad)
		for r := 0; r < rows; r++ {
			row := padded.Data()[r*(n+2*profilePad) : (r+1)*(n+2*profilePad)]

			var predictor interp.FittablePredictor
			if kind == "linear" {
				predictor = &interp.PiecewiseLinear{}
			} else {
				predictor = &interp.NaturalCubic{}
			}
			if err := predictor.Fit(points, row); err != nil {
				return nil, err
			}
			dst := out.Data()[r*gpts : (r+1)*gpts]
			for j, x := range newPoints {
				dst[j] = predictor.Predict(x)
			}
		}
		return out, nil
	}, 1, []int{gpts}, false)
}

func tileProfiles(data *dataset.Array, reps int) (*dataset.Array, error) {
	if reps < 1 {
		return nil, &ValidationError{Op: "tile", Reason: fmt.Sprintf("repetitions %d must be positive", reps)}
	}
	shape := data.Shape()
	n := shape[len(shape)-1]
	return data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		return a.Tile([]int{reps}), nil
	}, 1, []int{n * reps}, data.IsComplex())
}
