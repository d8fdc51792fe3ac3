package measure

import (
	"fmt"
	"math"

	"em-measure/internal/backend"
	"em-measure/internal/dataset"
	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// Images is a stack of real-space images with two base axes and a sampling
// in Ångström per pixel along each.
type Images struct {
	base
	sampling [2]float64
}

// NewImages wraps a materialized array as images.
func NewImages(data *nd.Array, sampling [2]float64, extra []axes.Axis, meta map[string]any) (*Images, error) {
	return newImages(dataset.FromDense(data), sampling, extra, meta, nil)
}

// NewLazyImages wraps an eager or lazy array container as images.
func NewLazyImages(data *dataset.Array, sampling [2]float64, extra []axes.Axis, meta map[string]any) (*Images, error) {
	return newImages(data, sampling, extra, meta, nil)
}

func newImages(data *dataset.Array, sampling [2]float64, extra []axes.Axis, meta map[string]any, be backend.Backend) (*Images, error) {
	b, err := newBase(data, 2, extra, meta, be)
	if err != nil {
		return nil, err
	}
	return &Images{base: b, sampling: sampling}, nil
}

func (m *Images) kindTag() string { return "images" }

func (m *Images) calibration() map[string]any {
	return map[string]any{"sampling": m.sampling}
}

func (m *Images) derive(data *dataset.Array, extra []axes.Axis) *Images {
	b, err := newBase(data, 2, extra, m.meta, m.be)
	if err != nil {
		panic(err)
	}
	return &Images{base: b, sampling: m.sampling}
}

// Sampling returns the pixel size along each base axis in Ångström.
func (m *Images) Sampling() [2]float64 { return m.sampling }

// Extent returns the field of view in Ångström.
func (m *Images) Extent() [2]float64 {
	bs := m.BaseShape()
	return [2]float64{m.sampling[0] * float64(bs[0]), m.sampling[1] * float64(bs[1])}
}

// BaseAxes implements Measurement.
func (m *Images) BaseAxes() []axes.Axis {
	return []axes.Axis{
		axes.NewRealSpace("x", m.sampling[0]),
		axes.NewRealSpace("y", m.sampling[1]),
	}
}

// Coordinates returns the sample positions along each base axis.
func (m *Images) Coordinates() ([]float64, []float64) {
	bs := m.BaseShape()
	ext := m.Extent()
	return linspace(0, ext[0], bs[0]), linspace(0, ext[1], bs[1])
}

// Crop keeps the corner region covering the given extent, rounded to the
// nearest whole pixel count along each axis.
func (m *Images) Crop(extent [2]float64) (*Images, error) {
	bs := m.BaseShape()
	ext := m.Extent()
	var gpts [2]int
	for i := 0; i < 2; i++ {
		gpts[i] = int(math.Round(float64(bs[i]) * extent[i] / ext[i]))
		if gpts[i] < 1 || gpts[i] > bs[i] {
			return nil, &ValidationError{Op: "crop", Reason: fmt.Sprintf("extent %v does not fit inside %v", extent, ext)}
		}
	}

	shape := m.Shape()
	outShape := append(shape[:len(shape)-2:len(shape)-2], gpts[0], gpts[1])
	out, err := m.data.Defer(outShape, m.data.IsComplex(), func(a *nd.Array) (*nd.Array, error) {
		nd2 := a.NumDims()
		return a.SliceAxis(nd2-2, 0, gpts[0]).SliceAxis(nd2-1, 0, gpts[1]), nil
	})
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

// InterpolateOptions configures Images.Interpolate. Exactly one of Sampling
// or Gpts selects the target grid.
type InterpolateOptions struct {
	Sampling [2]float64 // target pixel size [Å]
	Gpts     [2]int     // target pixel count
	Method   string     // only "fft"
	Boundary string     // only "periodic"
}

// DefaultInterpolateOptions returns the Fourier-space defaults.
func DefaultInterpolateOptions() InterpolateOptions {
	return InterpolateOptions{Method: "fft", Boundary: "periodic"}
}

// Interpolate resamples the images onto a new grid covering the same extent
// by cropping or zero-padding in the frequency domain. Values are preserved.
func (m *Images) Interpolate(opts InterpolateOptions) (*Images, error) {
	if opts.Method == "" {
		opts.Method = "fft"
	}
	if opts.Boundary == "" {
		opts.Boundary = "periodic"
	}
	if opts.Method != "fft" {
		return nil, &ValidationError{Op: "interpolate", Reason: fmt.Sprintf("unknown method %q", opts.Method)}
	}
	if opts.Boundary != "periodic" {
		return nil, &ValidationError{Op: "interpolate", Reason: "fft interpolation requires periodic boundary"}
	}

	ext := m.Extent()
	gpts := opts.Gpts
	switch {
	case gpts == [2]int{} && opts.Sampling == [2]float64{}:
		return nil, &ValidationError{Op: "interpolate", Reason: "either sampling or gpts is required"}
	case gpts == [2]int{}:
		gpts = [2]int{
			int(math.Ceil(ext[0] / opts.Sampling[0])),
			int(math.Ceil(ext[1] / opts.Sampling[1])),
		}
	}
	newSampling := [2]float64{ext[0] / float64(gpts[0]), ext[1] / float64(gpts[1])}

	shape := m.Shape()
	outShape := append(shape[:len(shape)-2:len(shape)-2], gpts[0], gpts[1])
	out, err := m.data.Defer(outShape, m.data.IsComplex(), func(a *nd.Array) (*nd.Array, error) {
		return nd.FFT2Interpolate(a, gpts), nil
	})
	if err != nil {
		return nil, err
	}
	derived := m.derive(out, m.ExtraAxes())
	derived.sampling = newSampling
	return derived, nil
}

// LineOptions configures Images.InterpolateLine. The line runs from Start to
// End; without End it runs from Start at the given angle (radians) for
// Gpts*Sampling Ångström. Margin extends both ends, Width averages parallel
// lines across the given breadth. Method picks the sampling kernel,
// "spline" (the default) or "bilinear".
type LineOptions struct {
	Start    [2]float64
	End      *[2]float64
	Angle    float64
	Gpts     int
	Sampling float64
	Width    float64
	Margin   float64
	Method   string
}

// InterpolateLine samples the images along a line, producing line profiles.
// The field is treated as periodic.
func (m *Images) InterpolateLine(opts LineOptions) (*LineProfiles, error) {
	if m.data.IsComplex() {
		return nil, &TypeError{Op: "interpolate line", Want: "real images", Got: "complex images"}
	}
	method := opts.Method
	if method == "" {
		method = "spline"
	}
	if method != "spline" && method != "bilinear" {
		return nil, &ValidationError{Op: "interpolate line", Reason: fmt.Sprintf("unknown method %q", opts.Method)}
	}
	sampling := opts.Sampling
	if sampling == 0 && opts.Gpts == 0 {
		sampling = math.Min(m.sampling[0], m.sampling[1])
	}

	var direction, start, end [2]float64
	start = opts.Start
	if opts.End != nil {
		end = *opts.End
		length := math.Hypot(end[0]-start[0], end[1]-start[1])
		if length == 0 {
			return nil, &ValidationError{Op: "interpolate line", Reason: "start and end coincide"}
		}
		direction = [2]float64{(end[0] - start[0]) / length, (end[1] - start[1]) / length}
	} else {
		if opts.Gpts == 0 || opts.Sampling == 0 {
			return nil, &ValidationError{Op: "interpolate line", Reason: "a line given by angle needs gpts and sampling"}
		}
		direction = [2]float64{math.Cos(opts.Angle), math.Sin(opts.Angle)}
		length := float64(opts.Gpts) * opts.Sampling
		end = [2]float64{start[0] + direction[0]*length, start[1] + direction[1]*length}
	}

	start = [2]float64{start[0] - direction[0]*opts.Margin, start[1] - direction[1]*opts.Margin}
	end = [2]float64{end[0] + direction[0]*opts.Margin, end[1] + direction[1]*opts.Margin}
	extent := math.Hypot(end[0]-start[0], end[1]-start[1])

	gpts := opts.Gpts
	if gpts == 0 {
		gpts = int(math.Ceil(extent / sampling))
	}
	if gpts < 1 {
		return nil, &ValidationError{Op: "interpolate line", Reason: "line shorter than one sample"}
	}
	sampling = extent / float64(gpts)

	// Parallel lines across the width, averaged into the profile.
	lines := 1
	if opts.Width > 0 {
		lines = int(math.Round(opts.Width/math.Min(m.sampling[0], m.sampling[1]))) + 1
		if lines < 2 {
			lines = 2
		}
	}
	normal := [2]float64{-direction[1], direction[0]}

	coords := make([][2]float64, 0, lines*gpts)
	for l := 0; l < lines; l++ {
		offset := 0.0
		if lines > 1 {
			offset = -opts.Width/2 + opts.Width*float64(l)/float64(lines-1)
		}
		for k := 0; k < gpts; k++ {
			t := float64(k) * sampling
			x := start[0] + direction[0]*t + normal[0]*offset
			y := start[1] + direction[1]*t + normal[1]*offset
			coords = append(coords, [2]float64{x / m.sampling[0], y / m.sampling[1]})
		}
	}

	be := m.be
	sample := be.SampleSpline
	if method == "bilinear" {
		sample = be.SampleBilinear
	}
	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		sampled := sample(a, coords)
		if lines == 1 {
			return sampled, nil
		}
		shape := sampled.Shape()
		grouped := sampled.Reshape(append(shape[:len(shape)-1:len(shape)-1], lines, gpts)...)
		avg := grouped.Reduce(nd.ReduceMean, []int{grouped.NumDims() - 2})
		return avg, nil
	}, 2, []int{gpts}, false)
	if err != nil {
		return nil, err
	}

	return newLineProfiles(out, start, end, sampling, m.ExtraAxes(), m.meta, m.be)
}

// GaussianFilter blurs the images with a Gaussian of the given standard
// deviation in Ångström per axis. Only the periodic boundary is supported.
func (m *Images) GaussianFilter(sigma [2]float64, boundary string) (*Images, error) {
	if boundary == "" {
		boundary = "periodic"
	}
	if boundary != "periodic" {
		return nil, &ValidationError{Op: "gaussian filter", Reason: fmt.Sprintf("unknown boundary %q", boundary)}
	}
	if m.data.IsComplex() {
		return nil, &TypeError{Op: "gaussian filter", Want: "real images", Got: "complex images"}
	}

	sigmaPx := []float64{sigma[0] / m.sampling[0], sigma[1] / m.sampling[1]}
	halo := int(math.Ceil(4 * math.Max(sigmaPx[0], sigmaPx[1])))

	shape := m.Shape()
	depth := make([]int, len(shape))
	depth[len(depth)-2] = halo
	depth[len(depth)-1] = halo

	be := m.be
	out, err := m.data.MapOverlap(func(a *nd.Array) (*nd.Array, error) {
		return be.GaussianFilter(a, sigmaPx), nil
	}, depth)
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

// Diffractograms returns the magnitude of the Fourier transform of each
// image, zero frequency centered. The patterns carry a Fourier-space
// sampling of one over the extent and no energy calibration.
func (m *Images) Diffractograms() (*DiffractionPatterns, error) {
	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		return nd.FFT2(a).Abs().FFTShift2(), nil
	}, 0, nil, false)
	if err != nil {
		return nil, err
	}
	ext := m.Extent()
	sampling := [2]float64{1 / ext[0], 1 / ext[1]}
	return newDiffractionPatterns(out, sampling, 0, true, m.ExtraAxes(), m.meta, m.be)
}

// Tile repeats the images the given number of times along each base axis.
func (m *Images) Tile(reps [2]int) (*Images, error) {
	if reps[0] < 1 || reps[1] < 1 {
		return nil, &ValidationError{Op: "tile", Reason: fmt.Sprintf("repetitions %v must be positive", reps)}
	}
	shape := m.Shape()
	outShape := append(shape[:len(shape)-2:len(shape)-2], shape[len(shape)-2]*reps[0], shape[len(shape)-1]*reps[1])
	out, err := m.data.Defer(outShape, m.data.IsComplex(), func(a *nd.Array) (*nd.Array, error) {
		return a.Tile([]int{reps[0], reps[1]}), nil
	})
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

// Angle returns the elementwise argument of complex images.
func (m *Images) Angle() (*Images, error) {
	return m.complexElementwise("angle", func(a *nd.Array) *nd.Array { return a.Angle() })
}

// Abs returns the elementwise magnitude of complex images.
func (m *Images) Abs() (*Images, error) {
	return m.complexElementwise("abs", func(a *nd.Array) *nd.Array { return a.Abs() })
}

// Intensity returns the elementwise squared magnitude of complex images.
func (m *Images) Intensity() (*Images, error) {
	return m.complexElementwise("intensity", func(a *nd.Array) *nd.Array { return a.Abs2() })
}

func (m *Images) complexElementwise(op string, f func(*nd.Array) *nd.Array) (*Images, error) {
	if !m.data.IsComplex() {
		return nil, &TypeError{Op: op, Want: "complex images", Got: "real images"}
	}
	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		return f(a), nil
	}, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

// linspace returns n evenly spaced values from start to stop inclusive.
func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}
