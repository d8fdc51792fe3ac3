package measure

import (
	"fmt"
	"math"

	"em-measure/internal/backend"
	"em-measure/internal/dataset"
	"em-measure/internal/nd"
	"em-measure/internal/polar"
	"em-measure/pkg/axes"
)

// DiffractionPatterns is a stack of Fourier-space intensity patterns with a
// reciprocal sampling in 1/Å. An energy of zero means the acceleration
// energy, and with it any angular calibration, is undefined.
type DiffractionPatterns struct {
	base
	sampling   [2]float64
	energy     float64
	fftShifted bool
}

// NewDiffractionPatterns wraps a materialized array as diffraction patterns.
func NewDiffractionPatterns(data *nd.Array, sampling [2]float64, energy float64, fftShifted bool, extra []axes.Axis, meta map[string]any) (*DiffractionPatterns, error) {
	return newDiffractionPatterns(dataset.FromDense(data), sampling, energy, fftShifted, extra, meta, nil)
}

// NewLazyDiffractionPatterns wraps an eager or lazy array container.
func NewLazyDiffractionPatterns(data *dataset.Array, sampling [2]float64, energy float64, fftShifted bool, extra []axes.Axis, meta map[string]any) (*DiffractionPatterns, error) {
	return newDiffractionPatterns(data, sampling, energy, fftShifted, extra, meta, nil)
}

func newDiffractionPatterns(data *dataset.Array, sampling [2]float64, energy float64, fftShifted bool, extra []axes.Axis, meta map[string]any, be backend.Backend) (*DiffractionPatterns, error) {
	b, err := newBase(data, 2, extra, meta, be)
	if err != nil {
		return nil, err
	}
	return &DiffractionPatterns{base: b, sampling: sampling, energy: energy, fftShifted: fftShifted}, nil
}

func (m *DiffractionPatterns) kindTag() string { return "diffraction_patterns" }

func (m *DiffractionPatterns) calibration() map[string]any {
	return map[string]any{"sampling": m.sampling, "energy": m.energy, "fftshift": m.fftShifted}
}

func (m *DiffractionPatterns) derive(data *dataset.Array, extra []axes.Axis) *DiffractionPatterns {
	b, err := newBase(data, 2, extra, m.meta, m.be)
	if err != nil {
		panic(err)
	}
	return &DiffractionPatterns{base: b, sampling: m.sampling, energy: m.energy, fftShifted: m.fftShifted}
}

// Sampling returns the reciprocal-space pixel size in 1/Å.
func (m *DiffractionPatterns) Sampling() [2]float64 { return m.sampling }

// Energy returns the acceleration energy in eV, zero when undefined.
func (m *DiffractionPatterns) Energy() float64 { return m.energy }

// FFTShifted reports whether the zero frequency sits at the pattern center.
func (m *DiffractionPatterns) FFTShifted() bool { return m.fftShifted }

// AngularSampling returns the scattering-angle step per pixel in mrad. It
// requires a defined energy.
func (m *DiffractionPatterns) AngularSampling() ([2]float64, error) {
	if m.energy == 0 {
		return [2]float64{}, &ValidationError{Op: "angular sampling", Reason: "energy is not defined"}
	}
	w := EnergyToWavelength(m.energy)
	return [2]float64{m.sampling[0] * w * 1e3, m.sampling[1] * w * 1e3}, nil
}

// MaxAngles returns the largest resolvable scattering angle per axis.
func (m *DiffractionPatterns) MaxAngles() ([2]float64, error) {
	as, err := m.AngularSampling()
	if err != nil {
		return [2]float64{}, err
	}
	bs := m.BaseShape()
	return [2]float64{float64(bs[0]/2) * as[0], float64(bs[1]/2) * as[1]}, nil
}

// AngularExtent returns the [low, high] scattering angle per axis. Axes of
// odd length are symmetric around zero, even ones extend one step further on
// the negative side.
func (m *DiffractionPatterns) AngularExtent() ([2][2]float64, error) {
	as, err := m.AngularSampling()
	if err != nil {
		return [2][2]float64{}, err
	}
	bs := m.BaseShape()
	var out [2][2]float64
	for i := 0; i < 2; i++ {
		n := bs[i]
		if n%2 == 1 {
			out[i] = [2]float64{-float64((n-1)/2) * as[i], float64((n-1)/2) * as[i]}
		} else {
			out[i] = [2]float64{-float64(n/2) * as[i], float64(n/2-1) * as[i]}
		}
	}
	return out, nil
}

// EquivalentRealSpaceExtent returns the real-space field of view the
// reciprocal sampling corresponds to.
func (m *DiffractionPatterns) EquivalentRealSpaceExtent() [2]float64 {
	return [2]float64{1 / m.sampling[0], 1 / m.sampling[1]}
}

// EquivalentRealSpaceSampling returns the matching real-space pixel size.
func (m *DiffractionPatterns) EquivalentRealSpaceSampling() [2]float64 {
	bs := m.BaseShape()
	return [2]float64{1 / m.sampling[0] / float64(bs[0]), 1 / m.sampling[1] / float64(bs[1])}
}

// BaseAxes implements Measurement.
func (m *DiffractionPatterns) BaseAxes() []axes.Axis {
	sampling := m.sampling
	units := "1/Å"
	if as, err := m.AngularSampling(); err == nil {
		sampling = as
		units = "mrad"
	}
	return []axes.Axis{
		{Kind: axes.FourierSpace, Label: "x", Sampling: sampling[0], Units: units},
		{Kind: axes.FourierSpace, Label: "y", Sampling: sampling[1], Units: units},
	}
}

// angularGrid returns the scattering angle of each pixel along both axes,
// honoring the fftshift layout.
func (m *DiffractionPatterns) angularGrid() ([]float64, []float64, error) {
	as, err := m.AngularSampling()
	if err != nil {
		return nil, nil, err
	}
	bs := m.BaseShape()
	ax := make([]float64, bs[0])
	ay := make([]float64, bs[1])
	for i := range ax {
		ax[i] = float64(freqIndex(i, bs[0], m.fftShifted)) * as[0]
	}
	for j := range ay {
		ay[j] = float64(freqIndex(j, bs[1], m.fftShifted)) * as[1]
	}
	return ax, ay, nil
}

func freqIndex(i, n int, shifted bool) int {
	if shifted {
		return i - n/2
	}
	if i <= (n-1)/2 {
		return i
	}
	return i - n
}

// checkIntegrationLimits validates an angular integration range in mrad.
func (m *DiffractionPatterns) checkIntegrationLimits(op string, inner, outer float64) error {
	as, err := m.AngularSampling()
	if err != nil {
		return err
	}
	if inner >= outer {
		return &RangeError{Op: op, Reason: fmt.Sprintf("inner angle (%g mrad) is not below the outer angle (%g mrad)", inner, outer)}
	}
	max, _ := m.MaxAngles()
	if outer > max[0] || outer > max[1] {
		return &RangeError{Op: op, Reason: fmt.Sprintf("outer limit exceeds the maximum simulated angle (%g mrad > %g mrad)", outer, math.Min(max[0], max[1]))}
	}
	if outer-inner < math.Min(as[0], as[1]) {
		return &RangeError{Op: op, Reason: fmt.Sprintf("integration range (%g mrad) is below the angular sampling (%g mrad)", outer-inner, math.Min(as[0], as[1]))}
	}
	return nil
}

// Bandlimit zeroes the signal beyond the given scattering angle. A
// non-positive radius defaults to 1.1 times the larger angular sampling.
func (m *DiffractionPatterns) Bandlimit(radius float64) (*DiffractionPatterns, error) {
	return m.radialMask("bandlimit", radius, true)
}

// BlockDirect zeroes the signal inside the given scattering angle, removing
// the direct beam. A non-positive radius defaults to 1.1 times the larger
// angular sampling.
func (m *DiffractionPatterns) BlockDirect(radius float64) (*DiffractionPatterns, error) {
	return m.radialMask("block direct", radius, false)
}

func (m *DiffractionPatterns) radialMask(op string, radius float64, keepInside bool) (*DiffractionPatterns, error) {
	ax, ay, err := m.angularGrid()
	if err != nil {
		return nil, err
	}
	as, _ := m.AngularSampling()
	if radius <= 0 {
		radius = 1.1 * math.Max(as[0], as[1])
	}

	bs := m.BaseShape()
	mask := nd.Zeros(bs[0], bs[1])
	for i, x := range ax {
		for j, y := range ay {
			inside := x*x+y*y < radius*radius
			if inside == keepInside {
				mask.Set(1, i, j)
			}
		}
	}

	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		return a.MulTrailing(mask), nil
	}, 0, nil, m.data.IsComplex())
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

// InterpolateUniform resamples the patterns so both axes share one
// reciprocal sampling, bilinearly interpolating the finer axis onto the
// coarser one. Axis lengths within two pixels of each other snap equal.
func (m *DiffractionPatterns) InterpolateUniform() (*DiffractionPatterns, error) {
	bs := m.BaseShape()
	maxSampling := math.Max(m.sampling[0], m.sampling[1])
	scale := [2]float64{m.sampling[0] / maxSampling, m.sampling[1] / maxSampling}

	gpts := [2]int{
		int(math.Ceil(float64(bs[0]) * scale[0])),
		int(math.Ceil(float64(bs[1]) * scale[1])),
	}
	if diff := gpts[0] - gpts[1]; diff >= -2 && diff <= 2 {
		n := gpts[0]
		if gpts[1] < n {
			n = gpts[1]
		}
		gpts = [2]int{n, n}
	}
	newSampling := [2]float64{m.sampling[0] / scale[0], m.sampling[1] / scale[1]}

	v, u, vw, uw := polar.BilinearNodesAndWeights(
		[2]int{bs[0], bs[1]}, gpts, m.sampling, newSampling)

	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		return polar.InterpolateBilinear(a, v, u, vw, uw), nil
	}, 2, []int{gpts[0], gpts[1]}, false)
	if err != nil {
		return nil, err
	}
	derived := m.derive(out, m.ExtraAxes())
	derived.sampling = newSampling
	return derived, nil
}

// PolarBinning sums the patterns into a polar detector grid of
// nRadial x nAzimuthal bins between the inner and outer angles (mrad), the
// azimuthal origin rotated by rotation radians.
func (m *DiffractionPatterns) PolarBinning(nRadial, nAzimuthal int, inner, outer, rotation float64) (*PolarMeasurements, error) {
	if nRadial < 1 || nAzimuthal < 1 {
		return nil, &ValidationError{Op: "polar binning", Reason: "bin counts must be positive"}
	}
	if err := m.checkIntegrationLimits("polar binning", inner, outer); err != nil {
		return nil, err
	}
	as, _ := m.AngularSampling()
	bs := m.BaseShape()

	bins := polar.DetectorBins([2]int{bs[0], bs[1]}, as, inner, outer, nRadial, nAzimuthal, rotation, m.fftShifted)
	indices, separators := polar.IndexedBins(bins, nRadial*nAzimuthal)

	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		sums := polar.SumRunLengthEncoded(a, 2, indices, separators)
		shape := sums.Shape()
		return sums.Reshape(append(shape[:len(shape)-1:len(shape)-1], nRadial, nAzimuthal)...), nil
	}, 2, []int{nRadial, nAzimuthal}, false)
	if err != nil {
		return nil, err
	}

	return newPolarMeasurements(out,
		(outer-inner)/float64(nRadial), 2*math.Pi/float64(nAzimuthal),
		inner, rotation,
		m.ExtraAxes(), m.meta, m.be)
}

// RadialBinning sums the patterns into radial rings of the given step in
// mrad. A non-positive outer angle defaults to the largest angle resolved on
// both axes.
func (m *DiffractionPatterns) RadialBinning(step, inner, outer float64) (*PolarMeasurements, error) {
	if step <= 0 {
		return nil, &ValidationError{Op: "radial binning", Reason: "step must be positive"}
	}
	if outer <= 0 {
		max, err := m.MaxAngles()
		if err != nil {
			return nil, err
		}
		outer = math.Min(max[0], max[1])
	}
	nbins := int((outer - inner) / step)
	return m.PolarBinning(nbins, 1, inner, outer, 0)
}

// IntegrateRadial sums the signal between the inner and outer scattering
// angles, producing images or line profiles over the scan axes.
func (m *DiffractionPatterns) IntegrateRadial(inner, outer float64) (Measurement, error) {
	if err := m.checkIntegrationLimits("integrate radial", inner, outer); err != nil {
		return nil, err
	}
	as, _ := m.AngularSampling()
	bs := m.BaseShape()

	bins := polar.DetectorBins([2]int{bs[0], bs[1]}, as, inner, outer, 1, 1, 0, m.fftShifted)
	mask := nd.Zeros(bs[0], bs[1])
	for p, b := range bins {
		if b == 0 {
			mask.Data()[p] = 1
		}
	}

	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		return a.DotTrailing(mask), nil
	}, 2, nil, false)
	if err != nil {
		return nil, err
	}
	return routeScanGrid(out, m.ExtraAxes(), m.meta, m.be)
}

// CenterOfMass returns the first moment of each pattern as a complex value,
// the x component real and the y component imaginary, over the scan grid.
func (m *DiffractionPatterns) CenterOfMass() (Measurement, error) {
	ax, ay, err := m.angularGrid()
	if err != nil {
		return nil, err
	}

	out, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
		shape := a.Shape()
		ndim := a.NumDims()
		nx, ny := shape[ndim-2], shape[ndim-1]
		leadSize := a.Size() / (nx * ny)

		com := nd.ZerosComplex(shape[:ndim-2]...)
		src := a.Data()
		dst := com.CData()
		for o := 0; o < leadSize; o++ {
			base := o * nx * ny
			var cx, cy float64
			for i := 0; i < nx; i++ {
				for j := 0; j < ny; j++ {
					v := src[base+i*ny+j]
					cx += v * ax[i]
					cy += v * ay[j]
				}
			}
			dst[o] = complex(cx, cy)
		}
		return com, nil
	}, 2, nil, true)
	if err != nil {
		return nil, err
	}
	return routeScanGrid(out, m.ExtraAxes(), m.meta, m.be)
}

// IntegratedCenterOfMass integrates the center-of-mass vector field over the
// two scan axes through a Fourier-space Poisson solve, producing the phase
// contrast image up to a constant which is fixed by shifting the minimum to
// zero.
func (m *DiffractionPatterns) IntegratedCenterOfMass() (*Images, error) {
	com, err := m.CenterOfMass()
	if err != nil {
		return nil, err
	}
	images, ok := com.(*Images)
	if !ok {
		return nil, &AxesError{Op: "integrated center of mass", Reason: "requires two scan axes"}
	}
	sampling := images.Sampling()

	out, err := images.array().Defer(images.Shape(), false, func(a *nd.Array) (*nd.Array, error) {
		return integrateGradient2(a, sampling), nil
	})
	if err != nil {
		return nil, err
	}
	return images.derive(out, images.ExtraAxes()), nil
}

// integrateGradient2 solves for the potential whose gradient matches the
// complex field (real part x, imaginary part y) on a periodic grid.
func integrateGradient2(gradient *nd.Array, sampling [2]float64) *nd.Array {
	shape := gradient.Shape()
	ndim := gradient.NumDims()
	nx, ny := shape[ndim-2], shape[ndim-1]

	kx := nd.FFTFreq(nx, sampling[0])
	ky := nd.FFTFreq(ny, sampling[1])

	gxHat := nd.FFT2(gradient.RealPart())
	gyHat := nd.FFT2(gradient.ImagPart())

	out := nd.Zeros(shape...)
	block := nx * ny
	for base := 0; base < gradient.Size(); base += block {
		for i := 0; i < nx; i++ {
			for j := 0; j < ny; j++ {
				k := kx[i]*kx[i] + ky[j]*ky[j]
				if k == 0 {
					k = 1e-12
				}
				num := gxHat.CData()[base+i*ny+j]*complex(kx[i], 0) +
					gyHat.CData()[base+i*ny+j]*complex(ky[j], 0)
				gxHat.CData()[base+i*ny+j] = num / complex(0, 2*math.Pi*k)
			}
		}
	}
	potential := nd.IFFT2(gxHat).RealPart()

	// The solution is defined up to a constant per pattern stack entry.
	for base := 0; base < potential.Size(); base += block {
		slice := potential.Data()[base : base+block]
		min := slice[0]
		for _, v := range slice {
			if v < min {
				min = v
			}
		}
		for i := range slice {
			out.Data()[base+i] = slice[i] - min
		}
	}
	return out
}

// GaussianFilter blurs the pattern stack across its scan axes with a
// Gaussian of the given standard deviation in Ångström per scan axis. The
// patterns themselves are untouched. Only the periodic boundary is
// supported.
func (m *DiffractionPatterns) GaussianFilter(sigma []float64, boundary string) (*DiffractionPatterns, error) {
	if boundary == "" {
		boundary = "periodic"
	}
	if boundary != "periodic" {
		return nil, &ValidationError{Op: "gaussian filter", Reason: fmt.Sprintf("unknown boundary %q", boundary)}
	}
	if m.data.IsComplex() {
		return nil, &TypeError{Op: "gaussian filter", Want: "real patterns", Got: "complex patterns"}
	}

	extra := m.ExtraAxes()
	scan := scanAxisIndices(extra)
	if len(scan) == 0 {
		return nil, &AxesError{Op: "gaussian filter", Reason: "no scan axes to filter"}
	}
	if len(sigma) != len(scan) {
		return nil, &AxesError{Op: "gaussian filter", Reason: fmt.Sprintf("%d sigmas for %d scan axes", len(sigma), len(scan))}
	}
	for k, d := range scan {
		if d != len(extra)-len(scan)+k {
			return nil, &AxesError{Op: "gaussian filter", Reason: "scan axes must be the trailing extra axes"}
		}
	}

	// Trailing zero sigmas leave the pattern axes untouched.
	sigmaPx := make([]float64, len(scan)+m.NumBaseAxes())
	shape := m.Shape()
	depth := make([]int, len(shape))
	for k, d := range scan {
		sigmaPx[k] = sigma[k] / extra[d].Sampling
		depth[d] = int(math.Ceil(4 * sigmaPx[k]))
	}

	be := m.be
	out, err := m.data.MapOverlap(func(a *nd.Array) (*nd.Array, error) {
		return be.GaussianFilter(a, sigmaPx), nil
	}, depth)
	if err != nil {
		return nil, err
	}
	return m.derive(out, m.ExtraAxes()), nil
}

// PoissonNoise draws shot noise for the given electron dose per scan area,
// stacking the requested number of independent samples along a new leading
// ordinal axis. Intensities are scaled to expected counts before drawing.
func (m *DiffractionPatterns) PoissonNoise(dose float64, samples int) (*DiffractionPatterns, error) {
	if dose <= 0 {
		return nil, &ValidationError{Op: "poisson noise", Reason: "dose must be positive"}
	}
	if samples < 1 {
		return nil, &ValidationError{Op: "poisson noise", Reason: "at least one sample is required"}
	}

	pixelArea := 1.0
	for _, s := range ScanSampling(m) {
		pixelArea *= s
	}

	be := m.be
	draws := make([]*DiffractionPatterns, samples)
	for s := range draws {
		noisy, err := m.data.MapBlocks(func(a *nd.Array) (*nd.Array, error) {
			out := nd.Zeros(a.Shape()...)
			for i, v := range a.Data() {
				out.Data()[i] = be.Poisson(v * dose * pixelArea)
			}
			return out, nil
		}, 0, nil, false)
		if err != nil {
			return nil, err
		}
		draws[s] = m.derive(noisy, m.ExtraAxes())
	}
	return Stack(draws, axes.NewOrdinal("sample"))
}

// routeScanGrid turns a per-scan-position array into line profiles over one
// scan axis or images over two. The scan axes must be the trailing extra
// axes.
func routeScanGrid(data *dataset.Array, extra []axes.Axis, meta map[string]any, be backend.Backend) (Measurement, error) {
	scan := scanAxisIndices(extra)
	if len(scan) != 1 && len(scan) != 2 {
		return nil, &AxesError{Op: "scan routing", Reason: fmt.Sprintf("%d scan axes, want 1 or 2", len(scan))}
	}
	for k, d := range scan {
		if d != len(extra)-len(scan)+k {
			return nil, &AxesError{Op: "scan routing", Reason: "scan axes must be the trailing extra axes"}
		}
	}
	remaining := cloneAxes(extra[:len(extra)-len(scan)])
	shape := data.Shape()

	if len(scan) == 1 {
		ax := extra[scan[0]]
		n := shape[len(shape)-1]
		start := [2]float64{ax.Offset, 0}
		end := [2]float64{ax.Offset + float64(n)*ax.Sampling, 0}
		return newLineProfiles(data, start, end, ax.Sampling, remaining, meta, be)
	}
	sampling := [2]float64{extra[scan[0]].Sampling, extra[scan[1]].Sampling}
	return newImages(data, sampling, remaining, meta, be)
}
