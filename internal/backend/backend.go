// Package backend provides the numeric filter and sampling primitives that
// measurement operations delegate to. The default implementation is pure Go;
// an OpenCV-accelerated implementation is available behind the `opencv`
// build tag and exposes the same operation set.
package backend

import (
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat/distuv"

	"em-measure/internal/nd"
)

// Backend is the capability set a measurement resolves once at construction.
type Backend interface {
	// Name identifies the implementation.
	Name() string
	// GaussianFilter blurs the trailing len(sigma) axes with a separable
	// Gaussian. Sigma is given per axis in pixels; boundaries wrap
	// periodically.
	GaussianFilter(a *nd.Array, sigma []float64) *nd.Array
	// SampleBilinear samples the trailing two axes at fractional pixel
	// coordinates with periodic wrapping, producing shape leading+[len(coords)].
	SampleBilinear(a *nd.Array, coords [][2]float64) *nd.Array
	// SampleSpline is SampleBilinear with a separable cubic spline kernel
	// over the 4x4 wrapped neighborhood of each coordinate.
	SampleSpline(a *nd.Array, coords [][2]float64) *nd.Array
	// Poisson draws a Poisson-distributed count with the given mean.
	// Safe for concurrent use.
	Poisson(mean float64) float64
}

// CPU is the pure Go backend.
type CPU struct {
	mu      sync.Mutex
	poisson distuv.Poisson
}

// NewCPU returns a CPU backend seeded for reproducible Poisson draws.
func NewCPU(seed uint64) *CPU {
	return &CPU{poisson: distuv.Poisson{Src: rand.NewSource(seed)}}
}

var defaultBackend = NewCPU(1)

// Default returns the process-wide default backend.
func Default() Backend { return defaultBackend }

// Name implements Backend.
func (c *CPU) Name() string { return "cpu" }

// GaussianFilter implements Backend with a separable wrap-boundary
// convolution along each filtered axis.
func (c *CPU) GaussianFilter(a *nd.Array, sigma []float64) *nd.Array {
	out := a.Clone()
	shape := a.Shape()
	base := len(shape) - len(sigma)
	for i, s := range sigma {
		if s <= 0 {
			continue
		}
		out = convolveAxis(out, base+i, gaussianKernel(s))
	}
	return out
}

// gaussianKernel returns a normalized kernel truncated at four standard
// deviations.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis convolves one axis with the kernel, wrapping periodically.
func convolveAxis(a *nd.Array, axis int, kernel []float64) *nd.Array {
	shape := a.Shape()
	n := shape[axis]
	radius := len(kernel) / 2
	outer := 1
	for _, s := range shape[:axis] {
		outer *= s
	}
	inner := 1
	for _, s := range shape[axis+1:] {
		inner *= s
	}

	src := a.Data()
	out := nd.Zeros(shape...)
	dst := out.Data()
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*n*inner + in
			for i := 0; i < n; i++ {
				var acc float64
				for k, w := range kernel {
					j := i + k - radius
					j %= n
					if j < 0 {
						j += n
					}
					acc += w * src[base+j*inner]
				}
				dst[base+i*inner] = acc
			}
		}
	}
	return out
}

// SampleBilinear implements Backend.
func (c *CPU) SampleBilinear(a *nd.Array, coords [][2]float64) *nd.Array {
	shape := a.Shape()
	ndim := len(shape)
	nx, ny := shape[ndim-2], shape[ndim-1]
	lead := shape[:ndim-2]
	leadSize := 1
	for _, s := range lead {
		leadSize *= s
	}

	outShape := append(append([]int(nil), lead...), len(coords))
	out := nd.Zeros(outShape...)
	src := a.Data()
	dst := out.Data()

	for o := 0; o < leadSize; o++ {
		base := o * nx * ny
		for p, c := range coords {
			x, y := c[0], c[1]
			x0 := int(math.Floor(x))
			y0 := int(math.Floor(y))
			fx := x - float64(x0)
			fy := y - float64(y0)

			i0, i1 := wrapIndex(x0, nx), wrapIndex(x0+1, nx)
			j0, j1 := wrapIndex(y0, ny), wrapIndex(y0+1, ny)

			v := (1-fx)*(1-fy)*src[base+i0*ny+j0] +
				(1-fx)*fy*src[base+i0*ny+j1] +
				fx*(1-fy)*src[base+i1*ny+j0] +
				fx*fy*src[base+i1*ny+j1]
			dst[o*len(coords)+p] = v
		}
	}
	return out
}

// Poisson implements Backend. The draws of one backend come from a single
// source; concurrent callers serialize on it.
func (c *CPU) Poisson(mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisson.Lambda = mean
	return c.poisson.Rand()
}

// SampleSpline implements Backend.
func (c *CPU) SampleSpline(a *nd.Array, coords [][2]float64) *nd.Array {
	shape := a.Shape()
	ndim := len(shape)
	nx, ny := shape[ndim-2], shape[ndim-1]
	lead := shape[:ndim-2]
	leadSize := 1
	for _, s := range lead {
		leadSize *= s
	}

	outShape := append(append([]int(nil), lead...), len(coords))
	out := nd.Zeros(outShape...)
	src := a.Data()
	dst := out.Data()

	rowVals := make([]float64, 4)
	colVals := make([]float64, 4)
	for o := 0; o < leadSize; o++ {
		base := o * nx * ny
		for p, c := range coords {
			x, y := c[0], c[1]
			x0 := int(math.Floor(x))
			y0 := int(math.Floor(y))
			fx := x - float64(x0)
			fy := y - float64(y0)

			for u := 0; u < 4; u++ {
				i := wrapIndex(x0-1+u, nx)
				for v := 0; v < 4; v++ {
					j := wrapIndex(y0-1+v, ny)
					colVals[v] = src[base+i*ny+j]
				}
				rowVals[u] = cubicAt(colVals, fy)
			}
			dst[o*len(coords)+p] = cubicAt(rowVals, fx)
		}
	}
	return out
}

var cubicNodes = []float64{0, 1, 2, 3}

// cubicAt evaluates the natural cubic through four consecutive samples at
// fractional offset f past the second one.
func cubicAt(vals []float64, f float64) float64 {
	var sp interp.NaturalCubic
	if err := sp.Fit(cubicNodes, vals); err != nil {
		return vals[1]
	}
	return sp.Predict(1 + f)
}

func wrapIndex(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
