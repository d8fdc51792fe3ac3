// Package polar assigns Fourier-space pixels to polar detector bins and
// provides the run-length-encoded reductions and bilinear resampling that
// diffraction measurements are built on.
package polar

import (
	"math"
	"sort"

	"em-measure/internal/nd"
)

// DetectorBins labels every pixel of an (nx, ny) Fourier-space grid with a
// polar bin index in [0, nRadial*nAzimuthal), or -1 when the pixel falls
// outside the annulus. Bins are laid out radial-major. Sampling is the
// angular step per pixel, inner and outer the annulus limits in the same
// units and rotation an azimuthal offset in radians. With fftshift the zero
// frequency sits at (nx/2, ny/2) instead of (0, 0).
func DetectorBins(shape [2]int, sampling [2]float64, inner, outer float64, nRadial, nAzimuthal int, rotation float64, fftshift bool) []int {
	nx, ny := shape[0], shape[1]
	fx := freqIndices(nx, fftshift)
	fy := freqIndices(ny, fftshift)

	radialStep := (outer - inner) / float64(nRadial)
	azimuthalStep := 2 * math.Pi / float64(nAzimuthal)

	bins := make([]int, nx*ny)
	for i := 0; i < nx; i++ {
		ax := float64(fx[i]) * sampling[0]
		for j := 0; j < ny; j++ {
			ay := float64(fy[j]) * sampling[1]
			r := math.Hypot(ax, ay)

			radial := int(math.Floor((r - inner) / radialStep))
			if r < inner || radial < 0 || radial >= nRadial {
				bins[i*ny+j] = -1
				continue
			}

			theta := math.Mod(math.Atan2(ay, ax)+rotation, 2*math.Pi)
			if theta < 0 {
				theta += 2 * math.Pi
			}
			azimuthal := int(math.Floor(theta / azimuthalStep))
			if azimuthal >= nAzimuthal {
				azimuthal = nAzimuthal - 1
			}
			bins[i*ny+j] = radial*nAzimuthal + azimuthal
		}
	}
	return bins
}

// freqIndices returns the integer frequency of each pixel along one axis.
func freqIndices(n int, fftshift bool) []int {
	f := make([]int, n)
	for i := range f {
		if fftshift {
			f[i] = i - n/2
		} else if i <= (n-1)/2 {
			f[i] = i
		} else {
			f[i] = i - n
		}
	}
	return f
}

// IndexedBins converts a per-pixel label array into the pixel index
// permutation sorted by label plus the cumulative separators delimiting each
// of the nbins runs. Pixels labelled -1 are dropped.
func IndexedBins(bins []int, nbins int) (indices []int, separators []int) {
	indices = make([]int, 0, len(bins))
	for i, b := range bins {
		if b >= 0 {
			indices = append(indices, i)
		}
	}
	sort.SliceStable(indices, func(a, b int) bool { return bins[indices[a]] < bins[indices[b]] })

	separators = make([]int, nbins+1)
	run := 0
	for b := 0; b < nbins; b++ {
		separators[b] = run
		for run < len(indices) && bins[indices[run]] == b {
			run++
		}
	}
	separators[nbins] = run
	return indices, separators
}

// SumRunLengthEncoded sums runs of gathered pixels into one value per bin.
// The trailing `trailing` axes of a are flattened into the pixel axis that
// indices address; the result has shape leading+[len(separators)-1].
func SumRunLengthEncoded(a *nd.Array, trailing int, indices, separators []int) *nd.Array {
	shape := a.Shape()
	lead := shape[:len(shape)-trailing]
	sig := 1
	for _, s := range shape[len(shape)-trailing:] {
		sig *= s
	}
	leadSize := 1
	for _, s := range lead {
		leadSize *= s
	}
	nbins := len(separators) - 1

	outShape := append(append([]int(nil), lead...), nbins)
	out := nd.Zeros(outShape...)
	src := a.Data()
	dst := out.Data()
	for o := 0; o < leadSize; o++ {
		base := o * sig
		for b := 0; b < nbins; b++ {
			var sum float64
			for k := separators[b]; k < separators[b+1]; k++ {
				sum += src[base+indices[k]]
			}
			dst[o*nbins+b] = sum
		}
	}
	return out
}

// BilinearNodesAndWeights prepares the source nodes and fractional weights
// for resampling an fftshifted grid of oldShape pixels with oldSampling step
// onto newShape pixels with newSampling step. Each target pixel interpolates
// between the nearest source frequency at or below it and its successor.
func BilinearNodesAndWeights(oldShape, newShape [2]int, oldSampling, newSampling [2]float64) (v, u []int, vw, uw []float64) {
	v, vw = axisNodes(oldShape[0], newShape[0], oldSampling[0], newSampling[0])
	u, uw = axisNodes(oldShape[1], newShape[1], oldSampling[1], newSampling[1])
	return v, u, vw, uw
}

func axisNodes(n, m int, oldStep, newStep float64) ([]int, []float64) {
	old := make([]float64, n)
	for i := range old {
		old[i] = float64(i-n/2) * oldStep
	}
	nodes := make([]int, m)
	weights := make([]float64, m)
	for j := 0; j < m; j++ {
		k := float64(j-m/2) * newStep
		// Largest source frequency not above k; targets below the whole
		// source range collapse onto the first node with zero weight.
		idx := sort.SearchFloat64s(old, k)
		if idx < n && old[idx] == k {
			nodes[j] = idx
			weights[j] = 0
			continue
		}
		if idx == 0 {
			nodes[j] = 0
			weights[j] = 0
			continue
		}
		nodes[j] = idx - 1
		weights[j] = (k - old[idx-1]) / oldStep
	}
	return nodes, weights
}

// InterpolateBilinear resamples the trailing two axes of a onto the node
// grid from BilinearNodesAndWeights, wrapping at the grid edges.
func InterpolateBilinear(a *nd.Array, v, u []int, vw, uw []float64) *nd.Array {
	shape := a.Shape()
	ndim := len(shape)
	h, w := shape[ndim-2], shape[ndim-1]
	leadSize := 1
	for _, s := range shape[:ndim-2] {
		leadSize *= s
	}

	outShape := append(append([]int(nil), shape[:ndim-2]...), len(v), len(u))
	out := nd.Zeros(outShape...)
	src := a.Data()
	dst := out.Data()

	for o := 0; o < leadSize; o++ {
		base := o * h * w
		for i, vi := range v {
			vi1 := (vi + 1) % h
			for j, uj := range u {
				uj1 := (uj + 1) % w
				val := src[base+vi*w+uj]*(1-vw[i])*(1-uw[j]) +
					src[base+vi1*w+uj]*vw[i]*(1-uw[j]) +
					src[base+vi*w+uj1]*(1-vw[i])*uw[j] +
					src[base+vi1*w+uj1]*vw[i]*uw[j]
				dst[(o*len(v)+i)*len(u)+j] = val
			}
		}
	}
	return out
}
