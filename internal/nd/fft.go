package nd

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// FFTFreq returns the discrete Fourier transform sample frequencies for a
// signal of length n with sample spacing d, in the usual order: zero first,
// positive frequencies, then negative.
func FFTFreq(n int, d float64) []float64 {
	f := make([]float64, n)
	for i := 0; i < n; i++ {
		k := i
		if i > (n-1)/2 {
			k = i - n
		}
		f[i] = float64(k) / (float64(n) * d)
	}
	return f
}

// ToComplex returns a complex copy of the array.
func (a *Array) ToComplex() *Array {
	if a.IsComplex() {
		return a.Clone()
	}
	out := ZerosComplex(a.shape...)
	for i, v := range a.real {
		out.cplx[i] = complex(v, 0)
	}
	return out
}

// RealPart returns the real component of a complex array.
func (a *Array) RealPart() *Array {
	out := Zeros(a.shape...)
	for i, v := range a.cplx {
		out.real[i] = real(v)
	}
	return out
}

// ImagPart returns the imaginary component of a complex array.
func (a *Array) ImagPart() *Array {
	out := Zeros(a.shape...)
	for i, v := range a.cplx {
		out.real[i] = imag(v)
	}
	return out
}

// FFT2 computes the unnormalized forward 2-D transform over the trailing two
// axes of a complex array, batched over the leading axes. Rows then columns,
// as separate 1-D passes.
func FFT2(a *Array) *Array {
	return fft2(a, true)
}

// IFFT2 computes the inverse 2-D transform over the trailing two axes,
// normalized so that IFFT2(FFT2(x)) == x.
func IFFT2(a *Array) *Array {
	nd := a.NumDims()
	nx, ny := a.shape[nd-2], a.shape[nd-1]
	out := fft2(a, false)
	out.Scale(1 / float64(nx*ny))
	return out
}

func fft2(a *Array, forward bool) *Array {
	if !a.IsComplex() {
		a = a.ToComplex()
	}
	nd := a.NumDims()
	nx, ny := a.shape[nd-2], a.shape[nd-1]
	out := a.Clone()

	rowFFT := fourier.NewCmplxFFT(ny)
	colFFT := fourier.NewCmplxFFT(nx)

	block := nx * ny
	row := make([]complex128, ny)
	col := make([]complex128, nx)
	for base := 0; base < out.Size(); base += block {
		data := out.cplx[base : base+block]
		for i := 0; i < nx; i++ {
			copy(row, data[i*ny:(i+1)*ny])
			if forward {
				rowFFT.Coefficients(row, row)
			} else {
				rowFFT.Sequence(row, row)
			}
			copy(data[i*ny:(i+1)*ny], row)
		}
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				col[i] = data[i*ny+j]
			}
			if forward {
				colFFT.Coefficients(col, col)
			} else {
				colFFT.Sequence(col, col)
			}
			for i := 0; i < nx; i++ {
				data[i*ny+j] = col[i]
			}
		}
	}
	return out
}

// Roll2 cyclically shifts the trailing two axes by (rx, ry).
func (a *Array) Roll2(rx, ry int) *Array {
	nd := a.NumDims()
	nx, ny := a.shape[nd-2], a.shape[nd-1]
	out := a.emptyLike(a.shape)
	block := nx * ny
	for base := 0; base < a.Size(); base += block {
		for i := 0; i < nx; i++ {
			ii := mod(i+rx, nx)
			for j := 0; j < ny; j++ {
				jj := mod(j+ry, ny)
				if a.IsComplex() {
					out.cplx[base+ii*ny+jj] = a.cplx[base+i*ny+j]
				} else {
					out.real[base+ii*ny+jj] = a.real[base+i*ny+j]
				}
			}
		}
	}
	return out
}

// FFTShift2 relocates the zero-frequency component to the center of the
// trailing two axes.
func (a *Array) FFTShift2() *Array {
	nd := a.NumDims()
	return a.Roll2(a.shape[nd-2]/2, a.shape[nd-1]/2)
}

// IFFTShift2 undoes FFTShift2, including for odd lengths.
func (a *Array) IFFTShift2() *Array {
	nd := a.NumDims()
	return a.Roll2(-(a.shape[nd-2] / 2), -(a.shape[nd-1] / 2))
}

// FFTCrop truncates or zero-pads the trailing two axes of an unshifted
// frequency-domain array to a new size, keeping the frequencies common to
// both grids in place.
func FFTCrop(a *Array, newShape [2]int) *Array {
	nd := a.NumDims()
	oldShape := [2]int{a.shape[nd-2], a.shape[nd-1]}
	outShape := append(cloneInts(a.shape[:nd-2]), newShape[0], newShape[1])
	out := ZerosComplex(outShape...)

	mapX := freqIndexMap(oldShape[0], newShape[0])
	mapY := freqIndexMap(oldShape[1], newShape[1])

	oldBlock := oldShape[0] * oldShape[1]
	newBlock := newShape[0] * newShape[1]
	for b := 0; b < a.Size()/oldBlock; b++ {
		srcBase := b * oldBlock
		dstBase := b * newBlock
		for jOut, jIn := range mapY {
			if jIn < 0 {
				continue
			}
			for iOut, iIn := range mapX {
				if iIn < 0 {
					continue
				}
				out.cplx[dstBase+iOut*newShape[1]+jOut] = a.cplx[srcBase+iIn*oldShape[1]+jIn]
			}
		}
	}
	return out
}

// freqIndexMap maps each output frequency index to the input index carrying
// the same frequency, or -1 when the frequency does not exist on the input
// grid.
func freqIndexMap(n, m int) []int {
	minIn, maxIn := -(n / 2), (n-1)/2
	idx := make([]int, m)
	for j := 0; j < m; j++ {
		f := j
		if j > (m-1)/2 {
			f = j - m
		}
		if f < minIn || f > maxIn {
			idx[j] = -1
			continue
		}
		idx[j] = mod(f, n)
	}
	return idx
}

// FFT2Interpolate resamples the trailing two axes to a new size by cropping
// or zero-padding in the frequency domain. Values are preserved: a constant
// field stays constant. Real input yields real output.
func FFT2Interpolate(a *Array, newShape [2]int) *Array {
	nd := a.NumDims()
	wasReal := !a.IsComplex()
	oldN := a.shape[nd-2] * a.shape[nd-1]

	spectrum := FFT2(a)
	cropped := FFTCrop(spectrum, newShape)
	out := fft2(cropped, false)
	out.Scale(1 / float64(oldN))
	if wasReal {
		return out.RealPart()
	}
	return out
}
