//go:build opencv

package backend

import (
	"image"

	"gocv.io/x/gocv"

	"em-measure/internal/nd"
)

// OpenCV accelerates 2-D Gaussian filtering through gocv. All other
// operations fall back to the pure Go implementation.
type OpenCV struct {
	*CPU
}

// NewOpenCV returns the OpenCV-backed implementation.
func NewOpenCV(seed uint64) (Backend, error) {
	return &OpenCV{CPU: NewCPU(seed)}, nil
}

// Name implements Backend.
func (o *OpenCV) Name() string { return "opencv" }

// GaussianFilter implements Backend. Only the two-sigma case maps onto
// gocv.GaussianBlur; other arities use the separable CPU path.
func (o *OpenCV) GaussianFilter(a *nd.Array, sigma []float64) *nd.Array {
	if len(sigma) != 2 {
		return o.CPU.GaussianFilter(a, sigma)
	}

	shape := a.Shape()
	ndim := len(shape)
	rows, cols := shape[ndim-2], shape[ndim-1]
	leadSize := 1
	for _, s := range shape[:ndim-2] {
		leadSize *= s
	}

	src := a.Data()
	out := nd.Zeros(shape...)
	dst := out.Data()

	mat := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV64F)
	defer mat.Close()
	blurred := gocv.NewMat()
	defer blurred.Close()

	for o2 := 0; o2 < leadSize; o2++ {
		base := o2 * rows * cols
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				mat.SetDoubleAt(i, j, src[base+i*cols+j])
			}
		}
		// Zero kernel size lets OpenCV derive it from sigma.
		gocv.GaussianBlur(mat, &blurred, image.Pt(0, 0), sigma[1], sigma[0], gocv.BorderWrap)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dst[base+i*cols+j] = blurred.GetDoubleAt(i, j)
			}
		}
	}
	return out
}
