package measure

import (
	"errors"
	"math"
	"testing"

	"em-measure/internal/nd"
)

func TestImagesCalibration(t *testing.T) {
	m := testImages(t, make([]float64, 16), 4, 4)
	if ext := m.Extent(); ext != [2]float64{2, 2} {
		t.Errorf("Extent = %v", ext)
	}
	x, y := m.Coordinates()
	if len(x) != 4 || len(y) != 4 || x[3] != 2 {
		t.Errorf("Coordinates = %v, %v", x, y)
	}
	ba := m.BaseAxes()
	if ba[0].Units != "Å" || ba[0].Sampling != 0.5 {
		t.Errorf("BaseAxes = %v", ba)
	}
}

func TestImagesCrop(t *testing.T) {
	values := []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
	}
	m := testImages(t, values, 4, 4)

	cropped, err := m.Crop([2]float64{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	dense, err := cropped.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 4, 5}
	for i, w := range want {
		if dense.Data()[i] != w {
			t.Errorf("cropped = %v, want %v", dense.Data(), want)
			break
		}
	}

	var ve *ValidationError
	if _, err := m.Crop([2]float64{3, 3}); !errors.As(err, &ve) {
		t.Errorf("oversized crop: err = %v, want ValidationError", err)
	}
}

func TestImagesInterpolatePreservesConstant(t *testing.T) {
	m := testImages(t, []float64{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}, 4, 4)

	up, err := m.Interpolate(InterpolateOptions{Gpts: [2]int{8, 8}})
	if err != nil {
		t.Fatal(err)
	}
	if got := up.Sampling(); math.Abs(got[0]-0.25) > 1e-12 {
		t.Errorf("sampling = %v, want 0.25", got)
	}
	dense, err := up.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range dense.Data() {
		if math.Abs(v-2) > 1e-9 {
			t.Fatalf("interpolated constant = %v, want 2", v)
		}
	}
}

func TestImagesInterpolateBySampling(t *testing.T) {
	m := testImages(t, make([]float64, 16), 4, 4)
	down, err := m.Interpolate(InterpolateOptions{Sampling: [2]float64{1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if bs := down.BaseShape(); bs[0] != 2 || bs[1] != 2 {
		t.Errorf("base shape = %v, want [2 2]", bs)
	}
}

func TestImagesInterpolateErrors(t *testing.T) {
	m := testImages(t, make([]float64, 16), 4, 4)

	var ve *ValidationError
	if _, err := m.Interpolate(InterpolateOptions{}); !errors.As(err, &ve) {
		t.Errorf("no target: err = %v, want ValidationError", err)
	}
	if _, err := m.Interpolate(InterpolateOptions{Gpts: [2]int{8, 8}, Method: "spline"}); !errors.As(err, &ve) {
		t.Errorf("unknown method: err = %v, want ValidationError", err)
	}
	if _, err := m.Interpolate(InterpolateOptions{Gpts: [2]int{8, 8}, Method: "fft", Boundary: "zero"}); !errors.As(err, &ve) {
		t.Errorf("non-periodic boundary: err = %v, want ValidationError", err)
	}
}

func TestInterpolateLineAlongRamp(t *testing.T) {
	// Rows carry their own index, so a line along the first axis reads it back.
	values := make([]float64, 16)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			values[i*4+j] = float64(i)
		}
	}
	m := testImages(t, values, 4, 4)

	end := [2]float64{1.5, 0}
	profile, err := m.InterpolateLine(LineOptions{Start: [2]float64{0, 0}, End: &end, Gpts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := profile.Sampling(); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("sampling = %v, want 0.5", got)
	}
	dense, err := profile.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 2}
	for i, w := range want {
		if math.Abs(dense.Data()[i]-w) > 1e-9 {
			t.Errorf("profile = %v, want %v", dense.Data(), want)
			break
		}
	}
}

func TestInterpolateLineByAngle(t *testing.T) {
	m := testImages(t, []float64{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}, 4, 4)

	profile, err := m.InterpolateLine(LineOptions{Angle: math.Pi / 4, Gpts: 4, Sampling: 0.25})
	if err != nil {
		t.Fatal(err)
	}
	dense, err := profile.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range dense.Data() {
		if math.Abs(v-3) > 1e-9 {
			t.Fatalf("constant line sample = %v, want 3", v)
		}
	}
}

func TestInterpolateLineWidthAverages(t *testing.T) {
	m := testImages(t, []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}, 4, 4)

	end := [2]float64{1.5, 0}
	profile, err := m.InterpolateLine(LineOptions{Start: [2]float64{0, 1}, End: &end, Gpts: 3, Width: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	dense, err := profile.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range dense.Data() {
		if math.Abs(v-5) > 1e-9 {
			t.Fatalf("averaged line sample = %v, want 5", v)
		}
	}
}

func TestInterpolateLineMethods(t *testing.T) {
	// Two equal middle rows between two zero rows: bilinear reads the flat
	// midpoint, the default spline kernel overshoots it.
	m := testImages(t, []float64{
		0, 0, 0, 0,
		1, 1, 1, 1,
		1, 1, 1, 1,
		0, 0, 0, 0,
	}, 4, 4)
	end := [2]float64{1.25, 0}
	lineAt := func(method string) float64 {
		t.Helper()
		profile, err := m.InterpolateLine(LineOptions{Start: [2]float64{0.75, 0}, End: &end, Gpts: 1, Method: method})
		if err != nil {
			t.Fatal(err)
		}
		dense, err := profile.array().Compute()
		if err != nil {
			t.Fatal(err)
		}
		return dense.Data()[0]
	}

	if got := lineAt("bilinear"); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("bilinear midpoint = %v, want 1", got)
	}
	// Natural cubic through (0,0),(1,1),(2,1),(3,0) evaluated at 1.5.
	if got := lineAt("spline"); math.Abs(got-1.15) > 1e-9 {
		t.Errorf("spline midpoint = %v, want 1.15", got)
	}
	if def := lineAt(""); math.Abs(def-lineAt("spline")) > 1e-12 {
		t.Errorf("default method = %v, want the spline value", def)
	}

	var ve *ValidationError
	if _, err := m.InterpolateLine(LineOptions{End: &end, Method: "nearest"}); !errors.As(err, &ve) {
		t.Errorf("unknown method: err = %v, want ValidationError", err)
	}
}

func TestInterpolateLineErrors(t *testing.T) {
	m := testImages(t, make([]float64, 16), 4, 4)

	var ve *ValidationError
	start := [2]float64{1, 1}
	if _, err := m.InterpolateLine(LineOptions{Start: start, End: &start}); !errors.As(err, &ve) {
		t.Errorf("degenerate line: err = %v, want ValidationError", err)
	}
	if _, err := m.InterpolateLine(LineOptions{Angle: 1}); !errors.As(err, &ve) {
		t.Errorf("angle without grid: err = %v, want ValidationError", err)
	}

	cm, err := NewImages(nd.FromComplex(make([]complex128, 16), 4, 4), [2]float64{0.5, 0.5}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var te *TypeError
	end := [2]float64{1, 0}
	if _, err := cm.InterpolateLine(LineOptions{End: &end}); !errors.As(err, &te) {
		t.Errorf("complex line: err = %v, want TypeError", err)
	}
}

func TestGaussianFilter(t *testing.T) {
	t.Run("preserves total intensity", func(t *testing.T) {
		values := make([]float64, 64)
		values[0] = 16
		m := testImages(t, values, 8, 8)

		blurred, err := m.GaussianFilter([2]float64{0.5, 0.5}, "")
		if err != nil {
			t.Fatal(err)
		}
		dense, err := blurred.array().Compute()
		if err != nil {
			t.Fatal(err)
		}
		sum := 0.0
		for _, v := range dense.Data() {
			sum += v
		}
		if math.Abs(sum-16) > 1e-9 {
			t.Errorf("total intensity = %v, want 16", sum)
		}
		if dense.At(0, 0) >= 16 {
			t.Error("peak not spread")
		}
	})

	t.Run("constant is invariant", func(t *testing.T) {
		values := make([]float64, 64)
		for i := range values {
			values[i] = 7
		}
		m := testImages(t, values, 8, 8)

		blurred, err := m.GaussianFilter([2]float64{1, 1}, "periodic")
		if err != nil {
			t.Fatal(err)
		}
		dense, err := blurred.array().Compute()
		if err != nil {
			t.Fatal(err)
		}
		for _, v := range dense.Data() {
			if math.Abs(v-7) > 1e-9 {
				t.Fatalf("blurred constant = %v, want 7", v)
			}
		}
	})

	t.Run("rejects other boundaries", func(t *testing.T) {
		m := testImages(t, make([]float64, 64), 8, 8)
		var ve *ValidationError
		if _, err := m.GaussianFilter([2]float64{1, 1}, "reflect"); !errors.As(err, &ve) {
			t.Errorf("err = %v, want ValidationError", err)
		}
	})
}

func TestDiffractograms(t *testing.T) {
	// A unit impulse has a flat Fourier magnitude.
	values := make([]float64, 16)
	values[0] = 1
	m := testImages(t, values, 4, 4)

	patterns, err := m.Diffractograms()
	if err != nil {
		t.Fatal(err)
	}
	if !patterns.FFTShifted() {
		t.Error("diffractograms are not fftshifted")
	}
	if got := patterns.Sampling(); math.Abs(got[0]-0.5) > 1e-12 {
		t.Errorf("sampling = %v, want 1/extent = 0.5", got)
	}
	if _, err := patterns.AngularSampling(); err == nil {
		t.Error("angular sampling defined without an energy")
	}
	dense, err := patterns.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range dense.Data() {
		if math.Abs(v-1) > 1e-9 {
			t.Fatalf("impulse magnitude = %v, want 1", v)
		}
	}
}

func TestImagesTile(t *testing.T) {
	m := testImages(t, []float64{1, 2, 3, 4}, 2, 2)

	tiled, err := m.Tile([2]int{2, 1})
	if err != nil {
		t.Fatal(err)
	}
	if bs := tiled.BaseShape(); bs[0] != 4 || bs[1] != 2 {
		t.Fatalf("base shape = %v", bs)
	}
	dense, err := tiled.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 2, 3, 4, 1, 2, 3, 4}
	for i, w := range want {
		if dense.Data()[i] != w {
			t.Errorf("tiled = %v, want %v", dense.Data(), want)
			break
		}
	}

	var ve *ValidationError
	if _, err := m.Tile([2]int{0, 1}); !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestComplexImageOps(t *testing.T) {
	data := nd.FromComplex([]complex128{1 + 1i, 1 + 1i, 1 + 1i, 1 + 1i}, 2, 2)
	m, err := NewImages(data, [2]float64{1, 1}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	abs, err := m.Abs()
	if err != nil {
		t.Fatal(err)
	}
	dense, err := abs.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dense.At(0, 0)-math.Sqrt2) > 1e-12 {
		t.Errorf("abs = %v, want sqrt(2)", dense.At(0, 0))
	}

	angle, err := m.Angle()
	if err != nil {
		t.Fatal(err)
	}
	dense, err = angle.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dense.At(1, 1)-math.Pi/4) > 1e-12 {
		t.Errorf("angle = %v, want pi/4", dense.At(1, 1))
	}

	intensity, err := m.Intensity()
	if err != nil {
		t.Fatal(err)
	}
	dense, err = intensity.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dense.At(0, 1)-2) > 1e-12 {
		t.Errorf("intensity = %v, want 2", dense.At(0, 1))
	}

	realImages := testImages(t, make([]float64, 4), 2, 2)
	var te *TypeError
	if _, err := realImages.Abs(); !errors.As(err, &te) {
		t.Errorf("real abs: err = %v, want TypeError", err)
	}
}
