package measure

import (
	"errors"
	"math"
	"testing"

	"em-measure/internal/dataset"
	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// testPatterns wraps data as diffraction patterns at 100 keV with a 0.1 1/Å
// reciprocal sampling, zero frequency centered.
func testPatterns(t *testing.T, data *nd.Array, extra []axes.Axis) *DiffractionPatterns {
	t.Helper()
	m, err := NewDiffractionPatterns(data, [2]float64{0.1, 0.1}, 100e3, true, extra, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEnergyToWavelength(t *testing.T) {
	cases := []struct {
		energy float64
		want   float64 // Å
	}{
		{80e3, 0.041757},
		{100e3, 0.037014},
		{300e3, 0.019687},
	}
	for _, tc := range cases {
		if got := EnergyToWavelength(tc.energy); math.Abs(got-tc.want) > 1e-5 {
			t.Errorf("EnergyToWavelength(%v) = %v, want %v", tc.energy, got, tc.want)
		}
	}
}

func TestAngularCalibrations(t *testing.T) {
	m, err := NewDiffractionPatterns(nd.Zeros(5, 4), [2]float64{0.1, 0.2}, 100e3, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := EnergyToWavelength(100e3)

	as, err := m.AngularSampling()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(as[0]-0.1*w*1e3) > 1e-9 || math.Abs(as[1]-0.2*w*1e3) > 1e-9 {
		t.Errorf("AngularSampling = %v", as)
	}

	max, err := m.MaxAngles()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(max[0]-2*as[0]) > 1e-9 || math.Abs(max[1]-2*as[1]) > 1e-9 {
		t.Errorf("MaxAngles = %v", max)
	}

	// The odd axis is symmetric, the even one reaches a step further down.
	ext, err := m.AngularExtent()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(ext[0][0]+2*as[0]) > 1e-9 || math.Abs(ext[0][1]-2*as[0]) > 1e-9 {
		t.Errorf("odd axis extent = %v", ext[0])
	}
	if math.Abs(ext[1][0]+2*as[1]) > 1e-9 || math.Abs(ext[1][1]-as[1]) > 1e-9 {
		t.Errorf("even axis extent = %v", ext[1])
	}

	if got := m.EquivalentRealSpaceExtent(); math.Abs(got[0]-10) > 1e-9 || math.Abs(got[1]-5) > 1e-9 {
		t.Errorf("EquivalentRealSpaceExtent = %v", got)
	}
	if got := m.EquivalentRealSpaceSampling(); math.Abs(got[0]-2) > 1e-9 {
		t.Errorf("EquivalentRealSpaceSampling = %v", got)
	}

	ba := m.BaseAxes()
	if ba[0].Units != "mrad" || math.Abs(ba[0].Sampling-as[0]) > 1e-9 {
		t.Errorf("BaseAxes = %v", ba)
	}
}

func TestAngularSamplingUndefined(t *testing.T) {
	m, err := NewDiffractionPatterns(nd.Zeros(4, 4), [2]float64{0.1, 0.1}, 0, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var ve *ValidationError
	if _, err := m.AngularSampling(); !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
	if ba := m.BaseAxes(); ba[0].Units != "1/Å" {
		t.Errorf("uncalibrated BaseAxes = %v", ba)
	}
}

func TestIntegrationLimitErrors(t *testing.T) {
	m := testPatterns(t, nd.Full(1, 8, 8), nil)
	as, _ := m.AngularSampling()

	cases := []struct {
		name         string
		inner, outer float64
	}{
		{"inner above outer", 5, 5},
		{"outer beyond maximum", 0, 100 * as[0]},
		{"range below sampling", 2 * as[0], 2.5 * as[0]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var re *RangeError
			if _, err := m.PolarBinning(1, 1, tc.inner, tc.outer, 0); !errors.As(err, &re) {
				t.Errorf("err = %v, want RangeError", err)
			}
		})
	}
}

func TestPolarBinningCountsPixels(t *testing.T) {
	m := testPatterns(t, nd.Full(1, 8, 8), nil)
	as, _ := m.AngularSampling()
	max, _ := m.MaxAngles()
	outer := math.Min(max[0], max[1])

	binned, err := m.PolarBinning(1, 1, 0, outer, 0)
	if err != nil {
		t.Fatal(err)
	}
	if bs := binned.BaseShape(); bs[0] != 1 || bs[1] != 1 {
		t.Fatalf("base shape = %v", bs)
	}
	if math.Abs(binned.RadialSampling()-outer) > 1e-9 {
		t.Errorf("RadialSampling = %v, want %v", binned.RadialSampling(), outer)
	}
	if math.Abs(binned.AzimuthalSampling()-2*math.Pi) > 1e-9 {
		t.Errorf("AzimuthalSampling = %v", binned.AzimuthalSampling())
	}

	inside := 0
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			ax := float64(i-4) * as[0]
			ay := float64(j-4) * as[1]
			if math.Hypot(ax, ay) < outer {
				inside++
			}
		}
	}
	dense, err := binned.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	if got := dense.At(0, 0); math.Abs(got-float64(inside)) > 1e-9 {
		t.Errorf("bin sum = %v, want %v pixels", got, inside)
	}
}

func TestPolarBinningBinCounts(t *testing.T) {
	m := testPatterns(t, nd.Full(1, 16, 16), nil)
	var ve *ValidationError
	if _, err := m.PolarBinning(0, 4, 0, 10, 0); !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestRadialBinning(t *testing.T) {
	m := testPatterns(t, nd.Full(1, 8, 8), nil)
	as, _ := m.AngularSampling()
	max, _ := m.MaxAngles()

	binned, err := m.RadialBinning(as[0], 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if bs := binned.BaseShape(); bs[0] != 4 || bs[1] != 1 {
		t.Fatalf("base shape = %v, want [4 1]", bs)
	}
	if math.Abs(binned.OuterAngle()-math.Min(max[0], max[1])) > 1e-9 {
		t.Errorf("OuterAngle = %v", binned.OuterAngle())
	}

	var ve *ValidationError
	if _, err := m.RadialBinning(0, 0, 0); !errors.As(err, &ve) {
		t.Errorf("zero step: err = %v, want ValidationError", err)
	}
}

func TestIntegrateRadialRouting(t *testing.T) {
	as, _ := testPatterns(t, nd.Zeros(8, 8), nil).AngularSampling()
	outer := 3 * as[0]

	t.Run("two scan axes yield images", func(t *testing.T) {
		extra := []axes.Axis{
			axes.NewScan("x", 0.3, 0, false),
			axes.NewScan("y", 0.4, 0, false),
		}
		m := testPatterns(t, nd.Full(1, 2, 3, 8, 8), extra)
		got, err := m.IntegrateRadial(0, outer)
		if err != nil {
			t.Fatal(err)
		}
		images, ok := got.(*Images)
		if !ok {
			t.Fatalf("routed to %T, want *Images", got)
		}
		if s := images.Sampling(); s != [2]float64{0.3, 0.4} {
			t.Errorf("sampling = %v", s)
		}
		if shape := images.Shape(); len(shape) != 2 || shape[0] != 2 || shape[1] != 3 {
			t.Errorf("shape = %v", shape)
		}
	})

	t.Run("one scan axis yields line profiles", func(t *testing.T) {
		extra := []axes.Axis{
			axes.NewOrdinal("batch"),
			axes.NewScan("x", 0.3, 1, false),
		}
		m := testPatterns(t, nd.Full(1, 2, 3, 8, 8), extra)
		got, err := m.IntegrateRadial(0, outer)
		if err != nil {
			t.Fatal(err)
		}
		profiles, ok := got.(*LineProfiles)
		if !ok {
			t.Fatalf("routed to %T, want *LineProfiles", got)
		}
		if start := profiles.Start(); start != [2]float64{1, 0} {
			t.Errorf("start = %v", start)
		}
		if math.Abs(profiles.Sampling()-0.3) > 1e-12 {
			t.Errorf("sampling = %v", profiles.Sampling())
		}
		if len(profiles.ExtraAxes()) != 1 {
			t.Errorf("extra axes = %v", profiles.ExtraAxes())
		}
	})

	t.Run("no scan axes fail", func(t *testing.T) {
		extra := []axes.Axis{axes.NewOrdinal("batch")}
		m := testPatterns(t, nd.Full(1, 2, 8, 8), extra)
		var ae *AxesError
		if _, err := m.IntegrateRadial(0, outer); !errors.As(err, &ae) {
			t.Errorf("err = %v, want AxesError", err)
		}
	})

	t.Run("scan axes must trail", func(t *testing.T) {
		extra := []axes.Axis{
			axes.NewScan("x", 0.3, 0, false),
			axes.NewOrdinal("batch"),
		}
		m := testPatterns(t, nd.Full(1, 2, 3, 8, 8), extra)
		var ae *AxesError
		if _, err := m.IntegrateRadial(0, outer); !errors.As(err, &ae) {
			t.Errorf("err = %v, want AxesError", err)
		}
	})
}

func TestCenterOfMass(t *testing.T) {
	as, _ := testPatterns(t, nd.Zeros(8, 8), nil).AngularSampling()

	// A single off-center pixel of weight 2 at (+2, 0) angular steps.
	pattern := nd.Zeros(2, 2, 8, 8)
	for px := 0; px < 2; px++ {
		for py := 0; py < 2; py++ {
			pattern.Set(2, px, py, 6, 4)
		}
	}
	extra := []axes.Axis{
		axes.NewScan("x", 0.5, 0, false),
		axes.NewScan("y", 0.5, 0, false),
	}
	m := testPatterns(t, pattern, extra)

	got, err := m.CenterOfMass()
	if err != nil {
		t.Fatal(err)
	}
	images, ok := got.(*Images)
	if !ok {
		t.Fatalf("routed to %T, want *Images", got)
	}
	dense, err := images.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	if !dense.IsComplex() {
		t.Fatal("center of mass is not complex")
	}
	want := complex(2*2*as[0], 0)
	for px := 0; px < 2; px++ {
		for py := 0; py < 2; py++ {
			if got := dense.CAt(px, py); math.Abs(real(got-want))+math.Abs(imag(got-want)) > 1e-9 {
				t.Errorf("com[%d][%d] = %v, want %v", px, py, got, want)
			}
		}
	}
}

func TestIntegratedCenterOfMass(t *testing.T) {
	// Two symmetric pixels cancel the first moment, so the integrated phase
	// contrast is flat and pinned at zero.
	pattern := nd.Zeros(2, 2, 8, 8)
	for px := 0; px < 2; px++ {
		for py := 0; py < 2; py++ {
			pattern.Set(1, px, py, 6, 4)
			pattern.Set(1, px, py, 2, 4)
		}
	}
	extra := []axes.Axis{
		axes.NewScan("x", 0.5, 0, false),
		axes.NewScan("y", 0.5, 0, false),
	}
	m := testPatterns(t, pattern, extra)

	icom, err := m.IntegratedCenterOfMass()
	if err != nil {
		t.Fatal(err)
	}
	dense, err := icom.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range dense.Data() {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("flat field integrates to %v, want 0", v)
		}
	}
}

func TestIntegratedCenterOfMassNeedsTwoScanAxes(t *testing.T) {
	extra := []axes.Axis{axes.NewScan("x", 0.5, 0, false)}
	m := testPatterns(t, nd.Full(1, 3, 8, 8), extra)
	var ae *AxesError
	if _, err := m.IntegratedCenterOfMass(); !errors.As(err, &ae) {
		t.Errorf("err = %v, want AxesError", err)
	}
}

func TestBandlimitBlockDirect(t *testing.T) {
	m := testPatterns(t, nd.Full(1, 8, 8), nil)
	as, _ := m.AngularSampling()
	radius := 2.5 * as[0]

	low, err := m.Bandlimit(radius)
	if err != nil {
		t.Fatal(err)
	}
	high, err := m.BlockDirect(radius)
	if err != nil {
		t.Fatal(err)
	}

	// The two masks partition the pattern.
	sum, err := Add(low, high, false)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(sum, m) {
		t.Error("bandlimit and block-direct do not partition the pattern")
	}

	// The default block radius removes only the immediate neighborhood of the
	// direct beam.
	blocked, err := m.BlockDirect(0)
	if err != nil {
		t.Fatal(err)
	}
	dense, err := blocked.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	if dense.At(4, 4) != 0 {
		t.Error("direct beam pixel survived")
	}
	if dense.At(4, 6) != 1 {
		t.Error("off-axis pixel removed")
	}
}

func TestInterpolateUniform(t *testing.T) {
	m, err := NewDiffractionPatterns(nd.Full(1, 8, 8), [2]float64{0.1, 0.2}, 100e3, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	uniform, err := m.InterpolateUniform()
	if err != nil {
		t.Fatal(err)
	}
	if bs := uniform.BaseShape(); bs[0] != 4 || bs[1] != 8 {
		t.Fatalf("base shape = %v, want [4 8]", bs)
	}
	if s := uniform.Sampling(); math.Abs(s[0]-0.2) > 1e-12 || math.Abs(s[1]-0.2) > 1e-12 {
		t.Errorf("sampling = %v, want [0.2 0.2]", s)
	}
	dense, err := uniform.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range dense.Data() {
		if math.Abs(v-1) > 1e-9 {
			t.Fatalf("resampled constant = %v, want 1", v)
		}
	}
}

func TestInterpolateUniformSnapsCloseAxes(t *testing.T) {
	m, err := NewDiffractionPatterns(nd.Full(1, 8, 7), [2]float64{0.1, 0.1}, 100e3, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	uniform, err := m.InterpolateUniform()
	if err != nil {
		t.Fatal(err)
	}
	if bs := uniform.BaseShape(); bs[0] != bs[1] {
		t.Errorf("base shape = %v, want square", bs)
	}
}

func TestPoissonNoise(t *testing.T) {
	m := testPatterns(t, nd.Full(1000, 4, 4), nil)

	noisy, err := m.PoissonNoise(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if shape := noisy.Shape(); len(shape) != 3 || shape[0] != 3 {
		t.Fatalf("shape = %v, want [3 4 4]", shape)
	}
	extra := noisy.ExtraAxes()
	if len(extra) != 1 || extra[0].Kind != axes.Ordinal || extra[0].Label != "sample" {
		t.Fatalf("extra axes = %v", extra)
	}

	dense, err := noisy.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	mean := 0.0
	for _, v := range dense.Data() {
		if v < 0 {
			t.Fatal("negative count")
		}
		mean += v
	}
	mean /= float64(len(dense.Data()))
	if mean < 900 || mean > 1100 {
		t.Errorf("mean count = %v, want about 1000", mean)
	}
}

func TestPoissonNoiseErrors(t *testing.T) {
	m := testPatterns(t, nd.Full(1, 4, 4), nil)
	var ve *ValidationError
	if _, err := m.PoissonNoise(0, 1); !errors.As(err, &ve) {
		t.Errorf("zero dose: err = %v, want ValidationError", err)
	}
	if _, err := m.PoissonNoise(1, 0); !errors.As(err, &ve) {
		t.Errorf("zero samples: err = %v, want ValidationError", err)
	}
}

func TestPoissonNoiseChunkedStack(t *testing.T) {
	// Eight chunks evaluate in parallel on Compute; the shared generator
	// must serve them all and the draws must still be scaled correctly.
	shape := []int{8, 4, 4}
	chunks := [][]int{{1, 1, 1, 1, 1, 1, 1, 1}, {4}, {4}}
	lazy, err := dataset.FromBlocks(shape, chunks, false, func([]int) (*nd.Array, error) {
		return nd.Full(10, 1, 4, 4), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	extra := []axes.Axis{axes.NewOrdinal("frame")}
	m, err := NewLazyDiffractionPatterns(lazy, [2]float64{0.1, 0.1}, 100e3, true, extra, nil)
	if err != nil {
		t.Fatal(err)
	}

	noisy, err := m.PoissonNoise(10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !noisy.Lazy() {
		t.Error("noise over a lazy stack should stay lazy")
	}

	forced, err := ToCPU(noisy)
	if err != nil {
		t.Fatal(err)
	}
	if shape := forced.Shape(); len(shape) != 4 || shape[0] != 2 || shape[1] != 8 {
		t.Fatalf("shape = %v, want [2 8 4 4]", shape)
	}

	// 256 draws at an expected count of 100 per pixel.
	mean := 0.0
	for _, v := range forced.array().Dense().Data() {
		if v < 0 {
			t.Fatal("negative count")
		}
		mean += v
	}
	mean /= 256
	if mean < 95 || mean > 105 {
		t.Errorf("mean count = %v, want about 100", mean)
	}
}

func TestDiffractionGaussianFilter(t *testing.T) {
	// One scan axis of four positions; an impulse at scan position 1 spreads
	// along the scan axis while each pattern pixel keeps its own series sum.
	scanAxis := axes.NewScan("x", 1.0, 0, false)
	values := make([]float64, 4*2*2)
	values[1*4+0] = 8 // scan 1, pattern pixel (0, 0)
	m := testPatterns(t, nd.FromSlice(values, 4, 2, 2), []axes.Axis{scanAxis})

	blurred, err := m.GaussianFilter([]float64{0.8}, "")
	if err != nil {
		t.Fatal(err)
	}
	dense, err := blurred.array().Compute()
	if err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for s := 0; s < 4; s++ {
		sum += dense.At(s, 0, 0)
	}
	if math.Abs(sum-8) > 1e-9 {
		t.Errorf("series sum at pixel (0,0) = %v, want 8", sum)
	}
	if dense.At(1, 0, 0) >= 8 {
		t.Error("impulse was not spread along the scan axis")
	}
	if dense.At(1, 0, 0) <= dense.At(2, 0, 0) {
		t.Error("impulse is no longer the scan-axis maximum")
	}
	// Other pattern pixels stay untouched.
	for s := 0; s < 4; s++ {
		if dense.At(s, 1, 1) != 0 {
			t.Fatalf("pattern pixel (1,1) changed at scan %d: %v", s, dense.At(s, 1, 1))
		}
	}
}

func TestDiffractionGaussianFilterChunked(t *testing.T) {
	// Halo stitching across scan chunks must agree with the eager result.
	scanAxis := axes.NewScan("x", 1.0, 0, false)
	values := make([]float64, 4*2*2)
	values[1*4+0] = 8
	eager := testPatterns(t, nd.FromSlice(values, 4, 2, 2), []axes.Axis{scanAxis})

	lazy, err := dataset.FromBlocks([]int{4, 2, 2}, [][]int{{2, 2}, {2}, {2}}, false, func(idx []int) (*nd.Array, error) {
		block := nd.Zeros(2, 2, 2)
		if idx[0] == 0 {
			block.Set(8, 1, 0, 0)
		}
		return block, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	chunked, err := NewLazyDiffractionPatterns(lazy, [2]float64{0.1, 0.1}, 100e3, true, []axes.Axis{scanAxis}, nil)
	if err != nil {
		t.Fatal(err)
	}

	want, err := eager.GaussianFilter([]float64{0.8}, "periodic")
	if err != nil {
		t.Fatal(err)
	}
	got, err := chunked.GaussianFilter([]float64{0.8}, "periodic")
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(want, got) {
		t.Error("chunked blur disagrees with the eager blur")
	}
}

func TestDiffractionGaussianFilterErrors(t *testing.T) {
	scanAxis := axes.NewScan("x", 1.0, 0, false)
	m := testPatterns(t, nd.Zeros(4, 2, 2), []axes.Axis{scanAxis})

	var ae *AxesError
	if _, err := m.GaussianFilter([]float64{1, 1}, ""); !errors.As(err, &ae) {
		t.Errorf("sigma arity: err = %v, want AxesError", err)
	}
	noScan := testPatterns(t, nd.Zeros(4, 2, 2), []axes.Axis{axes.NewOrdinal("frame")})
	if _, err := noScan.GaussianFilter([]float64{1}, ""); !errors.As(err, &ae) {
		t.Errorf("no scan axes: err = %v, want AxesError", err)
	}
	var ve *ValidationError
	if _, err := m.GaussianFilter([]float64{1}, "zero"); !errors.As(err, &ve) {
		t.Errorf("non-periodic boundary: err = %v, want ValidationError", err)
	}
}
