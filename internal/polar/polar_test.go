package polar

import (
	"math"
	"testing"

	"em-measure/internal/nd"
)

func TestDetectorBinsSingleAnnulus(t *testing.T) {
	// One radial and one azimuthal bin over a uniform pattern collect every
	// pixel whose angle lies in [0, outer).
	shape := [2]int{16, 16}
	sampling := [2]float64{1, 1}
	outer := 5.0

	bins := DetectorBins(shape, sampling, 0, outer, 1, 1, 0, true)

	inside := 0
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			ax := float64(i - shape[0]/2)
			ay := float64(j - shape[1]/2)
			want := math.Hypot(ax, ay) < outer
			got := bins[i*shape[1]+j] == 0
			if got != want {
				t.Fatalf("pixel (%d,%d) r=%v: in bin = %v, want %v", i, j, math.Hypot(ax, ay), got, want)
			}
			if got {
				inside++
			}
		}
	}

	indices, separators := IndexedBins(bins, 1)
	if len(indices) != inside || separators[1]-separators[0] != inside {
		t.Errorf("indexed %d pixels, want %d", separators[1]-separators[0], inside)
	}

	// Summing a uniform pattern over the single bin counts the pixels.
	a := nd.Full(1, 16, 16)
	sum := SumRunLengthEncoded(a, 2, indices, separators)
	if sum.At(0) != float64(inside) {
		t.Errorf("bin sum = %v, want %v", sum.At(0), inside)
	}
}

func TestDetectorBinsRadialOrdering(t *testing.T) {
	shape := [2]int{32, 32}
	bins := DetectorBins(shape, [2]float64{1, 1}, 2, 10, 4, 1, 0, true)

	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			r := math.Hypot(float64(i-16), float64(j-16))
			b := bins[i*shape[1]+j]
			if r < 2 || r >= 10 {
				if b != -1 {
					t.Fatalf("pixel at r=%v assigned bin %d, want -1", r, b)
				}
				continue
			}
			want := int(math.Floor((r - 2) / 2))
			if b != want {
				t.Fatalf("pixel at r=%v assigned bin %d, want %d", r, b, want)
			}
		}
	}
}

func TestDetectorBinsAzimuthalRotation(t *testing.T) {
	shape := [2]int{16, 16}
	// Four quadrant bins. The pixel one step along +x sits at angle 0.
	bins := DetectorBins(shape, [2]float64{1, 1}, 0, 8, 1, 4, 0, true)
	px := (8+2)*16 + 8 // (ax, ay) = (2, 0)
	if bins[px] != 0 {
		t.Errorf("angle-0 pixel in bin %d, want 0", bins[px])
	}

	// Rotating by pi/2 moves it into the next azimuthal bin.
	rotated := DetectorBins(shape, [2]float64{1, 1}, 0, 8, 1, 4, math.Pi/2, true)
	if rotated[px] != 1 {
		t.Errorf("rotated angle-0 pixel in bin %d, want 1", rotated[px])
	}
}

func TestIndexedBinsGrouping(t *testing.T) {
	bins := []int{2, -1, 0, 1, 0, 2}
	indices, separators := IndexedBins(bins, 3)

	if len(indices) != 5 {
		t.Fatalf("indices = %v", indices)
	}
	wantSep := []int{0, 2, 3, 5}
	for i, w := range wantSep {
		if separators[i] != w {
			t.Fatalf("separators = %v, want %v", separators, wantSep)
		}
	}
	for b := 0; b < 3; b++ {
		for k := separators[b]; k < separators[b+1]; k++ {
			if bins[indices[k]] != b {
				t.Fatalf("run %d contains pixel with bin %d", b, bins[indices[k]])
			}
		}
	}
}

func TestSumRunLengthEncodedBatched(t *testing.T) {
	// Two leading positions over a 4-pixel signal, two bins of two pixels.
	a := nd.FromSlice([]float64{1, 2, 3, 4, 10, 20, 30, 40}, 2, 4)
	indices := []int{0, 2, 1, 3}
	separators := []int{0, 2, 4}

	sums := SumRunLengthEncoded(a, 1, indices, separators)
	want := [][2]float64{{4, 6}, {40, 60}}
	for o := range want {
		for b := range want[o] {
			if sums.At(o, b) != want[o][b] {
				t.Errorf("sums[%d][%d] = %v, want %v", o, b, sums.At(o, b), want[o][b])
			}
		}
	}
}

func TestBilinearIdentity(t *testing.T) {
	// Resampling onto the same grid is the identity.
	a := nd.FromSlice([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, 4, 4)
	v, u, vw, uw := BilinearNodesAndWeights([2]int{4, 4}, [2]int{4, 4}, [2]float64{1, 1}, [2]float64{1, 1})

	got := InterpolateBilinear(a, v, u, vw, uw)
	if !got.AllClose(a, 0, 0) {
		t.Errorf("identity resample = %v", got.Data())
	}
}

func TestBilinearHalfStep(t *testing.T) {
	// Doubling the grid at half the step interpolates midpoints along a ramp.
	a := nd.Zeros(4, 4)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.Set(float64(i), i, j)
		}
	}

	v, u, vw, uw := BilinearNodesAndWeights([2]int{4, 4}, [2]int{8, 8}, [2]float64{1, 1}, [2]float64{0.5, 0.5})
	got := InterpolateBilinear(a, v, u, vw, uw)

	// The target row at frequency +0.5 sits between source rows 2 and 3 of
	// the ramp and averages their values.
	mid := 8/2 + 1
	if math.Abs(got.At(mid, 4)-2.5) > 1e-12 {
		t.Errorf("midpoint = %v, want 2.5", got.At(mid, 4))
	}
}
