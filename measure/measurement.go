// Package measure models multi-dimensional electron-microscopy measurement
// data: real-space images, line profiles, diffraction patterns and
// polar-binned detector readouts. Every measurement couples a numeric array
// (eager or lazily chunked) with calibration fields and axis metadata, and
// derives new measurements without mutating its inputs.
package measure

import (
	"fmt"
	"reflect"

	"em-measure/internal/backend"
	"em-measure/internal/dataset"
	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// Measurement is the read-only surface shared by all measurement kinds.
type Measurement interface {
	// Shape returns the full array shape, extra axes leading.
	Shape() []int
	// BaseShape returns the trailing signal dimensions.
	BaseShape() []int
	// NumBaseAxes returns the number of signal axes of the kind.
	NumBaseAxes() int
	// ExtraAxes returns the metadata of the leading (batch) axes.
	ExtraAxes() []axes.Axis
	// BaseAxes returns the metadata of the signal axes.
	BaseAxes() []axes.Axis
	// Metadata returns the free-form metadata map.
	Metadata() map[string]any
	// Lazy reports whether the array is a deferred computation.
	Lazy() bool

	kindTag() string
	calibration() map[string]any
	array() *dataset.Array
}

// Derivable is a measurement kind that can produce a sibling of its own
// concrete type from new array data, carrying its calibration along.
type Derivable[M Measurement] interface {
	Measurement
	derive(data *dataset.Array, extra []axes.Axis) M
}

// base carries the state common to every measurement kind.
type base struct {
	data    *dataset.Array
	numBase int
	extra   []axes.Axis
	meta    map[string]any
	be      backend.Backend
}

// newBase validates that the extra axis metadata covers exactly the axes the
// array has beyond the kind's base axes.
func newBase(data *dataset.Array, numBase int, extra []axes.Axis, meta map[string]any, be backend.Backend) (base, error) {
	if got := data.NumDims() - numBase; got != len(extra) {
		return base{}, &AxesError{
			Op:     "new measurement",
			Reason: fmt.Sprintf("%d extra axes described for an array with %d", len(extra), got),
		}
	}
	if be == nil {
		be = backend.Default()
	}
	return base{
		data:    data,
		numBase: numBase,
		extra:   cloneAxes(extra),
		meta:    cloneMeta(meta),
		be:      be,
	}, nil
}

func (b *base) Shape() []int { return b.data.Shape() }

func (b *base) BaseShape() []int {
	s := b.data.Shape()
	return s[len(s)-b.numBase:]
}

func (b *base) NumBaseAxes() int { return b.numBase }

func (b *base) ExtraAxes() []axes.Axis { return cloneAxes(b.extra) }

func (b *base) Metadata() map[string]any { return b.meta }

func (b *base) Lazy() bool { return b.data.IsLazy() }

func (b *base) array() *dataset.Array { return b.data }

// CheckCompatible reports the first field on which two measurements disagree
// for the purpose of elementwise combination.
func CheckCompatible(a, b Measurement) error {
	if a.kindTag() != b.kindTag() {
		return &CompatibilityError{Field: "type", Detail: fmt.Sprintf("%s vs %s", a.kindTag(), b.kindTag())}
	}
	if !reflect.DeepEqual(a.Shape(), b.Shape()) {
		return &CompatibilityError{Field: "shape", Detail: fmt.Sprintf("%v vs %v", a.Shape(), b.Shape())}
	}
	ca, cb := a.calibration(), b.calibration()
	for key, va := range ca {
		if !reflect.DeepEqual(va, cb[key]) {
			return &CompatibilityError{Field: key, Detail: fmt.Sprintf("%v vs %v", va, cb[key])}
		}
	}
	if !reflect.DeepEqual(a.ExtraAxes(), b.ExtraAxes()) {
		return &CompatibilityError{Field: "extra_axes", Detail: "axis metadata differs"}
	}
	return nil
}

// Equal reports whether two measurements have the same kind, calibration and
// axis metadata and arrays that agree within a 1e-8 tolerance band.
// Comparing forces lazy arrays.
func Equal(a, b Measurement) bool {
	if CheckCompatible(a, b) != nil {
		return false
	}
	da, err := a.array().Compute()
	if err != nil {
		return false
	}
	db, err := b.array().Compute()
	if err != nil {
		return false
	}
	return da.AllClose(db, 1e-8, 1e-8)
}

// Add returns the elementwise sum of two compatible measurements. With
// inPlace and eager inputs the receiver's array is mutated and returned;
// when either input is lazy, inPlace is ignored and a new lazy measurement
// is built instead.
func Add[M Derivable[M]](a, b M, inPlace bool) (M, error) {
	return combine(a, b, inPlace, 1)
}

// Subtract returns the elementwise difference of two compatible
// measurements. inPlace behaves as in Add.
func Subtract[M Derivable[M]](a, b M, inPlace bool) (M, error) {
	return combine(a, b, inPlace, -1)
}

func combine[M Derivable[M]](a, b M, inPlace bool, sign float64) (M, error) {
	var zero M
	if err := CheckCompatible(a, b); err != nil {
		return zero, err
	}
	if inPlace && !a.Lazy() && !b.Lazy() {
		if sign > 0 {
			a.array().Dense().AddInPlace(b.array().Dense())
		} else {
			a.array().Dense().SubInPlace(b.array().Dense())
		}
		return a, nil
	}
	out, err := dataset.Zip(a.array(), b.array(), a.Shape(), a.array().IsComplex(), func(x, y *nd.Array) (*nd.Array, error) {
		if sign > 0 {
			return x.Add(y), nil
		}
		return x.Sub(y), nil
	})
	if err != nil {
		return zero, err
	}
	return a.derive(out, a.ExtraAxes()), nil
}

// RelativeDifference returns (a-b)/a where |a| is at least
// minRelativeTolerance times the largest magnitude in a, and zero elsewhere.
func RelativeDifference[M Derivable[M]](a, b M, minRelativeTolerance float64) (M, error) {
	var zero M
	if err := CheckCompatible(a, b); err != nil {
		return zero, err
	}
	out, err := dataset.Zip(a.array(), b.array(), a.Shape(), a.array().IsComplex(), func(x, y *nd.Array) (*nd.Array, error) {
		diff := x.Sub(y)
		threshold := minRelativeTolerance * x.MaxAbs()
		if diff.IsComplex() {
			xs, ds := x.CData(), diff.CData()
			for i := range ds {
				if abs := real(xs[i])*real(xs[i]) + imag(xs[i])*imag(xs[i]); abs >= threshold*threshold {
					ds[i] /= xs[i]
				} else {
					ds[i] = 0
				}
			}
			return diff, nil
		}
		xs, ds := x.Data(), diff.Data()
		for i := range ds {
			v := xs[i]
			if v < 0 {
				v = -v
			}
			if v >= threshold {
				ds[i] /= xs[i]
			} else {
				ds[i] = 0
			}
		}
		return diff, nil
	})
	if err != nil {
		return zero, err
	}
	return a.derive(out, a.ExtraAxes()), nil
}

// Mean averages the given extra axes away.
func Mean[M Derivable[M]](m M, axs ...int) (M, error) { return reduce(m, nd.ReduceMean, axs) }

// Sum totals the given extra axes away.
func Sum[M Derivable[M]](m M, axs ...int) (M, error) { return reduce(m, nd.ReduceSum, axs) }

// Std takes the population standard deviation over the given extra axes.
func Std[M Derivable[M]](m M, axs ...int) (M, error) { return reduce(m, nd.ReduceStd, axs) }

func reduce[M Derivable[M]](m M, red nd.Reduction, axs []int) (M, error) {
	var zero M
	extra := m.ExtraAxes()
	if red == nd.ReduceStd && m.array().IsComplex() {
		return zero, &TypeError{Op: "std", Want: "real array", Got: "complex array"}
	}
	reduced := make([]bool, len(extra))
	for _, ax := range axs {
		if ax < 0 || ax >= len(extra) {
			return zero, &AxesError{Op: "reduce", Reason: fmt.Sprintf("axis %d is not an extra axis", ax)}
		}
		reduced[ax] = true
	}

	shape := m.Shape()
	var outShape []int
	var outExtra []axes.Axis
	sorted := make([]int, 0, len(axs))
	for d := range extra {
		if reduced[d] {
			sorted = append(sorted, d)
			continue
		}
		outShape = append(outShape, shape[d])
		outExtra = append(outExtra, extra[d])
	}
	outShape = append(outShape, m.BaseShape()...)

	out, err := m.array().Defer(outShape, m.array().IsComplex(), func(a *nd.Array) (*nd.Array, error) {
		return a.Reduce(red, sorted), nil
	})
	if err != nil {
		return zero, err
	}
	return m.derive(out, outExtra), nil
}

// IndexItem selects along one extra axis: At removes the axis, Range keeps
// it with the half-open interval [Start, Stop).
type IndexItem interface{ isIndexItem() }

// At picks a single position along an extra axis, removing it.
type At int

func (At) isIndexItem() {}

// Range keeps the half-open interval [Start, Stop) of an extra axis.
type Range struct{ Start, Stop int }

func (Range) isIndexItem() {}

// Index applies the items to the leading extra axes in order. Addressing a
// base axis, by passing more items than there are extra axes, fails.
func Index[M Derivable[M]](m M, items ...IndexItem) (M, error) {
	var zero M
	extra := m.ExtraAxes()
	if len(items) > len(extra) {
		return zero, &AxesError{Op: "index", Reason: "base axes cannot be indexed"}
	}

	shape := m.Shape()
	outShape := make([]int, 0, len(shape))
	var outExtra []axes.Axis
	for d, item := range items {
		switch it := item.(type) {
		case At:
			if int(it) < 0 || int(it) >= shape[d] {
				return zero, &ValidationError{Op: "index", Reason: fmt.Sprintf("position %d out of range on axis %d", it, d)}
			}
		case Range:
			if it.Start < 0 || it.Stop > shape[d] || it.Start > it.Stop {
				return zero, &ValidationError{Op: "index", Reason: fmt.Sprintf("range [%d, %d) out of range on axis %d", it.Start, it.Stop, d)}
			}
			outShape = append(outShape, it.Stop-it.Start)
			outExtra = append(outExtra, extra[d])
		}
	}
	for d := len(items); d < len(extra); d++ {
		outShape = append(outShape, shape[d])
		outExtra = append(outExtra, extra[d])
	}
	outShape = append(outShape, m.BaseShape()...)

	out, err := m.array().Defer(outShape, m.array().IsComplex(), func(a *nd.Array) (*nd.Array, error) {
		pos := 0
		for _, item := range items {
			switch it := item.(type) {
			case At:
				a = a.Pick(pos, int(it))
			case Range:
				a = a.SliceAxis(pos, it.Start, it.Stop)
				pos++
			}
		}
		return a, nil
	})
	if err != nil {
		return zero, err
	}
	return m.derive(out, outExtra), nil
}

// Squeeze removes the extra axes of length one together with their axis
// metadata. Base axes are never squeezed.
func Squeeze[M Derivable[M]](m M) (M, error) {
	var zero M
	shape := m.Shape()
	extra := m.ExtraAxes()

	outShape := make([]int, 0, len(shape))
	var outExtra []axes.Axis
	for d, ax := range extra {
		if shape[d] == 1 {
			continue
		}
		outShape = append(outShape, shape[d])
		outExtra = append(outExtra, ax)
	}
	outShape = append(outShape, m.BaseShape()...)

	out, err := m.array().Defer(outShape, m.array().IsComplex(), func(a *nd.Array) (*nd.Array, error) {
		return a.Reshape(outShape...), nil
	})
	if err != nil {
		return zero, err
	}
	return m.derive(out, outExtra), nil
}

// Stack joins compatible measurements along a new leading extra axis
// described by ax. Lazy members stay lazy, chunked one block per member.
func Stack[M Derivable[M]](ms []M, ax axes.Axis) (M, error) {
	var zero M
	if len(ms) == 0 {
		return zero, &ValidationError{Op: "stack", Reason: "no measurements"}
	}
	first := ms[0]
	for _, m := range ms[1:] {
		if err := CheckCompatible(first, m); err != nil {
			return zero, err
		}
	}

	shape := first.Shape()
	outShape := append([]int{len(ms)}, shape...)

	lazy := false
	for _, m := range ms {
		if m.Lazy() {
			lazy = true
		}
	}

	var out *dataset.Array
	var err error
	if !lazy {
		blocks := make([]*nd.Array, len(ms))
		for i, m := range ms {
			blocks[i] = m.array().Dense()
		}
		out = dataset.FromDense(nd.Stack(blocks))
	} else {
		chunks := make([][]int, 0, len(outShape))
		lead := make([]int, len(ms))
		for i := range lead {
			lead[i] = 1
		}
		chunks = append(chunks, lead)
		for _, n := range shape {
			chunks = append(chunks, []int{n})
		}
		out, err = dataset.FromBlocks(outShape, chunks, first.array().IsComplex(), func(idx []int) (*nd.Array, error) {
			block, err := ms[idx[0]].array().Compute()
			if err != nil {
				return nil, err
			}
			return block.Reshape(append([]int{1}, shape...)...), nil
		})
		if err != nil {
			return zero, err
		}
	}
	return first.derive(out, append([]axes.Axis{ax}, first.ExtraAxes()...)), nil
}

// Copy returns a deep copy; lazy arrays share their block graph.
func Copy[M Derivable[M]](m M) M {
	data := m.array()
	if !data.IsLazy() {
		data = dataset.FromDense(data.Dense().Clone())
	}
	return m.derive(data, m.ExtraAxes())
}

// ToCPU forces the array and returns a materialized copy of the measurement.
func ToCPU[M Derivable[M]](m M) (M, error) {
	var zero M
	dense, err := m.array().Compute()
	if err != nil {
		return zero, err
	}
	return m.derive(dataset.FromDense(dense.Clone()), m.ExtraAxes()), nil
}

// scanAxisIndices returns the extra axes that originate from a real-space
// scan, in order.
func scanAxisIndices(extra []axes.Axis) []int {
	var idx []int
	for d, ax := range extra {
		if ax.IsScan() {
			idx = append(idx, d)
		}
	}
	return idx
}

// ScanSampling returns the sampling of each scan axis of a measurement.
func ScanSampling(m Measurement) []float64 {
	extra := m.ExtraAxes()
	var out []float64
	for _, d := range scanAxisIndices(extra) {
		out = append(out, extra[d].Sampling)
	}
	return out
}

// ScanPositions returns the sample positions along each scan axis.
func ScanPositions(m Measurement) [][]float64 {
	extra := m.ExtraAxes()
	shape := m.Shape()
	var out [][]float64
	for _, d := range scanAxisIndices(extra) {
		ax := extra[d]
		n := shape[d]
		positions := make([]float64, n)
		step := ax.Sampling
		if ax.Endpoint && n > 1 {
			step = ax.Sampling * float64(n) / float64(n-1)
		}
		for i := range positions {
			positions[i] = ax.Offset + float64(i)*step
		}
		out = append(out, positions)
	}
	return out
}

// ScanExtent returns the length covered by each scan axis.
func ScanExtent(m Measurement) []float64 {
	extra := m.ExtraAxes()
	shape := m.Shape()
	var out []float64
	for _, d := range scanAxisIndices(extra) {
		out = append(out, extra[d].Sampling*float64(shape[d]))
	}
	return out
}

func cloneAxes(in []axes.Axis) []axes.Axis {
	return append([]axes.Axis(nil), in...)
}

func cloneMeta(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
