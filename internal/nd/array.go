// Package nd implements the dense N-dimensional arrays backing measurement
// data. Arrays are row-major over a flat slice and hold either real or
// complex values.
package nd

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Array is a dense N-dimensional array. Exactly one of the real or complex
// backing slices is non-nil.
type Array struct {
	shape []int
	real  []float64
	cplx  []complex128
}

// Zeros returns a real-valued array of the given shape filled with zeros.
func Zeros(shape ...int) *Array {
	return &Array{shape: cloneInts(shape), real: make([]float64, product(shape))}
}

// ZerosComplex returns a complex-valued array of the given shape.
func ZerosComplex(shape ...int) *Array {
	return &Array{shape: cloneInts(shape), cplx: make([]complex128, product(shape))}
}

// FromSlice wraps data as an array of the given shape. The slice is not
// copied; it must have exactly product(shape) elements.
func FromSlice(data []float64, shape ...int) *Array {
	if len(data) != product(shape) {
		panic(fmt.Sprintf("nd: %d elements do not fill shape %v", len(data), shape))
	}
	return &Array{shape: cloneInts(shape), real: data}
}

// FromComplex wraps complex data as an array of the given shape.
func FromComplex(data []complex128, shape ...int) *Array {
	if len(data) != product(shape) {
		panic(fmt.Sprintf("nd: %d elements do not fill shape %v", len(data), shape))
	}
	return &Array{shape: cloneInts(shape), cplx: data}
}

// Full returns a real array of the given shape with every element set to v.
func Full(v float64, shape ...int) *Array {
	a := Zeros(shape...)
	for i := range a.real {
		a.real[i] = v
	}
	return a
}

// Shape returns a copy of the array's shape.
func (a *Array) Shape() []int { return cloneInts(a.shape) }

// NumDims returns the number of axes.
func (a *Array) NumDims() int { return len(a.shape) }

// Size returns the total number of elements.
func (a *Array) Size() int { return product(a.shape) }

// IsComplex reports whether the array holds complex values.
func (a *Array) IsComplex() bool { return a.cplx != nil }

// Data returns the real backing slice (nil for complex arrays).
func (a *Array) Data() []float64 { return a.real }

// CData returns the complex backing slice (nil for real arrays).
func (a *Array) CData() []complex128 { return a.cplx }

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	out := &Array{shape: cloneInts(a.shape)}
	if a.IsComplex() {
		out.cplx = append([]complex128(nil), a.cplx...)
	} else {
		out.real = append([]float64(nil), a.real...)
	}
	return out
}

// Reshape returns a view of the same backing data with a new shape of equal
// size.
func (a *Array) Reshape(shape ...int) *Array {
	if product(shape) != a.Size() {
		panic(fmt.Sprintf("nd: cannot reshape %v to %v", a.shape, shape))
	}
	return &Array{shape: cloneInts(shape), real: a.real, cplx: a.cplx}
}

// At returns the real element at the given multi-index.
func (a *Array) At(idx ...int) float64 { return a.real[a.offset(idx)] }

// Set assigns the real element at the given multi-index.
func (a *Array) Set(v float64, idx ...int) { a.real[a.offset(idx)] = v }

// CAt returns the complex element at the given multi-index.
func (a *Array) CAt(idx ...int) complex128 { return a.cplx[a.offset(idx)] }

// CSet assigns the complex element at the given multi-index.
func (a *Array) CSet(v complex128, idx ...int) { a.cplx[a.offset(idx)] = v }

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("nd: index %v does not address shape %v", idx, a.shape))
	}
	off := 0
	for d, i := range idx {
		if i < 0 || i >= a.shape[d] {
			panic(fmt.Sprintf("nd: index %v out of range for shape %v", idx, a.shape))
		}
		off = off*a.shape[d] + i
	}
	return off
}

// strides returns the row-major stride of each axis.
func (a *Array) strides() []int {
	s := make([]int, len(a.shape))
	stride := 1
	for d := len(a.shape) - 1; d >= 0; d-- {
		s[d] = stride
		stride *= a.shape[d]
	}
	return s
}

// Pick removes the given axis by selecting a single index along it.
func (a *Array) Pick(axis, index int) *Array {
	if axis < 0 || axis >= len(a.shape) {
		panic(fmt.Sprintf("nd: axis %d out of range for shape %v", axis, a.shape))
	}
	if index < 0 || index >= a.shape[axis] {
		panic(fmt.Sprintf("nd: index %d out of range on axis %d of shape %v", index, axis, a.shape))
	}
	outShape := append(cloneInts(a.shape[:axis]), a.shape[axis+1:]...)
	out := a.emptyLike(outShape)
	outer := product(a.shape[:axis])
	inner := product(a.shape[axis+1:])
	n := a.shape[axis]
	for o := 0; o < outer; o++ {
		src := (o*n + index) * inner
		dst := o * inner
		a.copyInto(out, src, dst, inner)
	}
	return out
}

// SliceAxis keeps the half-open range [start, stop) along the given axis.
func (a *Array) SliceAxis(axis, start, stop int) *Array {
	if axis < 0 || axis >= len(a.shape) {
		panic(fmt.Sprintf("nd: axis %d out of range for shape %v", axis, a.shape))
	}
	if start < 0 || stop > a.shape[axis] || start > stop {
		panic(fmt.Sprintf("nd: range [%d, %d) out of bounds on axis %d of shape %v", start, stop, axis, a.shape))
	}
	outShape := cloneInts(a.shape)
	outShape[axis] = stop - start
	out := a.emptyLike(outShape)
	outer := product(a.shape[:axis])
	inner := product(a.shape[axis+1:])
	n := a.shape[axis]
	for o := 0; o < outer; o++ {
		for j := start; j < stop; j++ {
			src := (o*n + j) * inner
			dst := (o*(stop-start) + (j - start)) * inner
			a.copyInto(out, src, dst, inner)
		}
	}
	return out
}

// Region extracts a rectangular region. offset may be negative and
// offset+size may exceed the shape when wrap is true, in which case indices
// wrap periodically; otherwise the region must lie inside the array.
func (a *Array) Region(offset, size []int, wrap bool) *Array {
	if len(offset) != len(a.shape) || len(size) != len(a.shape) {
		panic("nd: region rank mismatch")
	}
	out := a.emptyLike(size)
	idx := make([]int, len(size))
	src := make([]int, len(size))
	for flat := 0; flat < out.Size(); flat++ {
		for d := range idx {
			g := offset[d] + idx[d]
			if wrap {
				g = mod(g, a.shape[d])
			} else if g < 0 || g >= a.shape[d] {
				panic(fmt.Sprintf("nd: region exceeds shape %v", a.shape))
			}
			src[d] = g
		}
		if a.IsComplex() {
			out.cplx[flat] = a.cplx[a.offset(src)]
		} else {
			out.real[flat] = a.real[a.offset(src)]
		}
		increment(idx, size)
	}
	return out
}

// SetRegion writes block into the array starting at offset. The block must
// fit inside the array.
func (a *Array) SetRegion(offset []int, block *Array) {
	if len(offset) != len(a.shape) || block.NumDims() != len(a.shape) {
		panic("nd: region rank mismatch")
	}
	size := block.shape
	idx := make([]int, len(size))
	dst := make([]int, len(size))
	for flat := 0; flat < block.Size(); flat++ {
		for d := range idx {
			dst[d] = offset[d] + idx[d]
		}
		if a.IsComplex() {
			a.cplx[a.offset(dst)] = block.cplx[flat]
		} else {
			a.real[a.offset(dst)] = block.real[flat]
		}
		increment(idx, size)
	}
}

// Stack joins arrays of identical shape and kind along a new leading axis.
func Stack(arrays []*Array) *Array {
	if len(arrays) == 0 {
		panic("nd: stacking zero arrays")
	}
	first := arrays[0]
	outShape := append([]int{len(arrays)}, first.shape...)
	out := first.emptyLike(outShape)
	n := first.Size()
	for i, arr := range arrays {
		if !equalInts(arr.shape, first.shape) || arr.IsComplex() != first.IsComplex() {
			panic("nd: stacking incompatible arrays")
		}
		arr.copyInto(out, 0, i*n, n)
	}
	return out
}

// Tile repeats the trailing len(reps) axes the given number of times each.
func (a *Array) Tile(reps []int) *Array {
	nd := len(a.shape)
	if len(reps) > nd {
		panic("nd: more repetitions than axes")
	}
	offset := make([]int, nd)
	size := cloneInts(a.shape)
	base := nd - len(reps)
	for i, r := range reps {
		size[base+i] *= r
	}
	// Periodic region extraction is exactly tiling.
	return a.Region(offset, size, true)
}

// Transpose permutes the axes according to perm.
func (a *Array) Transpose(perm []int) *Array {
	if len(perm) != len(a.shape) {
		panic("nd: permutation rank mismatch")
	}
	outShape := make([]int, len(perm))
	for d, p := range perm {
		outShape[d] = a.shape[p]
	}
	out := a.emptyLike(outShape)
	idx := make([]int, len(perm))
	src := make([]int, len(perm))
	for flat := 0; flat < out.Size(); flat++ {
		for d, p := range perm {
			src[p] = idx[d]
		}
		if a.IsComplex() {
			out.cplx[flat] = a.cplx[a.offset(src)]
		} else {
			out.real[flat] = a.real[a.offset(src)]
		}
		increment(idx, outShape)
	}
	return out
}

// Add returns the elementwise sum with other.
func (a *Array) Add(other *Array) *Array { return a.binary(other, 1) }

// Sub returns the elementwise difference with other.
func (a *Array) Sub(other *Array) *Array { return a.binary(other, -1) }

// AddInPlace accumulates other into the receiver.
func (a *Array) AddInPlace(other *Array) { a.binaryInPlace(other, 1) }

// SubInPlace subtracts other from the receiver in place.
func (a *Array) SubInPlace(other *Array) { a.binaryInPlace(other, -1) }

func (a *Array) binary(other *Array, sign float64) *Array {
	a.checkSame(other)
	out := a.Clone()
	out.binaryInPlace(other, sign)
	return out
}

func (a *Array) binaryInPlace(other *Array, sign float64) {
	a.checkSame(other)
	if a.IsComplex() {
		s := complex(sign, 0)
		for i := range a.cplx {
			a.cplx[i] += s * other.cplx[i]
		}
		return
	}
	for i := range a.real {
		a.real[i] += sign * other.real[i]
	}
}

// Scale multiplies every element by s in place.
func (a *Array) Scale(s float64) {
	if a.IsComplex() {
		c := complex(s, 0)
		for i := range a.cplx {
			a.cplx[i] *= c
		}
		return
	}
	for i := range a.real {
		a.real[i] *= s
	}
}

func (a *Array) checkSame(other *Array) {
	if !equalInts(a.shape, other.shape) || a.IsComplex() != other.IsComplex() {
		panic(fmt.Sprintf("nd: incompatible arrays %v and %v", a.shape, other.shape))
	}
}

// Angle returns the elementwise argument of a complex array.
func (a *Array) Angle() *Array {
	out := Zeros(a.shape...)
	for i, v := range a.cplx {
		out.real[i] = cmplx.Phase(v)
	}
	return out
}

// Abs returns the elementwise magnitude of a complex array.
func (a *Array) Abs() *Array {
	out := Zeros(a.shape...)
	for i, v := range a.cplx {
		out.real[i] = cmplx.Abs(v)
	}
	return out
}

// Abs2 returns the elementwise squared magnitude of a complex array.
func (a *Array) Abs2() *Array {
	out := Zeros(a.shape...)
	for i, v := range a.cplx {
		out.real[i] = real(v)*real(v) + imag(v)*imag(v)
	}
	return out
}

// Reduction identifies a reduction statistic.
type Reduction int

const (
	// ReduceMean averages over the reduced axes.
	ReduceMean Reduction = iota
	// ReduceSum totals over the reduced axes.
	ReduceSum
	// ReduceStd takes the population standard deviation over the reduced axes.
	ReduceStd
)

// Reduce collapses the given axes with the requested statistic. Axes must be
// sorted, unique and in range. Complex arrays support mean and sum only.
func (a *Array) Reduce(red Reduction, axs []int) *Array {
	reduced := make([]bool, len(a.shape))
	for _, ax := range axs {
		if ax < 0 || ax >= len(a.shape) {
			panic(fmt.Sprintf("nd: axis %d out of range for shape %v", ax, a.shape))
		}
		reduced[ax] = true
	}
	var outShape []int
	for d, n := range a.shape {
		if !reduced[d] {
			outShape = append(outShape, n)
		}
	}
	count := 1
	for _, ax := range axs {
		count *= a.shape[ax]
	}

	if a.IsComplex() {
		if red == ReduceStd {
			panic("nd: std of a complex array")
		}
		out := ZerosComplex(outShape...)
		a.accumulate(reduced, func(dst int, v complex128) { out.cplx[dst] += v }, nil)
		if red == ReduceMean {
			out.Scale(1 / float64(count))
		}
		return out
	}

	sums := Zeros(outShape...)
	a.accumulate(reduced, nil, func(dst int, v float64) { sums.real[dst] += v })
	switch red {
	case ReduceSum:
		return sums
	case ReduceMean:
		sums.Scale(1 / float64(count))
		return sums
	}

	// Standard deviation: second pass around the means.
	means := sums
	means.Scale(1 / float64(count))
	vars := Zeros(outShape...)
	a.accumulate(reduced, nil, func(dst int, v float64) {
		d := v - means.real[dst]
		vars.real[dst] += d * d
	})
	for i := range vars.real {
		vars.real[i] = math.Sqrt(vars.real[i] / float64(count))
	}
	return vars
}

// accumulate walks every element once, computing the flat destination index
// with the reduced axes removed.
func (a *Array) accumulate(reduced []bool, fc func(int, complex128), fr func(int, float64)) {
	idx := make([]int, len(a.shape))
	var outShape []int
	for d, n := range a.shape {
		if !reduced[d] {
			outShape = append(outShape, n)
		}
	}
	for flat := 0; flat < a.Size(); flat++ {
		dst := 0
		k := 0
		for d, i := range idx {
			if !reduced[d] {
				dst = dst*outShape[k] + i
				k++
			}
		}
		if a.IsComplex() {
			fc(dst, a.cplx[flat])
		} else {
			fr(dst, a.real[flat])
		}
		increment(idx, a.shape)
	}
}

// GatherTrailing flattens the trailing `trailing` axes and gathers the given
// linear indices from them, for every leading position. The result has shape
// leading + [len(indices)].
func (a *Array) GatherTrailing(indices []int, trailing int) *Array {
	lead := a.shape[:len(a.shape)-trailing]
	inner := product(a.shape[len(a.shape)-trailing:])
	outShape := append(cloneInts(lead), len(indices))
	out := a.emptyLike(outShape)
	for o := 0; o < product(lead); o++ {
		base := o * inner
		dst := o * len(indices)
		for j, ix := range indices {
			if a.IsComplex() {
				out.cplx[dst+j] = a.cplx[base+ix]
			} else {
				out.real[dst+j] = a.real[base+ix]
			}
		}
	}
	return out
}

// MulTrailing multiplies each trailing block elementwise by the real-valued
// mask, broadcast over the leading axes.
func (a *Array) MulTrailing(mask *Array) *Array {
	nb := mask.NumDims()
	if !equalInts(a.shape[len(a.shape)-nb:], mask.shape) {
		panic(fmt.Sprintf("nd: mask %v does not match trailing axes of %v", mask.shape, a.shape))
	}
	inner := mask.Size()
	out := a.Clone()
	for o := 0; o < a.Size()/inner; o++ {
		base := o * inner
		for j := 0; j < inner; j++ {
			if a.IsComplex() {
				out.cplx[base+j] *= complex(mask.real[j], 0)
			} else {
				out.real[base+j] *= mask.real[j]
			}
		}
	}
	return out
}

// DotTrailing contracts the trailing axes with the real-valued weights,
// producing one value per leading position.
func (a *Array) DotTrailing(weights *Array) *Array {
	nb := weights.NumDims()
	if !equalInts(a.shape[len(a.shape)-nb:], weights.shape) {
		panic(fmt.Sprintf("nd: weights %v do not match trailing axes of %v", weights.shape, a.shape))
	}
	inner := weights.Size()
	lead := a.shape[:len(a.shape)-nb]
	out := Zeros(lead...)
	for o := range out.real {
		base := o * inner
		var s float64
		for j := 0; j < inner; j++ {
			s += a.real[base+j] * weights.real[j]
		}
		out.real[o] = s
	}
	return out
}

// AllClose reports whether the arrays agree elementwise within the given
// relative and absolute tolerances.
func (a *Array) AllClose(other *Array, rtol, atol float64) bool {
	if !equalInts(a.shape, other.shape) || a.IsComplex() != other.IsComplex() {
		return false
	}
	if a.IsComplex() {
		for i := range a.cplx {
			if cmplx.Abs(a.cplx[i]-other.cplx[i]) > atol+rtol*cmplx.Abs(other.cplx[i]) {
				return false
			}
		}
		return true
	}
	for i := range a.real {
		if math.Abs(a.real[i]-other.real[i]) > atol+rtol*math.Abs(other.real[i]) {
			return false
		}
	}
	return true
}

// MaxAbs returns the largest elementwise magnitude.
func (a *Array) MaxAbs() float64 {
	m := 0.0
	if a.IsComplex() {
		for _, v := range a.cplx {
			m = math.Max(m, cmplx.Abs(v))
		}
		return m
	}
	for _, v := range a.real {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// SplitInteger splits n into m near-equal integers that sum to n, differing
// by at most one, with the larger parts trailing.
func SplitInteger(n, m int) ([]int, error) {
	if m <= 0 {
		return nil, fmt.Errorf("cannot split into %d parts", m)
	}
	if n < m {
		return nil, fmt.Errorf("cannot split %d into %d non-empty parts", n, m)
	}
	parts := make([]int, m)
	q, r := n/m, n%m
	for i := range parts {
		parts[i] = q
		if i >= m-r {
			parts[i]++
		}
	}
	return parts, nil
}

func (a *Array) emptyLike(shape []int) *Array {
	if a.IsComplex() {
		return ZerosComplex(shape...)
	}
	return Zeros(shape...)
}

func (a *Array) copyInto(dst *Array, srcOff, dstOff, n int) {
	if a.IsComplex() {
		copy(dst.cplx[dstOff:dstOff+n], a.cplx[srcOff:srcOff+n])
	} else {
		copy(dst.real[dstOff:dstOff+n], a.real[srcOff:srcOff+n])
	}
}

func increment(idx, shape []int) {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

func product(shape []int) int {
	p := 1
	for _, n := range shape {
		p *= n
	}
	return p
}

func cloneInts(s []int) []int { return append([]int(nil), s...) }

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mod(i, n int) int {
	r := i % n
	if r < 0 {
		r += n
	}
	return r
}
