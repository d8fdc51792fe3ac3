// Package dataset wraps measurement arrays in a container that is either
// materialized in memory or represented as a lazily-chunked block graph.
// Chunking is restricted to the leading (batch) axes; the trailing signal
// axes always live whole inside a block, so block-wise reductions over them
// need no cross-chunk synchronization.
package dataset

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"em-measure/internal/nd"
)

// Array is a numeric array that is either dense (materialized) or lazy
// (a chunk grid with a block function).
type Array struct {
	shape   []int
	complex bool
	dense   *nd.Array
	graph   *node
}

// node is a lazy block graph: per-axis chunk lengths plus a pure function
// from chunk coordinates to the block's values. Computed blocks are
// memoized so halo gathering never recomputes a neighbor.
type node struct {
	chunks [][]int
	block  func(idx []int) (*nd.Array, error)

	mu    sync.Mutex
	cache map[string]*nd.Array
}

// FromDense wraps a materialized array.
func FromDense(a *nd.Array) *Array {
	return &Array{shape: a.Shape(), complex: a.IsComplex(), dense: a}
}

// FromBlocks builds a lazy array from a chunk grid and a block function.
// chunks holds the chunk lengths along each axis; their per-axis sums must
// equal the shape.
func FromBlocks(shape []int, chunks [][]int, complex bool, block func(idx []int) (*nd.Array, error)) (*Array, error) {
	if len(chunks) != len(shape) {
		return nil, fmt.Errorf("dataset: %d chunk axes for %d array axes", len(chunks), len(shape))
	}
	for d, c := range chunks {
		total := 0
		for _, n := range c {
			total += n
		}
		if total != shape[d] {
			return nil, fmt.Errorf("dataset: chunks %v do not cover axis %d of shape %v", c, d, shape)
		}
	}
	return &Array{
		shape:   append([]int(nil), shape...),
		complex: complex,
		graph:   &node{chunks: chunks, block: block, cache: map[string]*nd.Array{}},
	}, nil
}

// DefaultChunks splits the leading `leading` axes of shape into chunks of at
// most target elements each; the remaining axes are a single chunk.
func DefaultChunks(shape []int, leading, target int) [][]int {
	chunks := make([][]int, len(shape))
	for d, n := range shape {
		if d >= leading || n <= target {
			chunks[d] = []int{n}
			continue
		}
		parts := (n + target - 1) / target
		split, err := nd.SplitInteger(n, parts)
		if err != nil {
			split = []int{n}
		}
		chunks[d] = split
	}
	return chunks
}

// Shape returns a copy of the array's shape.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// NumDims returns the number of axes.
func (a *Array) NumDims() int { return len(a.shape) }

// IsLazy reports whether the array is a deferred computation.
func (a *Array) IsLazy() bool { return a.dense == nil }

// IsComplex reports whether the array holds complex values.
func (a *Array) IsComplex() bool { return a.complex }

// Dense returns the materialized array, or nil when lazy.
func (a *Array) Dense() *nd.Array { return a.dense }

// Compute materializes the array. This is the only blocking point: blocks
// are evaluated in parallel and assembled into a dense result, which is
// cached on the container.
func (a *Array) Compute() (*nd.Array, error) {
	if a.dense != nil {
		return a.dense, nil
	}
	slog.Debug("computing lazy array", "shape", a.shape)

	out := nd.Zeros(a.shape...)
	if a.complex {
		out = nd.ZerosComplex(a.shape...)
	}

	grid := gridShape(a.graph.chunks)
	starts := chunkStarts(a.graph.chunks)

	var g errgroup.Group
	forEachIndex(grid, func(idx []int) {
		idx = append([]int(nil), idx...)
		g.Go(func() error {
			block, err := a.graph.compute(idx)
			if err != nil {
				return err
			}
			offset := make([]int, len(idx))
			for d, i := range idx {
				offset[d] = starts[d][i]
			}
			out.SetRegion(offset, block)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	a.dense = out
	return out, nil
}

// MapBlocks applies f independently to every block. The trailing `trailing`
// axes of each block are consumed and replaced by outTrailing (pass
// trailing=0, outTrailing=nil for a shape-preserving elementwise map).
// Eager input is mapped immediately as a single block.
func (a *Array) MapBlocks(f func(*nd.Array) (*nd.Array, error), trailing int, outTrailing []int, complexOut bool) (*Array, error) {
	lead := a.shape[:len(a.shape)-trailing]
	outShape := append(append([]int(nil), lead...), outTrailing...)

	if !a.IsLazy() {
		block, err := f(a.dense)
		if err != nil {
			return nil, err
		}
		return FromDense(block), nil
	}

	parent := a.graph
	chunks := make([][]int, 0, len(outShape))
	chunks = append(chunks, parent.chunks[:len(lead)]...)
	for _, n := range outTrailing {
		chunks = append(chunks, []int{n})
	}
	return FromBlocks(outShape, chunks, complexOut, func(idx []int) (*nd.Array, error) {
		srcIdx := make([]int, len(parent.chunks))
		copy(srcIdx, idx[:len(lead)])
		block, err := parent.compute(srcIdx)
		if err != nil {
			return nil, err
		}
		return f(block)
	})
}

// MapOverlap applies f to every block extended by a periodic halo of the
// given per-axis depth; the halo is trimmed from the result. Shape
// preserving. Eager input is padded, mapped and trimmed directly.
func (a *Array) MapOverlap(f func(*nd.Array) (*nd.Array, error), depth []int) (*Array, error) {
	if len(depth) != len(a.shape) {
		return nil, fmt.Errorf("dataset: %d halo depths for %d axes", len(depth), len(a.shape))
	}

	apply := func(offset []int, size []int, gather func([]int, []int) (*nd.Array, error)) (*nd.Array, error) {
		padOffset := make([]int, len(size))
		padSize := make([]int, len(size))
		for d := range size {
			padOffset[d] = offset[d] - depth[d]
			padSize[d] = size[d] + 2*depth[d]
		}
		padded, err := gather(padOffset, padSize)
		if err != nil {
			return nil, err
		}
		mapped, err := f(padded)
		if err != nil {
			return nil, err
		}
		trimmed := mapped
		for d := range size {
			trimmed = trimmed.SliceAxis(d, depth[d], depth[d]+size[d])
		}
		return trimmed, nil
	}

	if !a.IsLazy() {
		zero := make([]int, len(a.shape))
		return applyEagerOverlap(a.dense, zero, a.shape, apply)
	}

	parent := a.graph
	starts := chunkStarts(parent.chunks)
	out, err := FromBlocks(a.shape, parent.chunks, a.complex, func(idx []int) (*nd.Array, error) {
		offset := make([]int, len(idx))
		size := make([]int, len(idx))
		for d, i := range idx {
			offset[d] = starts[d][i]
			size[d] = parent.chunks[d][i]
		}
		return apply(offset, size, func(off, sz []int) (*nd.Array, error) {
			return parent.gather(off, sz, a.shape)
		})
	})
	return out, err
}

func applyEagerOverlap(dense *nd.Array, offset, size []int, apply func([]int, []int, func([]int, []int) (*nd.Array, error)) (*nd.Array, error)) (*Array, error) {
	block, err := apply(offset, size, func(off, sz []int) (*nd.Array, error) {
		return dense.Region(off, sz, true), nil
	})
	if err != nil {
		return nil, err
	}
	return FromDense(block), nil
}

// Defer wraps a whole-array transformation of this array as a single
// deferred computation. Used for operations that cannot be chunk-local
// (full-array FFT interpolation, gradient integration). Eager input is
// transformed immediately.
func (a *Array) Defer(outShape []int, complexOut bool, f func(*nd.Array) (*nd.Array, error)) (*Array, error) {
	if !a.IsLazy() {
		out, err := f(a.dense)
		if err != nil {
			return nil, err
		}
		return FromDense(out), nil
	}
	chunks := make([][]int, len(outShape))
	for d, n := range outShape {
		chunks[d] = []int{n}
	}
	return FromBlocks(outShape, chunks, complexOut, func([]int) (*nd.Array, error) {
		src, err := a.Compute()
		if err != nil {
			return nil, err
		}
		return f(src)
	})
}

// Zip combines two arrays elementwise through f. Lazy inputs with identical
// chunk grids are zipped block by block; any other lazy combination becomes
// a deferred whole-array computation over both.
func Zip(a, b *Array, outShape []int, complexOut bool, f func(x, y *nd.Array) (*nd.Array, error)) (*Array, error) {
	if !a.IsLazy() && !b.IsLazy() {
		out, err := f(a.dense, b.dense)
		if err != nil {
			return nil, err
		}
		return FromDense(out), nil
	}
	if a.IsLazy() && b.IsLazy() && sameShape(a.shape, outShape) && chunksEqual(a.graph.chunks, b.graph.chunks) {
		ga, gb := a.graph, b.graph
		return FromBlocks(outShape, ga.chunks, complexOut, func(idx []int) (*nd.Array, error) {
			x, err := ga.compute(idx)
			if err != nil {
				return nil, err
			}
			y, err := gb.compute(idx)
			if err != nil {
				return nil, err
			}
			return f(x, y)
		})
	}
	chunks := make([][]int, len(outShape))
	for d, n := range outShape {
		chunks[d] = []int{n}
	}
	return FromBlocks(outShape, chunks, complexOut, func([]int) (*nd.Array, error) {
		x, err := a.Compute()
		if err != nil {
			return nil, err
		}
		y, err := b.Compute()
		if err != nil {
			return nil, err
		}
		return f(x, y)
	})
}

// compute returns the memoized block at the given chunk coordinates.
func (n *node) compute(idx []int) (*nd.Array, error) {
	key := fmt.Sprint(idx)
	n.mu.Lock()
	cached, ok := n.cache[key]
	n.mu.Unlock()
	if ok {
		return cached, nil
	}
	block, err := n.block(idx)
	if err != nil {
		return nil, err
	}
	want := make([]int, len(idx))
	for d, i := range idx {
		want[d] = n.chunks[d][i]
	}
	got := block.Shape()
	for d := range want {
		if got[d] != want[d] {
			return nil, fmt.Errorf("dataset: block %v produced shape %v, want %v", idx, got, want)
		}
	}
	n.mu.Lock()
	n.cache[key] = block
	n.mu.Unlock()
	return block, nil
}

// gather assembles an arbitrary region in global coordinates, wrapping
// periodically, from the chunks that intersect it.
func (n *node) gather(offset, size, shape []int) (*nd.Array, error) {
	// Per-axis lookup from output index to (chunk, local index).
	type pos struct{ chunk, local int }
	lookup := make([][]pos, len(size))
	starts := chunkStarts(n.chunks)
	for d := range size {
		lookup[d] = make([]pos, size[d])
		for i := 0; i < size[d]; i++ {
			g := mod(offset[d]+i, shape[d])
			c := 0
			for c+1 < len(starts[d]) && starts[d][c+1] <= g {
				c++
			}
			lookup[d][i] = pos{chunk: c, local: g - starts[d][c]}
		}
	}

	var out *nd.Array
	idx := make([]int, len(size))
	chunkIdx := make([]int, len(size))
	local := make([]int, len(size))
	total := 1
	for _, s := range size {
		total *= s
	}
	for flat := 0; flat < total; flat++ {
		for d, i := range idx {
			chunkIdx[d] = lookup[d][i].chunk
			local[d] = lookup[d][i].local
		}
		block, err := n.compute(chunkIdx)
		if err != nil {
			return nil, err
		}
		if out == nil {
			if block.IsComplex() {
				out = nd.ZerosComplex(size...)
			} else {
				out = nd.Zeros(size...)
			}
		}
		if out.IsComplex() {
			out.CData()[flat] = block.CAt(local...)
		} else {
			out.Data()[flat] = block.At(local...)
		}
		incrementIndex(idx, size)
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for d := range a {
		if a[d] != b[d] {
			return false
		}
	}
	return true
}

func chunksEqual(a, b [][]int) bool {
	if len(a) != len(b) {
		return false
	}
	for d := range a {
		if !sameShape(a[d], b[d]) {
			return false
		}
	}
	return true
}

func gridShape(chunks [][]int) []int {
	g := make([]int, len(chunks))
	for d, c := range chunks {
		g[d] = len(c)
	}
	return g
}

func chunkStarts(chunks [][]int) [][]int {
	starts := make([][]int, len(chunks))
	for d, c := range chunks {
		starts[d] = make([]int, len(c))
		run := 0
		for i, n := range c {
			starts[d][i] = run
			run += n
		}
	}
	return starts
}

func forEachIndex(shape []int, f func([]int)) {
	total := 1
	for _, n := range shape {
		total *= n
	}
	idx := make([]int, len(shape))
	for flat := 0; flat < total; flat++ {
		f(idx)
		incrementIndex(idx, shape)
	}
}

func incrementIndex(idx, shape []int) {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

func mod(i, n int) int {
	r := i % n
	if r < 0 {
		r += n
	}
	return r
}
