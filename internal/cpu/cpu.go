package cpu

import (
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-sam/internal/metrics"
)

// Context is the compute backend used by one inference session: a bounded
// worker pool plus a scratch pool of f32 buffers keyed by length.
type Context struct {
	mu      sync.Mutex
	pool    map[int][][]float32
	threads int

	allocated int64
	pooled    int64
}

func NewContext(threads int) *Context {
	c := &Context{pool: make(map[int][][]float32)}
	c.SetThreads(threads)
	return c
}

// SetThreads bounds the number of workers used by parallel kernels.
func (c *Context) SetThreads(n int) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	c.mu.Lock()
	c.threads = n
	c.mu.Unlock()
}

func (c *Context) Threads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads
}

// Get returns a zeroed buffer of n values, reusing a pooled one when available.
func (c *Context) Get(n int) []float32 {
	c.mu.Lock()
	if bufs := c.pool[n]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		c.pool[n] = bufs[:len(bufs)-1]
		c.pooled -= int64(n) * 4
		c.mu.Unlock()
		clear(buf)
		return buf
	}
	c.allocated += int64(n) * 4
	total := c.allocated
	c.mu.Unlock()
	metrics.RecordScratchBytes(total)
	return make([]float32, n)
}

// Put hands buffers back to the pool. Buffers must not be used afterwards.
func (c *Context) Put(bufs ...[]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range bufs {
		if b == nil {
			continue
		}
		c.pool[len(b)] = append(c.pool[len(b)], b)
		c.pooled += int64(len(b)) * 4
	}
}

// AllocatedBytes is the total size of every buffer created by this context.
func (c *Context) AllocatedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// PooledBytes is the size of the buffers currently idle in the pool.
func (c *Context) PooledBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pooled
}

// Free drops every pooled buffer.
func (c *Context) Free() {
	c.mu.Lock()
	c.allocated -= c.pooled
	c.pooled = 0
	c.pool = make(map[int][][]float32)
	total := c.allocated
	c.mu.Unlock()
	metrics.RecordScratchBytes(total)
}

// Parallel splits [0, n) into contiguous chunks, one per worker, and runs fn on
// each. Chunk boundaries only affect scheduling; kernels write disjoint ranges.
func (c *Context) Parallel(n int, fn func(lo, hi int)) {
	workers := min(c.Threads(), n)
	if workers <= 1 {
		if n > 0 {
			fn(0, n)
		}
		return
	}
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// MatMul computes dst[m×n] = a[m×k] · b[k×n], rows split across workers.
func (c *Context) MatMul(dst, a []float32, m, k int, b []float32, n int) {
	if m == 0 || n == 0 {
		return
	}
	c.Parallel(m, func(lo, hi int) {
		gemm(dst[lo*n:hi*n], a[lo*k:hi*k], hi-lo, k, b, n)
	})
}

// MatMulSerial is MatMul on the calling goroutine, for use inside Parallel.
func MatMulSerial(dst, a []float32, m, k int, b []float32, n int) {
	if m == 0 || n == 0 {
		return
	}
	gemm(dst, a, m, k, b, n)
}

func gemm(dst, a []float32, m, k int, b []float32, n int) {
	if k == 0 {
		clear(dst[:m*n])
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: dst})
}

// Linear computes dst[rows×out] = x[rows×in] · wT[in×out] + bias.
func (c *Context) Linear(dst, x []float32, rows, in int, wT []float32, out int, bias []float32) {
	c.MatMul(dst, x, rows, in, wT, out)
	if bias != nil {
		c.AddBias(dst, rows, out, bias)
	}
}

// LinearSerial is Linear on the calling goroutine.
func LinearSerial(dst, x []float32, rows, in int, wT []float32, out int, bias []float32) {
	MatMulSerial(dst, x, rows, in, wT, out)
	if bias != nil {
		addBias(dst, 0, rows, out, bias)
	}
}

func (c *Context) AddBias(x []float32, rows, cols int, bias []float32) {
	c.Parallel(rows, func(lo, hi int) {
		addBias(x, lo, hi, cols, bias)
	})
}

func addBias(x []float32, lo, hi, cols int, bias []float32) {
	for r := lo; r < hi; r++ {
		row := x[r*cols : (r+1)*cols]
		for j := range row {
			row[j] += bias[j]
		}
	}
}

// LayerNorm normalizes each row of x[rows×cols] in place.
func (c *Context) LayerNorm(x []float32, rows, cols int, w, b []float32, eps float32) {
	c.Parallel(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			LayerNormRow(x[r*cols:(r+1)*cols], w, b, eps)
		}
	})
}

func LayerNormRow(row, w, b []float32, eps float32) {
	var mean float64
	for _, v := range row {
		mean += float64(v)
	}
	mean /= float64(len(row))
	var variance float64
	for _, v := range row {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(row))
	inv := 1 / math.Sqrt(variance+float64(eps))
	for j, v := range row {
		row[j] = float32((float64(v)-mean)*inv)*w[j] + b[j]
	}
}

// Softmax normalizes x in place, subtracting the max for stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxV := x[0]
	for _, v := range x {
		if v > maxV {
			maxV = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - maxV)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// GeLU applies the exact erf formulation in place.
func (c *Context) GeLU(x []float32) {
	c.Parallel(len(x), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			v := float64(x[i])
			x[i] = float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
		}
	})
}

func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddTo writes a+b into dst.
func AddTo(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}
