package cpu

import (
	"math"
	"testing"
)

func TestScratchPoolReuse(t *testing.T) {
	ctx := NewContext(2)
	defer ctx.Free()

	a := ctx.Get(128)
	if len(a) != 128 {
		t.Fatalf("expected 128 values, got %d", len(a))
	}
	a[0] = 42
	ctx.Put(a)
	if ctx.PooledBytes() != 512 {
		t.Errorf("expected 512 pooled bytes, got %d", ctx.PooledBytes())
	}

	b := ctx.Get(128)
	if &a[0] != &b[0] {
		t.Error("expected pooled buffer to be reused")
	}
	if b[0] != 0 {
		t.Error("reused buffer must be zeroed")
	}
	if ctx.AllocatedBytes() != 512 {
		t.Errorf("expected a single allocation, got %d bytes", ctx.AllocatedBytes())
	}

	c := ctx.Get(64)
	ctx.Put(b, c, nil)
	ctx.Free()
	if ctx.PooledBytes() != 0 || ctx.AllocatedBytes() != 0 {
		t.Errorf("Free should release pooled buffers: pooled=%d allocated=%d", ctx.PooledBytes(), ctx.AllocatedBytes())
	}
}

func TestParallelCoversRange(t *testing.T) {
	for _, threads := range []int{1, 3, 8, 100} {
		ctx := NewContext(threads)
		seen := make([]int, 37)
		ctx.Parallel(len(seen), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				seen[i]++
			}
		})
		for i, n := range seen {
			if n != 1 {
				t.Errorf("threads=%d: index %d visited %d times", threads, i, n)
			}
		}
	}
	NewContext(4).Parallel(0, func(lo, hi int) {
		t.Error("fn must not run for an empty range")
	})
}

func naiveMatMul(a []float32, m, k int, b []float32, n int) []float32 {
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var s float32
			for l := 0; l < k; l++ {
				s += a[i*k+l] * b[l*n+j]
			}
			out[i*n+j] = s
		}
	}
	return out
}

func fill(n int, seed float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(i)*0.71 + seed))
	}
	return out
}

func TestMatMul(t *testing.T) {
	tests := []struct {
		name    string
		m, k, n int
	}{
		{"square", 8, 8, 8},
		{"tall", 70, 5, 3},
		{"wide", 3, 17, 130},
		{"single row", 1, 9, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := fill(tt.m*tt.k, 0.1)
			b := fill(tt.k*tt.n, 0.7)
			want := naiveMatMul(a, tt.m, tt.k, b, tt.n)

			got := make([]float32, tt.m*tt.n)
			NewContext(4).MatMul(got, a, tt.m, tt.k, b, tt.n)
			for i := range want {
				if math.Abs(float64(got[i]-want[i])) > 1e-4 {
					t.Fatalf("index %d: got %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestMatMulDeterministicAcrossThreads(t *testing.T) {
	m, k, n := 300, 96, 80
	a := fill(m*k, 0.3)
	b := fill(k*n, 1.1)

	ref := make([]float32, m*n)
	NewContext(1).MatMul(ref, a, m, k, b, n)
	for _, threads := range []int{2, 3, 7, 16} {
		got := make([]float32, m*n)
		NewContext(threads).MatMul(got, a, m, k, b, n)
		for i := range ref {
			if math.Float32bits(got[i]) != math.Float32bits(ref[i]) {
				t.Fatalf("threads=%d: index %d differs: %v vs %v", threads, i, got[i], ref[i])
			}
		}
	}
}

func TestLinearAddsBias(t *testing.T) {
	x := []float32{1, 2, 3, 4} // 2x2
	wT := []float32{1, 0, 0, 1}
	dst := make([]float32, 4)
	NewContext(2).Linear(dst, x, 2, 2, wT, 2, []float32{10, 20})
	want := []float32{11, 22, 13, 24}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("got %v, want %v", dst, want)
		}
	}

	serial := make([]float32, 4)
	LinearSerial(serial, x, 2, 2, wT, 2, []float32{10, 20})
	for i := range want {
		if serial[i] != want[i] {
			t.Fatalf("serial got %v, want %v", serial, want)
		}
	}
}

func TestLayerNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4, 10, 10, 10, 10}
	w := []float32{1, 1, 1, 1}
	b := []float32{0, 0, 0, 0}
	NewContext(2).LayerNorm(x, 2, 4, w, b, 1e-6)

	var mean, sq float64
	for _, v := range x[:4] {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	if math.Abs(mean) > 1e-5 {
		t.Errorf("row mean = %v, want 0", mean/4)
	}
	if math.Abs(sq/4-1) > 1e-3 {
		t.Errorf("row variance = %v, want 1", sq/4)
	}
	for _, v := range x[4:] {
		if v != 0 {
			t.Errorf("constant row should normalize to 0, got %v", x[4:])
			break
		}
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	Softmax(x)
	var sum float32
	for _, v := range x {
		if v < 0 || v > 1 || math.IsNaN(float64(v)) {
			t.Fatalf("softmax out of range: %v", x)
		}
		sum += v
	}
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("Softmax output doesn't sum to 1.0: %f", sum)
	}

	single := []float32{3}
	Softmax(single)
	if single[0] != 1 {
		t.Errorf("single element softmax = %v", single[0])
	}
	Softmax(nil)
}

func TestActivations(t *testing.T) {
	x := []float32{-3, -1, 0, 1, 3}
	g := append([]float32(nil), x...)
	NewContext(2).GeLU(g)
	for i, v := range x {
		want := 0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2))
		if math.Abs(float64(g[i])-want) > 1e-6 {
			t.Errorf("GeLU(%v) = %v, want %v", v, g[i], want)
		}
	}

	r := append([]float32(nil), x...)
	ReLU(r)
	want := []float32{0, 0, 0, 1, 3}
	for i := range want {
		if r[i] != want[i] {
			t.Errorf("ReLU = %v, want %v", r, want)
			break
		}
	}

	dst := make([]float32, 2)
	AddTo(dst, []float32{1, 2}, []float32{3, 4})
	Add(dst, []float32{1, 1})
	if dst[0] != 5 || dst[1] != 7 {
		t.Errorf("Add/AddTo = %v", dst)
	}
}
