package engine

import (
	"fmt"
	"math"
)

// ActivationAudit summarizes a buffer of activations.
type ActivationAudit struct {
	Max     float32
	Min     float32
	Mean    float32
	RMS     float32
	NumNaNs int
	NumInfs int
}

// Finite reports whether every value was a finite number.
func (a ActivationAudit) Finite() bool {
	return a.NumNaNs == 0 && a.NumInfs == 0
}

// AuditActivations computes range statistics over the finite values of x and
// counts the rest.
func AuditActivations(x []float32) ActivationAudit {
	var audit ActivationAudit
	if len(x) == 0 {
		return audit
	}

	var sum, sumSq float64
	minVal, maxVal := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	finite := 0
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) {
			audit.NumNaNs++
			continue
		}
		if math.IsInf(f, 0) {
			audit.NumInfs++
			continue
		}
		minVal, maxVal = min(minVal, v), max(maxVal, v)
		sum += f
		sumSq += f * f
		finite++
	}
	if finite == 0 {
		return audit
	}
	audit.Max, audit.Min = maxVal, minVal
	audit.Mean = float32(sum / float64(finite))
	audit.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	return audit
}

// checkFinite fails stage when x holds NaN or Inf.
func checkFinite(stage string, x []float32) error {
	a := AuditActivations(x)
	if a.Finite() {
		return nil
	}
	return &ComputeError{Stage: stage, Err: fmt.Errorf("%w: %d NaN, %d Inf", ErrNonFiniteValue, a.NumNaNs, a.NumInfs)}
}
