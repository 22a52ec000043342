package numeric

import (
	"math"
	"testing"
)

func TestRoundStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		num, step, want float64
	}{
		{0.1, 0.1, 0.1},
		{5.67, 0.2, 5.6},
		{5.6567422344, 0.0005, 5.6565},
		{15643.456, 1.0, 15643.0},
	}

	for _, tt := range tests {
		got := RoundStep(tt.num, tt.step)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundStep(%v, %v) = %v, want %v", tt.num, tt.step, got, tt.want)
		}
	}
}

func TestGeomspace(t *testing.T) {
	t.Parallel()

	got := Geomspace(1.0, 8.0, 4)
	want := []float64{1, 2, 4, 8}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("Geomspace(1,8,4)[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGeometricWeightsSumToOne(t *testing.T) {
	t.Parallel()

	for _, r := range []float64{0.5, 0.6, 0.99, 0.01} {
		w := GeometricWeights(r, 10, true)
		sum := 0.0
		for _, x := range w {
			if x < 0 {
				t.Fatalf("negative weight at r=%v: %v", r, x)
			}
			sum += x
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("sum(GeometricWeights(%v, 10, true)) = %v, want 1", r, sum)
		}
	}
}

func TestGeometricWeightsForwardReverse(t *testing.T) {
	t.Parallel()

	fwd := GeometricWeights(0.6, 5, true)
	rev := GeometricWeights(0.6, 5, false)
	for i := range fwd {
		if math.Abs(fwd[i]-rev[len(rev)-1-i]) > 1e-12 {
			t.Errorf("forward/reverse mismatch at %d: %v vs %v", i, fwd[i], rev[len(rev)-1-i])
		}
	}
}

func TestSignedSqrt(t *testing.T) {
	t.Parallel()

	if got := SignedSqrt(4); math.Abs(got-2) > 1e-12 {
		t.Errorf("SignedSqrt(4) = %v, want 2", got)
	}
	if got := SignedSqrt(-4); math.Abs(got+2) > 1e-12 {
		t.Errorf("SignedSqrt(-4) = %v, want -2", got)
	}
	if got := SignedSqrt(0); got != 0 {
		t.Errorf("SignedSqrt(0) = %v, want 0", got)
	}
}

func TestRing(t *testing.T) {
	t.Parallel()

	r := NewRing(3)
	if got := r.Mean(); got != 0 {
		t.Errorf("empty Ring.Mean() = %v, want 0", got)
	}
	r.Push(1)
	r.Push(2)
	r.Push(3)
	if got := r.Mean(); math.Abs(got-2.0) > 1e-12 {
		t.Errorf("Ring.Mean() = %v, want 2", got)
	}
	r.Push(4) // evicts 1
	if got := r.Mean(); math.Abs(got-3.0) > 1e-12 {
		t.Errorf("Ring.Mean() after eviction = %v, want 3", got)
	}
	if r.Len() != 3 {
		t.Errorf("Ring.Len() = %d, want 3", r.Len())
	}
}

func TestSpreadPriceInBps(t *testing.T) {
	t.Parallel()

	got := SpreadPriceInBps(1.0, 100.5)
	want := 1.0 / 100.5 * 10000
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("SpreadPriceInBps(1, 100.5) = %v, want %v", got, want)
	}
}
