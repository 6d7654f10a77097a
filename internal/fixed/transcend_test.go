package fixed

import (
	"errors"
	"math"
	"testing"
)

// Tolerances are generous where the approximation is documented as coarse
// (NormCDF at ~2e-4) and tight where the series converge fully (Exp, Ln).

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestSqrt(t *testing.T) {
	tests := []struct {
		x    int64
		want int64
	}{
		{0, 0},
		{RateScale, RateScale},         // sqrt(1) = 1
		{4 * RateScale, 2 * RateScale}, // sqrt(4) = 2
		{250_000_000, 500_000_000},     // sqrt(0.25) = 0.5
		{2 * RateScale, 1_414_213_562}, // sqrt(2)
	}
	for _, tt := range tests {
		got, err := Sqrt(tt.x)
		if err != nil {
			t.Fatalf("Sqrt(%d): %v", tt.x, err)
		}
		if absDiff(got, tt.want) > 1 {
			t.Errorf("Sqrt(%d) = %d, want %d", tt.x, got, tt.want)
		}
	}

	if _, err := Sqrt(-1); !errors.Is(err, ErrNonPositive) {
		t.Errorf("expected ErrNonPositive, got %v", err)
	}
}

func TestExp(t *testing.T) {
	tests := []struct {
		x    int64
		want float64
	}{
		{0, 1},
		{RateScale, math.E},
		{-RateScale, 1 / math.E},
		{2 * RateScale, math.E * math.E},
		{500_000_000, math.Exp(0.5)},
		{-2_500_000_000, math.Exp(-2.5)},
	}
	for _, tt := range tests {
		got, err := Exp(tt.x)
		if err != nil {
			t.Fatalf("Exp(%d): %v", tt.x, err)
		}
		want := int64(tt.want * float64(RateScale))
		if absDiff(got, want) > 100 {
			t.Errorf("Exp(%d) = %d, want ~%d", tt.x, got, want)
		}
	}
}

func TestExpSaturation(t *testing.T) {
	if _, err := Exp(23 * RateScale); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow for large arg, got %v", err)
	}
	got, err := Exp(-50 * RateScale)
	if err != nil || got != 0 {
		t.Errorf("deeply negative Exp = %d, %v; want 0", got, err)
	}
}

func TestLn(t *testing.T) {
	tests := []struct {
		x    int64
		want float64
	}{
		{RateScale, 0},
		{2 * RateScale, math.Ln2},
		{500_000_000, -math.Ln2},
		{10 * RateScale, math.Log(10)},
		{1_500_000_000, math.Log(1.5)},
	}
	for _, tt := range tests {
		got, err := Ln(tt.x)
		if err != nil {
			t.Fatalf("Ln(%d): %v", tt.x, err)
		}
		want := int64(tt.want * float64(RateScale))
		if absDiff(got, want) > 100 {
			t.Errorf("Ln(%d) = %d, want ~%d", tt.x, got, want)
		}
	}

	if _, err := Ln(0); !errors.Is(err, ErrNonPositive) {
		t.Errorf("expected ErrNonPositive for 0, got %v", err)
	}
	if _, err := Ln(-RateScale); !errors.Is(err, ErrNonPositive) {
		t.Errorf("expected ErrNonPositive for negative, got %v", err)
	}
}

func TestLnExpRoundTrip(t *testing.T) {
	for _, x := range []int64{100_000_000, RateScale, 3 * RateScale, 7 * RateScale} {
		l, err := Ln(x)
		if err != nil {
			t.Fatalf("Ln(%d): %v", x, err)
		}
		back, err := Exp(l)
		if err != nil {
			t.Fatalf("Exp(Ln(%d)): %v", x, err)
		}
		// Relative error under 1e-6
		tol := x / 1_000_000
		if tol < 10 {
			tol = 10
		}
		if absDiff(back, x) > tol {
			t.Errorf("Exp(Ln(%d)) = %d", x, back)
		}
	}
}

func TestNormCDF(t *testing.T) {
	tests := []struct {
		z    int64
		want float64
	}{
		{0, 0.5},
		{RateScale, 0.8413},
		{-RateScale, 0.1587},
		{2 * RateScale, 0.9772},
		{-2 * RateScale, 0.0228},
		{500_000_000, 0.6915},
	}
	for _, tt := range tests {
		got, err := NormCDF(tt.z)
		if err != nil {
			t.Fatalf("NormCDF(%d): %v", tt.z, err)
		}
		want := int64(tt.want * float64(RateScale))
		// Logistic fit is accurate to ~2e-4
		if absDiff(got, want) > 500_000 {
			t.Errorf("NormCDF(%d) = %d, want ~%d", tt.z, got, want)
		}
	}
}

func TestNormCDFTails(t *testing.T) {
	got, err := NormCDF(15 * RateScale)
	if err != nil || got != RateScale {
		t.Errorf("far right tail = %d, %v; want RateScale", got, err)
	}
	got, err = NormCDF(-15 * RateScale)
	if err != nil || got != 0 {
		t.Errorf("far left tail = %d, %v; want 0", got, err)
	}
}

func TestNormCDFMonotone(t *testing.T) {
	// The fit polynomial flips sign deep in the tail; saturation must kick
	// in before that or the CDF inverts and deep-ITM quotes collapse.
	prev := int64(-1)
	for z := int64(0); z <= 15*RateScale; z += RateScale / 2 {
		got, err := NormCDF(z)
		if err != nil {
			t.Fatalf("NormCDF(%d): %v", z, err)
		}
		if got < prev {
			t.Fatalf("NormCDF(%d) = %d < NormCDF(%d) = %d", z, got, z-RateScale/2, prev)
		}
		prev = got
	}
	for _, z := range []int64{10 * RateScale, 11 * RateScale, 12 * RateScale} {
		got, err := NormCDF(z)
		if err != nil || got != RateScale {
			t.Errorf("NormCDF(%d) = %d, %v; want RateScale", z, got, err)
		}
		got, err = NormCDF(-z)
		if err != nil || got != 0 {
			t.Errorf("NormCDF(%d) = %d, %v; want 0", -z, got, err)
		}
	}
}

func TestNormCDFSymmetry(t *testing.T) {
	for _, z := range []int64{300_000_000, RateScale, 2 * RateScale} {
		pos, err := NormCDF(z)
		if err != nil {
			t.Fatal(err)
		}
		neg, err := NormCDF(-z)
		if err != nil {
			t.Fatal(err)
		}
		// N(z) + N(-z) = 1
		if absDiff(pos+neg, RateScale) > 1000 {
			t.Errorf("N(%d)+N(-%d) = %d, want RateScale", z, z, pos+neg)
		}
	}
}
