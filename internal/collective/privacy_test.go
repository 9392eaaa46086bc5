package collective

import (
	"math"
	"testing"
)

func TestNewDifferentialPrivacyValidation(t *testing.T) {
	if _, err := NewDifferentialPrivacy(0, 3); err == nil {
		t.Error("epsilon=0 should be rejected")
	}
	if _, err := NewDifferentialPrivacy(-1, 3); err == nil {
		t.Error("negative epsilon should be rejected")
	}
	if _, err := NewDifferentialPrivacy(1.0, 0); err == nil {
		t.Error("k_anonymity=0 should be rejected")
	}
	dp, err := NewDifferentialPrivacy(1.0, 3)
	if err != nil {
		t.Fatalf("valid epsilon/k should construct cleanly: %v", err)
	}
	if dp.Epsilon != 1.0 || dp.KAnonymity != 3 {
		t.Fatalf("unexpected fields: %+v", dp)
	}
}

// With a large epsilon the randomized-response mechanism should
// overwhelmingly report the true value — a statistical check since the
// underlying source is not seedable.
func TestRandomizedResponseHighEpsilonMostlyTruthful(t *testing.T) {
	dp, _ := NewDifferentialPrivacy(10.0, 3)
	const trials = 2000
	truthful := 0
	for i := 0; i < trials; i++ {
		if dp.RandomizedResponse(true) {
			truthful++
		}
	}
	ratio := float64(truthful) / trials
	if ratio < 0.95 {
		t.Fatalf("expected >95%% truthful responses at epsilon=10, got %.3f", ratio)
	}
}

// With epsilon near zero the mechanism should be close to a coin flip.
func TestRandomizedResponseLowEpsilonNearCoinFlip(t *testing.T) {
	dp, _ := NewDifferentialPrivacy(0.01, 3)
	const trials = 4000
	truthful := 0
	for i := 0; i < trials; i++ {
		if dp.RandomizedResponse(true) {
			truthful++
		}
	}
	ratio := float64(truthful) / trials
	if ratio < 0.4 || ratio > 0.6 {
		t.Fatalf("expected roughly 50%% truthful responses at epsilon~0, got %.3f", ratio)
	}
}

func TestAddNoiseToSeverityStaysInBounds(t *testing.T) {
	dp, _ := NewDifferentialPrivacy(1.0, 3)
	for _, severity := range []float64{0, 0.25, 0.5, 0.75, 1.0} {
		for i := 0; i < 500; i++ {
			noised := dp.AddNoiseToSeverity(severity)
			if noised < 0 || noised > 1 {
				t.Fatalf("AddNoiseToSeverity(%v) produced out-of-bounds value %v", severity, noised)
			}
			rounded := math.Round(noised*100) / 100
			if noised != rounded {
				t.Fatalf("AddNoiseToSeverity(%v) = %v, not rounded to 2 decimal places", severity, noised)
			}
		}
	}
}

func TestMeetsKAnonymity(t *testing.T) {
	dp, _ := NewDifferentialPrivacy(1.0, 3)
	cases := []struct {
		count int
		want  bool
	}{
		{0, false},
		{2, false},
		{3, true},
		{10, true},
	}
	for _, c := range cases {
		if got := dp.MeetsKAnonymity(c.count); got != c.want {
			t.Errorf("MeetsKAnonymity(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestCalculateConfidence(t *testing.T) {
	dp, _ := NewDifferentialPrivacy(1.0, 3)

	if got := dp.CalculateConfidence(10, 1.0); got != 1.0 {
		t.Errorf("10 reporters at full consistency should give confidence 1.0, got %v", got)
	}
	if got := dp.CalculateConfidence(20, 1.0); got != 1.0 {
		t.Errorf("crowd factor should cap at 1.0 past 10 reporters, got %v", got)
	}
	if got := dp.CalculateConfidence(5, 1.0); got != 0.5 {
		t.Errorf("5 reporters at full consistency should give confidence 0.5, got %v", got)
	}
	if got := dp.CalculateConfidence(10, 0.5); got != 0.5 {
		t.Errorf("full crowd at 0.5 consistency should give confidence 0.5, got %v", got)
	}
}

func TestSignHelper(t *testing.T) {
	if sign(1.5) != 1.0 {
		t.Error("sign of positive number should be 1.0")
	}
	if sign(-1.5) != -1.0 {
		t.Error("sign of negative number should be -1.0")
	}
	if sign(0) != 0.0 {
		t.Error("sign of zero should be 0.0")
	}
}

func TestRound2Helper(t *testing.T) {
	cases := map[float64]float64{
		0.12345: 0.12,
		0.126:   0.13,
		0.125:   0.13,
		1.0:     1.0,
	}
	for in, want := range cases {
		if got := round2(in); got != want {
			t.Errorf("round2(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestHmacHexIsDeterministicAndKeyed(t *testing.T) {
	a := hmacHex("key1", "value")
	b := hmacHex("key1", "value")
	if a != b {
		t.Error("hmacHex should be deterministic for the same key/value")
	}
	if hmacHex("key2", "value") == a {
		t.Error("hmacHex should differ across keys")
	}
}
