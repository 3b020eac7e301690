package waveform

import (
	"math"
	"math/cmplx"
	"testing"
)

func TestRegistryLookupKnownAndUnknown(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"drag", "square", "ramp", "staircase", "idle"} {
		if _, err := r.Lookup(name); err != nil {
			t.Errorf("expected %q to be a registered sampler, got error: %v", name, err)
		}
	}
	if _, err := r.Lookup("not_a_real_function"); err == nil {
		t.Error("expected an error for an unregistered waveform function")
	}
}

func TestSampleSampleCount(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Lookup("square")
	data, err := Sample(s, 20e-9, map[string]any{"amp": 0.1})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(data) != 20 {
		t.Errorf("expected 20 samples at 1 GS/s for a 20 ns pulse, got %d", len(data))
	}
	for _, v := range data {
		if real(v) != 0.1 || imag(v) != 0 {
			t.Fatalf("expected a flat 0.1 amplitude square pulse, got %v", v)
		}
	}
}

func TestRampSamplerEndpoints(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Lookup("ramp")
	data, err := Sample(s, 10e-9, map[string]any{"amp": 1.0, "duration": 10e-9})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if real(data[0]) != 0 {
		t.Errorf("expected the ramp to start at 0, got %g", real(data[0]))
	}
	last := real(data[len(data)-1])
	if last < 0.85 || last > 1.0 {
		t.Errorf("expected the ramp to approach 1.0 by its last sample, got %g", last)
	}
}

func TestModulateContinuousPhase(t *testing.T) {
	data := make([]complex128, 4)
	for i := range data {
		data[i] = complex(1, 0)
	}
	// Modulating the same waveform at two different t0s should produce
	// samples that are a pure phase rotation of one another, proving phase
	// continuity is tracked via absolute timing rather than per-pulse.
	a := Modulate(data, 1e8, 0)
	b := Modulate(data, 1e8, 4e-9)
	rot := cmplx.Exp(complex(0, 2*math.Pi*1e8*4e-9))
	for i := range a {
		if math.Abs(cAbs(a[i])-cAbs(b[i])) > 1e-9 {
			t.Errorf("expected modulation to preserve magnitude at sample %d", i)
		}
		if cAbs(b[i]-a[i]*rot) > 1e-9 {
			t.Errorf("expected sample %d at t0=4ns to be the t0=0 sample rotated by the elapsed carrier phase", i)
		}
	}
}

func cAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func TestNormaliseZeroSafe(t *testing.T) {
	data := make([]complex128, 10) // all zero
	n := Normalise(data)
	if n.GainI != 0 || n.GainQ != 0 {
		t.Errorf("expected zero gain for an all-zero waveform, got %+v", n)
	}
	for _, v := range n.I {
		if v != 0 {
			t.Error("expected all-zero normalised samples for an all-zero waveform")
		}
	}
}

func TestNormalisePeak(t *testing.T) {
	data := []complex128{complex(0.5, 0), complex(-1.0, 0.25)}
	n := Normalise(data)
	if n.GainI != 1.0 {
		t.Errorf("expected peak I gain of 1.0, got %g", n.GainI)
	}
	if n.I[1] != -1.0 {
		t.Errorf("expected the peak sample to normalise to -1.0, got %g", n.I[1])
	}
}

func TestRangeCheckRejectsOverVoltage(t *testing.T) {
	n := Normalised{GainI: 3.0, GainQ: 0.1}
	if err := RangeCheck(n, 2.5, "fp"); err == nil {
		t.Error("expected amplitude-out-of-range for a gain exceeding peak voltage")
	}
	if err := RangeCheck(Normalised{GainI: 2.0, GainQ: 2.0}, 2.5, "fp"); err != nil {
		t.Errorf("expected no error for a gain within peak voltage, got %v", err)
	}
}

// TestNormaliseOffsetRejectsOverVoltage grounds calc_from_units_volt's
// raise-on-out-of-range behavior for a mixer DC offset.
func TestNormaliseOffsetRejectsOverVoltage(t *testing.T) {
	if _, _, err := NormaliseOffset(3.0, 0.1, 2.5); err == nil {
		t.Error("expected amplitude-out-of-range for an offset exceeding peak voltage")
	}
	i, q, err := NormaliseOffset(1.25, -0.5, 2.5)
	if err != nil {
		t.Fatalf("expected no error for an offset within peak voltage, got %v", err)
	}
	if i != 0.5 || q != -0.2 {
		t.Errorf("expected fractions 0.5/-0.2, got %g/%g", i, q)
	}
}

// TestTableDedup grounds invariants 2 and 3 (§8): identical fingerprints
// dedup to the same pair, and I/Q indices are paired even/odd in
// insertion order.
func TestTableDedup(t *testing.T) {
	table := NewTable()
	i1, q1 := table.Register("fp-a", []float64{0.1}, []float64{0.2})
	i2, q2 := table.Register("fp-a", []float64{0.9}, []float64{0.9}) // different data, same fingerprint
	if i1 != i2 || q1 != q2 {
		t.Errorf("expected a repeated fingerprint to reuse the existing (I, Q) pair, got (%d,%d) and (%d,%d)", i1, q1, i2, q2)
	}
	if i1 != 0 || q1 != 1 {
		t.Errorf("expected the first registration to take indices (0, 1), got (%d, %d)", i1, q1)
	}

	i3, q3 := table.Register("fp-b", []float64{0.3}, []float64{0.4})
	if i3 != 2 || q3 != 3 {
		t.Errorf("expected the second distinct fingerprint to take indices (2, 3), got (%d, %d)", i3, q3)
	}
	if table.Len() != 2 {
		t.Errorf("expected 2 distinct registered fingerprints, got %d", table.Len())
	}
}

func TestMixerCorrectIdentityWhenUncorrected(t *testing.T) {
	data := []complex128{complex(0.5, 0.25)}
	out := MixerCorrect(data, 1, 0)
	if out[0] != data[0] {
		t.Errorf("expected unity amp ratio and zero phase error to be a no-op, got %v", out[0])
	}
}
