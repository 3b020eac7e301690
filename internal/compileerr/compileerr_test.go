package compileerr

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(GridViolation, "abs_time %g ns is not grid aligned", 13.0).With("operation", "op1")
	if err.Kind != GridViolation {
		t.Errorf("expected kind %q, got %q", GridViolation, err.Kind)
	}
	want := "grid-violation: abs_time 13 ns is not grid aligned map[operation:op1]"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New(FrequencyConflict, "lo reassigned")
	b := New(FrequencyConflict, "different message entirely")
	if !errors.Is(a, b) {
		t.Error("expected errors.Is to match on Kind regardless of message")
	}
	c := New(GridViolation, "unrelated")
	if errors.Is(a, c) {
		t.Error("expected errors.Is to reject a different Kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("underlying parse failure")
	err := Wrap(DownconverterInvalid, cause, "bad downconverter")
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestWarningString(t *testing.T) {
	w := Warn("residual of %d ns played", 200).With("device", "qcm0")
	want := "residual of 200 ns played map[device:qcm0]"
	if got := w.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	plain := Warn("downconverter_freq of 0 supplied")
	if got := plain.String(); got != "downconverter_freq of 0 supplied" {
		t.Errorf("String() = %q, want message with no trailing map", got)
	}
}
