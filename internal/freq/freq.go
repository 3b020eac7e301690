// Package freq resolves the three interdependent frequencies (clock/RF,
// local oscillator, intermodulation) of every active port-clock, and
// tracks the single-assignment invariant for per-sequencer IF and per-LO
// frequency values.
//
// Grounded on determine_clock_lo_interm_freqs in the original
// quantify_scheduler/backends/qblox/helpers.py.
package freq

import (
	"math"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
)

// tolerance is the floating-point equality tolerance used when checking
// RF = LO + IF for an over-constrained port-clock.
const tolerance = 1.0 // Hz

// Frequencies holds the resolved clock (RF), local-oscillator and
// intermodulation frequencies for one active port-clock.
type Frequencies struct {
	Clock float64
	LO    float64
	IF    float64
}

// Resolve derives the (clock, LO, IF) triple for a port-clock from
// whichever of loFreq/ifFreq is specified (nil means unspecified), after
// optionally applying a downconverter transform to clockFreq. mixLO false
// models an upconverter-less RF output: LO := clock, IF := 0.
func Resolve(clockFreq float64, loFreq, ifFreq *float64, downconverter *float64, mixLO bool) (Frequencies, error) {
	rf := clockFreq
	if downconverter != nil {
		d := *downconverter
		if d < 0 {
			return Frequencies{}, compileerr.New(compileerr.DownconverterInvalid,
				"downconverter_freq must be positive, got %g", d)
		}
		if d < clockFreq {
			return Frequencies{}, compileerr.New(compileerr.DownconverterInvalid,
				"downconverter_freq (%g) must be >= clock frequency (%g)", d, clockFreq)
		}
		rf = d - clockFreq
	}

	if !mixLO {
		return Frequencies{Clock: rf, LO: rf, IF: 0}, nil
	}

	switch {
	case loFreq != nil && ifFreq != nil:
		if math.Abs(rf-(*loFreq+*ifFreq)) > tolerance {
			return Frequencies{}, compileerr.New(compileerr.OverConstrainedFrequency,
				"RF (%g) != LO (%g) + IF (%g)", rf, *loFreq, *ifFreq)
		}
		return Frequencies{Clock: rf, LO: *loFreq, IF: *ifFreq}, nil
	case ifFreq != nil:
		return Frequencies{Clock: rf, LO: rf - *ifFreq, IF: *ifFreq}, nil
	case loFreq != nil:
		return Frequencies{Clock: rf, LO: *loFreq, IF: rf - *loFreq}, nil
	default:
		return Frequencies{}, compileerr.New(compileerr.UnderConstrainedFrequency,
			"neither LO nor IF frequency is specified for clock %g Hz", rf)
	}
}

// DownconverterWarning returns a non-fatal warning when downconverter is
// an explicitly-set zero, per the original's warnings.warn on
// downconverter_freq == 0 (zero should be expressed as "unset" instead).
func DownconverterWarning(downconverter *float64) (compileerr.Warning, bool) {
	if downconverter != nil && *downconverter == 0 {
		return compileerr.Warn(
			"downconverter_freq of 0 supplied; use null/absent to unset it instead"), true
	}
	return compileerr.Warning{}, false
}

// Assigner tracks the single-assignment invariant for sequencer IF values
// and LO frequencies across the whole compilation, raising
// frequency-conflict on any attempt to reassign a different value.
type Assigner struct {
	seqIF   map[string]float64
	loFreq  map[string]float64
	loUsed  map[string]bool
}

// NewAssigner constructs an empty Assigner.
func NewAssigner() *Assigner {
	return &Assigner{
		seqIF:  make(map[string]float64),
		loFreq: make(map[string]float64),
		loUsed: make(map[string]bool),
	}
}

// AssignIF records the IF for a sequencer (keyed by an opaque sequencer
// id, typically "<device>/<output>/<seqslot>"), rejecting a conflicting
// reassignment.
func (a *Assigner) AssignIF(seqID string, value float64) error {
	if existing, ok := a.seqIF[seqID]; ok {
		if math.Abs(existing-value) > tolerance {
			return compileerr.New(compileerr.FrequencyConflict,
				"sequencer %q IF reassigned from %g Hz to %g Hz", seqID, existing, value)
		}
		return nil
	}
	a.seqIF[seqID] = value
	return nil
}

// AssignLO records the frequency for a local oscillator, rejecting a
// conflicting reassignment, and marks the LO as referenced (used).
func (a *Assigner) AssignLO(name string, value float64) error {
	a.loUsed[name] = true
	if existing, ok := a.loFreq[name]; ok {
		if math.Abs(existing-value) > tolerance {
			return compileerr.New(compileerr.FrequencyConflict,
				"local oscillator %q reassigned from %g Hz to %g Hz", name, existing, value)
		}
		return nil
	}
	a.loFreq[name] = value
	return nil
}

// MarkLOReferenced records that name is referenced by an active
// port-clock, even before its frequency is known, so unreferenced LOs can
// be pruned regardless of assignment order.
func (a *Assigner) MarkLOReferenced(name string) {
	a.loUsed[name] = true
}

// ActiveLOs returns the frequency of every LO that was referenced by at
// least one active port-clock. Unreferenced LOs are dropped from the
// artifact per §4.3.
func (a *Assigner) ActiveLOs() map[string]float64 {
	out := make(map[string]float64)
	for name, used := range a.loUsed {
		if !used {
			continue
		}
		if f, ok := a.loFreq[name]; ok {
			out[name] = f
		}
	}
	return out
}

// IF returns the resolved IF for a sequencer, if assigned.
func (a *Assigner) IF(seqID string) (float64, bool) {
	v, ok := a.seqIF[seqID]
	return v, ok
}
