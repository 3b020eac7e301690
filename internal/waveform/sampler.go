// Package waveform implements the sampling, modulation, mixer-skew
// correction, normalisation and deduplicated registration of pulse and
// acquisition-weight waveforms (§4.4 of the compiler design).
package waveform

import (
	"math"
	"math/cmplx"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
)

// SamplingRate is the instrument's fixed sample rate (1 GS/s).
const SamplingRate = 1_000_000_000.0

// Sampler evaluates a named, analytic waveform function at the sample
// times t (seconds, relative to the start of the pulse), reading whatever
// subset of params it declares.
type Sampler interface {
	// Params lists the record fields this sampler binds by name.
	Params() []string
	// Sample evaluates the waveform at each time in t using params.
	Sample(t []float64, params map[string]any) ([]complex128, error)
}

// Registry is a name -> Sampler lookup, replacing the original's dynamic
// "wf_func" string dispatch with an explicit, statically registered table
// (see DESIGN.md, "dynamic function dispatch").
type Registry struct {
	samplers map[string]Sampler
}

// NewRegistry builds the standard registry of named samplers used by the
// device-under-test pulse library: drag, square, ramp, staircase and idle.
func NewRegistry() *Registry {
	r := &Registry{samplers: make(map[string]Sampler)}
	r.Register("drag", dragSampler{})
	r.Register("square", squareSampler{})
	r.Register("ramp", rampSampler{})
	r.Register("staircase", staircaseSampler{})
	r.Register("idle", idleSampler{})
	return r
}

// Register adds or replaces the sampler for name.
func (r *Registry) Register(name string, s Sampler) {
	r.samplers[name] = s
}

// Lookup returns the sampler registered for name, or an error if none is
// registered (an unknown wf_func name).
func (r *Registry) Lookup(name string) (Sampler, error) {
	s, ok := r.samplers[name]
	if !ok {
		return nil, compileerr.New(compileerr.InvalidOperation, "unknown waveform function %q", name)
	}
	return s, nil
}

func floatParam(params map[string]any, name string, def float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// dragSampler implements the DRAG (Derivative Removal by Adiabatic Gate)
// pulse envelope: a Gaussian of amplitude G_amp with a derivative
// component scaled by D_amp added in quadrature, both modulated by a
// constant carrier phase.
type dragSampler struct{}

func (dragSampler) Params() []string { return []string{"duration", "G_amp", "D_amp", "nr_sigma", "phase"} }

func (dragSampler) Sample(t []float64, params map[string]any) ([]complex128, error) {
	duration := floatParam(params, "duration", 0)
	gAmp := floatParam(params, "G_amp", 0)
	dAmp := floatParam(params, "D_amp", 0)
	nrSigma := floatParam(params, "nr_sigma", 4)
	phase := floatParam(params, "phase", 0) * math.Pi / 180

	if nrSigma <= 0 {
		nrSigma = 4
	}
	sigma := duration / nrSigma
	mu := duration / 2

	out := make([]complex128, len(t))
	carrier := cmplx.Exp(complex(0, phase))
	for i, ti := range t {
		gauss := gAmp * math.Exp(-0.5*math.Pow((ti-mu)/sigma, 2))
		deriv := -dAmp * (ti - mu) / sigma * gauss
		out[i] = complex(gauss, deriv) * carrier
	}
	return out, nil
}

// squareSampler implements a flat-topped pulse of constant complex
// amplitude.
type squareSampler struct{}

func (squareSampler) Params() []string { return []string{"amp"} }

func (squareSampler) Sample(t []float64, params map[string]any) ([]complex128, error) {
	amp := floatParam(params, "amp", 0)
	out := make([]complex128, len(t))
	for i := range out {
		out[i] = complex(amp, 0)
	}
	return out, nil
}

// rampSampler implements a linear ramp from zero to amp over the pulse
// duration.
type rampSampler struct{}

func (rampSampler) Params() []string { return []string{"amp", "duration"} }

func (rampSampler) Sample(t []float64, params map[string]any) ([]complex128, error) {
	amp := floatParam(params, "amp", 0)
	duration := floatParam(params, "duration", 0)
	out := make([]complex128, len(t))
	if duration == 0 {
		return out, nil
	}
	for i, ti := range t {
		out[i] = complex(amp*ti/duration, 0)
	}
	return out, nil
}

// staircaseSampler implements a discrete step-wise ramp between
// start_amp and final_amp over nr_steps equal steps. It is only used when
// the emitter cannot apply the dedicated staircase shortcut (§4.5), e.g.
// when storing the waveform directly is requested.
type staircaseSampler struct{}

func (staircaseSampler) Params() []string {
	return []string{"start_amp", "final_amp", "nr_steps", "duration"}
}

func (staircaseSampler) Sample(t []float64, params map[string]any) ([]complex128, error) {
	start := floatParam(params, "start_amp", 0)
	final := floatParam(params, "final_amp", 0)
	steps := int(floatParam(params, "nr_steps", 1))
	duration := floatParam(params, "duration", 0)
	out := make([]complex128, len(t))
	if steps <= 0 || duration == 0 {
		for i := range out {
			out[i] = complex(start, 0)
		}
		return out, nil
	}
	stepDuration := duration / float64(steps)
	for i, ti := range t {
		step := int(ti / stepDuration)
		if step >= steps {
			step = steps - 1
		}
		frac := float64(step) / float64(steps-1+boolToInt(steps == 1))
		out[i] = complex(start+frac*(final-start), 0)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// idleSampler implements a clock-only / marker-only virtual operation
// that carries no amplitude.
type idleSampler struct{}

func (idleSampler) Params() []string { return nil }

func (idleSampler) Sample(t []float64, _ map[string]any) ([]complex128, error) {
	return make([]complex128, len(t)), nil
}
