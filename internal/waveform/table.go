package waveform

import (
	"math"
	"math/cmplx"
	"sort"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
)

// Entry is one registered waveform: its real-valued samples and its
// dense, non-negative index in the sequencer's waveform table.
type Entry struct {
	Name string
	Data []float64
	Index int
}

// Table is the ordered, fingerprint-keyed, append-only waveform
// dictionary for one sequencer. Identical fingerprints always resolve to
// the same pair of I/Q entries (§8 invariant 2); I indices are the even
// naturals in insertion order and each Q index is the preceding I index
// + 1 (§8 invariant 3).
type Table struct {
	entries map[string]*Entry
	order   []string
	byFP    map[string][2]int // fingerprint -> (I index, Q index)
}

// NewTable constructs an empty waveform table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		byFP:    make(map[string][2]int),
	}
}

// Register adds the I/Q samples for fingerprint to the table if not
// already present, and returns the (I index, Q index) pair to use in
// emitted play/acquire instructions.
func (t *Table) Register(fingerprint string, i, q []float64) (int, int) {
	if pair, ok := t.byFP[fingerprint]; ok {
		return pair[0], pair[1]
	}
	k := len(t.order) / 2
	iIdx, qIdx := 2*k, 2*k+1
	iName, qName := fingerprint+"_I", fingerprint+"_Q"
	t.entries[iName] = &Entry{Name: iName, Data: i, Index: iIdx}
	t.entries[qName] = &Entry{Name: qName, Data: q, Index: qIdx}
	t.order = append(t.order, iName, qName)
	t.byFP[fingerprint] = [2]int{iIdx, qIdx}
	return iIdx, qIdx
}

// Entries returns every registered entry in insertion order.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.entries[name])
	}
	return out
}

// Len reports how many distinct fingerprints are registered.
func (t *Table) Len() int { return len(t.order) / 2 }

// Sample evaluates sampler at the duration's sample times (step 1 of the
// waveform pipeline): N = round(duration * SamplingRate) samples at
// t_k = k / SamplingRate.
func Sample(sampler Sampler, duration float64, params map[string]any) ([]complex128, error) {
	n := int(math.Round(duration * SamplingRate))
	if n < 0 {
		n = 0
	}
	t := make([]float64, n)
	for k := range t {
		t[k] = float64(k) / SamplingRate
	}
	bound := make(map[string]any, len(sampler.Params())+1)
	bound["duration"] = duration
	for _, name := range sampler.Params() {
		if v, ok := params[name]; ok {
			bound[name] = v
		}
	}
	return sampler.Sample(t, bound)
}

// Modulate multiplies data elementwise by exp(2*pi*i*ifFreq*(t0+k/fs)),
// step 2 of the waveform pipeline, so the NCO-equivalent phase stays
// continuous across the whole schedule (t0 is the pulse's absolute
// timing, not a per-sample offset).
func Modulate(data []complex128, ifFreq, t0 float64) []complex128 {
	out := make([]complex128, len(data))
	for k, v := range data {
		tk := t0 + float64(k)/SamplingRate
		phase := 2 * math.Pi * ifFreq * tk
		out[k] = v * cmplx.Exp(complex(0, phase))
	}
	return out
}

// MixerCorrect applies the standard IQ-skew predistortion for an output
// carrying a non-unity amplitude ratio r and a phase error phi (degrees),
// step 3 of the waveform pipeline.
func MixerCorrect(data []complex128, ampRatio, phaseErrorDeg float64) []complex128 {
	if ampRatio == 0 {
		ampRatio = 1
	}
	phi := phaseErrorDeg * math.Pi / 180
	alpha := 1 / ampRatio
	out := make([]complex128, len(data))
	for k, v := range data {
		re, im := real(v), imag(v)
		// Standard single-sideband predistortion: shear the imaginary
		// axis by the phase error and rescale it by the amplitude ratio.
		corrRe := re + im*math.Tan(phi)
		corrIm := im * alpha / math.Cos(phi)
		out[k] = complex(corrRe, corrIm)
	}
	return out
}

// Normalised is the result of step 4 (normalise) of the waveform
// pipeline: unit-peak real and imaginary sample vectors plus the
// per-axis peak gain that must be replayed at runtime via set_awg_gain.
type Normalised struct {
	I, Q       []float64
	GainI, GainQ float64
}

// Normalise finds the per-axis peak magnitude and divides the samples by
// it so stored data lie in [-1, 1], per step 4. A zero-duration (empty)
// waveform normalises to zero gain without dividing by zero.
func Normalise(data []complex128) Normalised {
	var peakI, peakQ float64
	for _, v := range data {
		if a := math.Abs(real(v)); a > peakI {
			peakI = a
		}
		if a := math.Abs(imag(v)); a > peakQ {
			peakQ = a
		}
	}
	i := make([]float64, len(data))
	q := make([]float64, len(data))
	for k, v := range data {
		if peakI != 0 {
			i[k] = real(v) / peakI
		}
		if peakQ != 0 {
			q[k] = imag(v) / peakQ
		}
	}
	return Normalised{I: i, Q: q, GainI: peakI, GainQ: peakQ}
}

// RangeCheck rejects a normalised waveform whose runtime gain would
// exceed the owning device's peak output voltage, step 5 of the waveform
// pipeline.
func RangeCheck(n Normalised, peakVoltage float64, fingerprint string) error {
	if n.GainI > peakVoltage || n.GainQ > peakVoltage {
		return compileerr.New(compileerr.AmplitudeOutOfRange,
			"waveform %s requires %.4g V / %.4g V, exceeds device peak of %.4g V",
			fingerprint, n.GainI, n.GainQ, peakVoltage).
			With("fingerprint", fingerprint)
	}
	return nil
}

// NormaliseOffset converts a mixer DC offset (in volts) to the [-1, 1]
// fraction of peak voltage that becomes awg_offset_path_0/1, rejecting an
// offset that exceeds the owning device's peak output voltage. Grounded
// on calc_from_units_volt in the original helpers.py, which raises on an
// out-of-range offset rather than silently clamping it.
func NormaliseOffset(offsetI, offsetQ, peakVoltage float64) (float64, float64, error) {
	if math.Abs(offsetI) > peakVoltage || math.Abs(offsetQ) > peakVoltage {
		return 0, 0, compileerr.New(compileerr.AmplitudeOutOfRange,
			"mixer offset %.4g V / %.4g V exceeds device peak of %.4g V", offsetI, offsetQ, peakVoltage)
	}
	return offsetI / peakVoltage, offsetQ / peakVoltage, nil
}

// ToDict renders the table in the on-disk JSON shape described by the
// external interface: name -> {data, index}.
func (t *Table) ToDict() map[string]WaveformBlob {
	out := make(map[string]WaveformBlob, len(t.entries))
	for name, e := range t.entries {
		out[name] = WaveformBlob{Data: e.Data, Index: e.Index}
	}
	return out
}

// WaveformBlob is the JSON shape of one waveform-table entry.
type WaveformBlob struct {
	Data  []float64 `json:"data"`
	Index int       `json:"index"`
}

// SortedNames returns every registered waveform name in index order,
// useful for deterministic iteration in tests and diagnostics.
func (t *Table) SortedNames() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return t.entries[names[i]].Index < t.entries[names[j]].Index })
	return names
}
