// Package scheduleio decodes the fully-timed input schedule and distributes
// its operations to the sequencer that owns each operation's (port, clock)
// pair, computing absolute timing and a time-independent fingerprint for
// each pulse/acquisition record along the way.
package scheduleio

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
	"github.com/quantify-go/qblox-pulse-compiler/internal/hwconfig"
)

// Schedulable references one operation and the absolute time (in seconds)
// at which it starts.
type Schedulable struct {
	OperationHash string  `json:"operation_hash"`
	AbsTime       float64 `json:"abs_time"`
}

// Operation holds the pulse and acquisition records that make up one
// schedule entry.
type Operation struct {
	Name             string                   `json:"name"`
	PulseInfo        []map[string]any         `json:"pulse_info"`
	AcquisitionInfo  []map[string]any         `json:"acquisition_info"`
}

// ClockResource gives the frequency bound to a clock label.
type ClockResource struct {
	Frequency float64 `json:"freq"`
}

// Schedule is the fully-lowered, read-only input to the core: an ordered
// list of schedulables, an operations table keyed by hash, clock
// resources, and a repetition count.
type Schedule struct {
	Schedulables  []Schedulable            `json:"schedulables"`
	Operations    map[string]Operation     `json:"operations"`
	Clocks        map[string]ClockResource `json:"clock_resources"`
	Repetitions   int                      `json:"repetitions"`
}

// ParseSchedule decodes a schedule from its JSON source bytes.
func ParseSchedule(data []byte) (*Schedule, error) {
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}
	if sched.Repetitions == 0 {
		sched.Repetitions = 1
	}
	return &sched, nil
}

// OpInfo is an immutable view of one pulse or acquisition record: its raw
// data, its absolute timing (abs_time + t0, in seconds), a fingerprint
// (content hash excluding t0) used for waveform deduplication, and whether
// it is an acquisition.
type OpInfo struct {
	Name          string
	Data          map[string]any
	Timing        float64
	Fingerprint   string
	IsAcquisition bool
}

// SequencerOps collects the pulses and acquisitions routed to one
// sequencer (identified by its owning port-clock).
type SequencerOps struct {
	PortClock   hwconfig.PortClock
	Location    hwconfig.Location
	Pulses      []OpInfo
	Acquisitions []OpInfo
}

// Distribution is the product of the operation distributor: every
// sequencer that received at least one operation, keyed by its port-clock.
type Distribution struct {
	Sequencers map[hwconfig.PortClock]*SequencerOps
}

func (d *Distribution) sequencer(idx *hwconfig.Index, pc hwconfig.PortClock) *SequencerOps {
	seq, ok := d.Sequencers[pc]
	if !ok {
		seq = &SequencerOps{PortClock: pc, Location: idx.PortClock[pc]}
		d.Sequencers[pc] = seq
	}
	return seq
}

// Distribute walks every schedulable in sched, computing absolute timing
// and a fingerprint for every pulse/acquisition record, and routes each
// record to the sequencer owning its (port, clock) per the rules of the
// operation distributor (including the port==null clock-fan-out rule).
func Distribute(sched *Schedule, idx *hwconfig.Index) (*Distribution, error) {
	dist := &Distribution{Sequencers: make(map[hwconfig.PortClock]*SequencerOps)}

	for _, schedulable := range sched.Schedulables {
		op, ok := sched.Operations[schedulable.OperationHash]
		if !ok {
			return nil, compileerr.New(compileerr.InvalidOperation,
				"schedulable references unknown operation %q", schedulable.OperationHash)
		}
		if len(op.PulseInfo) == 0 && len(op.AcquisitionInfo) == 0 {
			return nil, compileerr.New(compileerr.InvalidOperation,
				"operation %q has neither pulse nor acquisition info", schedulable.OperationHash).
				With("operation", schedulable.OperationHash)
		}
		if !isGridAligned(schedulable.AbsTime) {
			return nil, compileerr.New(compileerr.GridViolation,
				"abs_time %g ns is not a multiple of the grid time", schedulable.AbsTime*1e9).
				With("operation", schedulable.OperationHash)
		}

		if err := distributePulses(dist, idx, op, schedulable); err != nil {
			return nil, err
		}
		if err := distributeAcquisitions(dist, idx, op, schedulable); err != nil {
			return nil, err
		}
	}

	return dist, nil
}

func distributePulses(dist *Distribution, idx *hwconfig.Index, op Operation, schedulable Schedulable) error {
	for _, pulse := range op.PulseInfo {
		t0, _ := numOr(pulse["t0"], 0)
		timing := schedulable.AbsTime + t0
		if !isGridAligned(timing) {
			return compileerr.New(compileerr.GridViolation,
				"pulse start time %g ns does not align with the grid", timing*1e9).
				With("operation", schedulable.OperationHash)
		}

		info := OpInfo{
			Name:        op.Name,
			Data:        pulse,
			Timing:      timing,
			Fingerprint: fingerprint(withoutKeys(pulse, "t0")),
		}

		port, _ := pulse["port"].(string)
		clock, _ := pulse["clock"].(string)

		if port == "" {
			// Clock-only virtual operation: fan out to every sequencer
			// sharing this clock.
			for pc := range idx.PortClock {
				if pc.Clock == clock {
					dist.sequencer(idx, pc).Pulses = append(dist.sequencer(idx, pc).Pulses, info)
				}
			}
			continue
		}

		pc := hwconfig.PortClock{Port: port, Clock: clock}
		if _, known := idx.PortClock[pc]; !known {
			return compileerr.New(compileerr.UnknownPortClock,
				"pulse addresses unknown port-clock (%s, %s)", port, clock).
				With("port", port).With("clock", clock)
		}
		seq := dist.sequencer(idx, pc)
		seq.Pulses = append(seq.Pulses, info)
	}
	return nil
}

func distributeAcquisitions(dist *Distribution, idx *hwconfig.Index, op Operation, schedulable Schedulable) error {
	for _, acq := range op.AcquisitionInfo {
		t0, _ := numOr(acq["t0"], 0)
		timing := schedulable.AbsTime + t0

		port, _ := acq["port"].(string)
		clock, _ := acq["clock"].(string)
		if port == "" {
			continue
		}

		pc := hwconfig.PortClock{Port: port, Clock: clock}
		loc, known := idx.PortClock[pc]
		if !known {
			return compileerr.New(compileerr.UnknownPortClock,
				"acquisition addresses unknown port-clock (%s, %s)", port, clock).
				With("port", port).With("clock", clock)
		}
		device := idx.Devices[loc.Device]
		if device != nil && !deviceSupportsAcquisition(device.InstrumentType) {
			return compileerr.New(compileerr.UnsupportedAcquisition,
				"device %q (%s) does not support acquisition", loc.Device, device.InstrumentType).
				With("device", loc.Device)
		}

		hashed := withoutKeys(acq, "t0", "waveforms")
		var weights []map[string]any
		for _, wf := range toMapSlice(acq["waveforms"]) {
			weights = append(weights, withoutKeys(wf, "t0"))
		}
		hashed["waveforms"] = weights

		info := OpInfo{
			Name:          op.Name,
			Data:          acq,
			Timing:        timing,
			Fingerprint:   fingerprint(hashed),
			IsAcquisition: true,
		}
		seq := dist.sequencer(idx, pc)
		seq.Acquisitions = append(seq.Acquisitions, info)
	}
	return nil
}

func deviceSupportsAcquisition(instrumentType string) bool {
	switch instrumentType {
	case "QRM", "QRM_RF", "Cluster":
		return true
	default:
		return false
	}
}

const gridTimeNs = 4

// isGridAligned reports whether t (seconds) rounds to an integer multiple
// of the 4 ns instrument grid.
func isGridAligned(t float64) bool {
	ns := t * 1e9
	rounded := roundHalfEven(ns)
	if absFloat(ns-rounded) > 1e-6 {
		return false
	}
	return int64(rounded)%gridTimeNs == 0
}

func roundHalfEven(v float64) float64 {
	floor := float64(int64(v))
	if v < 0 && v != floor {
		floor--
	}
	frac := v - floor
	switch {
	case frac < 0.5:
		return floor
	case frac > 0.5:
		return floor + 1
	default:
		if int64(floor)%2 == 0 {
			return floor
		}
		return floor + 1
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func numOr(v any, def float64) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case nil:
		return def, false
	default:
		return def, false
	}
}

func withoutKeys(m map[string]any, keys ...string) map[string]any {
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[k] = true
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !skip[k] {
			out[k] = v
		}
	}
	return out
}

func toMapSlice(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// fingerprint computes a stable content hash of data, used as the
// deduplication key for waveform sampling. Keys are sorted before hashing
// so that map iteration order never affects the result.
func fingerprint(data map[string]any) string {
	canon := canonicalize(data)
	h := sha256.Sum256(canon)
	return fmt.Sprintf("%x", h)[:16]
}

// canonicalize produces a deterministic JSON encoding of v: object keys
// are emitted in sorted order at every nesting level.
func canonicalize(v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalize(val[k])...)
		}
		out = append(out, '}')
		return out
	case []map[string]any:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalize(item)...)
		}
		out = append(out, ']')
		return out
	case []any:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalize(item)...)
		}
		out = append(out, ']')
		return out
	default:
		b, _ := json.Marshal(val)
		return b
	}
}
