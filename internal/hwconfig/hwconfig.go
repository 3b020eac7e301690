// Package hwconfig parses the nested hardware-mapping document and builds
// the port-clock index that the rest of the compiler is keyed on.
//
// The document shape is deliberately loose (devices, outputs and
// sequencer-slots are all free-form keys, and a sequencer-slot list may be
// given as a map keyed by slot name or as a bare list of dicts) so it is
// decoded into a generic map[string]any rather than a fixed struct, and
// walked recursively.
package hwconfig

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
)

// Document is the raw decoded hardware-mapping document.
type Document map[string]any

// ParseDocument decodes a hardware-mapping document from its YAML or JSON
// source bytes. YAML is a superset of JSON, so a single decoder serves both
// encodings described in the external interface.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing hardware mapping: %w", err)
	}
	return doc, nil
}

// PortClock identifies a schedule operation's addressing pair.
type PortClock struct {
	Port  string
	Clock string
}

// Location is where a (port, clock) pair lives in the hardware mapping:
// which device, which output channel on that device, and which
// sequencer-slot label under that output.
type Location struct {
	Device     string
	Output     string
	SeqSlot    string
	IntermFreq *float64
	NCOEnable  *bool
}

// MixerCorrections carries the IQ predistortion parameters declared on an
// output channel.
type MixerCorrections struct {
	AmpRatio float64
	PhaseErr float64
	OffsetI  float64
	OffsetQ  float64
}

// OutputNode describes one output channel of a device: its optional LO
// reference and mixer corrections, plus every sequencer slot beneath it.
type OutputNode struct {
	LOName  string
	// LOFreqInline is set when the output declares lo_freq directly
	// without a separate lo_name, as RF modules do for their internal
	// LO (no external local-oscillator device to name).
	LOFreqInline *float64
	// DownconverterFreq is the optional downconverter_freq pre-transform
	// applied to the clock frequency before LO/IF resolution.
	DownconverterFreq *float64
	Mixer             *MixerCorrections
	SeqSlots          []string
}

// DeviceNode is the reverse-index entry for one device: its instrument type
// and the outputs it exposes.
type DeviceNode struct {
	InstrumentType string
	Ref            string
	Outputs        map[string]*OutputNode
}

// LocalOscillator tracks a lazily-created LO referenced by one or more
// outputs, and the frequency the mapping declares for it (an output's
// lo_freq or the LO device's own frequency entry), if any.
type LocalOscillator struct {
	Name      string
	Frequency *float64
}

// Index is the immutable product of the mapping indexer: the forward
// port-clock map and the reverse device/output map, built once and shared
// read-only by every later stage.
type Index struct {
	PortClock        map[PortClock]Location
	Devices          map[string]*DeviceNode
	LocalOscillators map[string]*LocalOscillator
}

// nonDeviceKeys lists top-level keys that never describe a device, even
// though their value is a map.
var nonDeviceKeys = map[string]bool{
	"backend":                true,
	"latency_corrections":    true,
	"distortion_corrections": true,
}

// BuildIndex walks doc recursively, building the forward PortClock index
// and the reverse device index. A node "contains a port" when it holds
// both a "port" and a "clock" key. Non-dict branches (numbers, strings,
// lists of non-dicts) are ignored; lists of dicts are recursed into.
func BuildIndex(doc Document) (*Index, error) {
	idx := &Index{
		PortClock:        make(map[PortClock]Location),
		Devices:          make(map[string]*DeviceNode),
		LocalOscillators: make(map[string]*LocalOscillator),
	}

	for name, value := range doc {
		if nonDeviceKeys[name] {
			continue
		}
		node, ok := asMap(value)
		if !ok {
			continue
		}
		instrumentType, _ := node["instrument_type"].(string)
		if instrumentType == "" {
			continue
		}
		if instrumentType == "LocalOscillator" {
			lo := idx.LocalOscillators[name]
			if lo == nil {
				lo = &LocalOscillator{Name: name}
				idx.LocalOscillators[name] = lo
			}
			if freq, ok := node["frequency"]; ok && freq != nil {
				f, err := asFloat(freq)
				if err != nil {
					return nil, fmt.Errorf("local oscillator %s: frequency: %w", name, err)
				}
				lo.Frequency = &f
			}
			continue
		}
		device := &DeviceNode{InstrumentType: instrumentType, Outputs: make(map[string]*OutputNode)}
		if ref, ok := node["ref"].(string); ok {
			device.Ref = ref
		}
		idx.Devices[name] = device

		for key, sub := range node {
			if key == "instrument_type" || key == "ref" {
				continue
			}
			subMap, ok := asMap(sub)
			if !ok {
				continue
			}
			if err := idx.walkOutput(name, key, subMap); err != nil {
				return nil, err
			}
		}
	}

	return idx, nil
}

// walkOutput registers one output channel's LO reference and mixer
// corrections, then recurses into its children looking for port-clock
// sub-configs, at any nesting depth and under either a named-map or a
// bare-list shape.
func (idx *Index) walkOutput(deviceName, outputName string, node map[string]any) error {
	output := &OutputNode{}
	if loName, ok := node["lo_name"].(string); ok && loName != "" {
		output.LOName = loName
		lo := idx.LocalOscillators[loName]
		if lo == nil {
			lo = &LocalOscillator{Name: loName}
			idx.LocalOscillators[loName] = lo
		}
		if freq, ok := node["lo_freq"]; ok && freq != nil {
			f, err := asFloat(freq)
			if err != nil {
				return fmt.Errorf("device %s output %s: lo_freq: %w", deviceName, outputName, err)
			}
			if lo.Frequency != nil && *lo.Frequency != f {
				return compileerr.New(compileerr.FrequencyConflict,
					"local oscillator %q reassigned from %g Hz to %g Hz", loName, *lo.Frequency, f).
					With("lo", loName)
			}
			lo.Frequency = &f
		}
	} else if freq, ok := node["lo_freq"]; ok && freq != nil {
		f, err := asFloat(freq)
		if err != nil {
			return fmt.Errorf("device %s output %s: lo_freq: %w", deviceName, outputName, err)
		}
		output.LOFreqInline = &f
	}
	if v, ok := node["downconverter_freq"]; ok && v != nil {
		f, err := asFloat(v)
		if err != nil {
			return fmt.Errorf("device %s output %s: downconverter_freq: %w", deviceName, outputName, err)
		}
		output.DownconverterFreq = &f
	}
	if mixer, ok := asMap(node["mixer_corrections"]); ok {
		mc := &MixerCorrections{AmpRatio: 1.0}
		if v, ok := mixer["amp_ratio"]; ok {
			mc.AmpRatio, _ = asFloat(v)
		}
		if v, ok := mixer["phase_error"]; ok {
			mc.PhaseErr, _ = asFloat(v)
		}
		if v, ok := mixer["offset_I"]; ok {
			mc.OffsetI, _ = asFloat(v)
		}
		if v, ok := mixer["offset_Q"]; ok {
			mc.OffsetQ, _ = asFloat(v)
		}
		output.Mixer = mc
	}
	idx.Devices[deviceName].Outputs[outputName] = output

	for key, value := range node {
		switch key {
		case "lo_name", "lo_freq", "downconverter_freq", "mixer_corrections":
			continue
		}
		if err := idx.findPortClockNodes(deviceName, outputName, output, key, value); err != nil {
			return err
		}
	}
	sort.Strings(output.SeqSlots)
	return nil
}

// findPortClockNodes recurses into value looking for dict nodes that carry
// a "port" key, registering each as a sequencer slot named label (or
// label[i] when value is a bare list).
func (idx *Index) findPortClockNodes(deviceName, outputName string, output *OutputNode, label string, value any) error {
	if list, ok := value.([]any); ok {
		for i, item := range list {
			m, ok := asMap(item)
			if !ok {
				continue // lists of non-dicts are ignored
			}
			if err := idx.registerIfPortClock(deviceName, outputName, output, fmt.Sprintf("%s[%s]", label, strconv.Itoa(i)), m); err != nil {
				return err
			}
		}
		return nil
	}
	m, ok := asMap(value)
	if !ok {
		return nil // numbers, strings: ignored
	}
	return idx.registerIfPortClock(deviceName, outputName, output, label, m)
}

// registerIfPortClock registers node as a sequencer slot if it declares a
// port (recursing further only when it does not, since a port-clock
// sub-config is a leaf of the mapping document).
func (idx *Index) registerIfPortClock(deviceName, outputName string, output *OutputNode, slotName string, node map[string]any) error {
	port, hasPort := node["port"]
	if !hasPort {
		for key, value := range node {
			if err := idx.findPortClockNodes(deviceName, outputName, output, key, value); err != nil {
				return err
			}
		}
		return nil
	}
	portStr, _ := port.(string)
	clock, hasClock := node["clock"]
	if !hasClock || clock == nil {
		return compileerr.New(compileerr.MissingClock,
			"port %q declared without a clock", portStr).
			With("device", deviceName).With("output", outputName).With("seq", slotName)
	}
	clockStr, _ := clock.(string)

	pc := PortClock{Port: portStr, Clock: clockStr}
	if _, exists := idx.PortClock[pc]; exists {
		return compileerr.New(compileerr.DuplicatePortClock,
			"port-clock (%s, %s) declared more than once", portStr, clockStr).
			With("port", portStr).With("clock", clockStr)
	}

	loc := Location{Device: deviceName, Output: outputName, SeqSlot: slotName}
	if v, ok := node["interm_freq"]; ok && v != nil {
		f, err := asFloat(v)
		if err != nil {
			return fmt.Errorf("device %s seq %s: interm_freq: %w", deviceName, slotName, err)
		}
		loc.IntermFreq = &f
	}
	if v, ok := node["nco_en"].(bool); ok {
		loc.NCOEnable = &v
	}
	idx.PortClock[pc] = loc
	output.SeqSlots = append(output.SeqSlots, slotName)
	return nil
}

// PortClockLocation pairs a port-clock with the location it resolves to,
// returned together so callers never need to reverse-lookup one from the
// other.
type PortClockLocation struct {
	PortClock PortClock
	Location  Location
}

// SequencersOf returns the sorted list of (port-clock, location) pairs
// owned by a device, used by the per-device compiler to enumerate its
// sequencers deterministically.
func (idx *Index) SequencersOf(device string) []PortClockLocation {
	var out []PortClockLocation
	for pc, loc := range idx.PortClock {
		if loc.Device == device {
			out = append(out, PortClockLocation{PortClock: pc, Location: loc})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location.Output != out[j].Location.Output {
			return out[i].Location.Output < out[j].Location.Output
		}
		return out[i].Location.SeqSlot < out[j].Location.SeqSlot
	})
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", v)
	}
}
