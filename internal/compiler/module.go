// Package compiler wires the mapping index, the operation distribution,
// the frequency resolution and the waveform/Q1ASM pipelines together into
// the per-sequencer, per-device and top-level artifact compilers (§4.4
// end, §4.6).
package compiler

// ModuleDescriptor captures everything that varies between Qblox module
// variants, replacing the original's QCM/QRM/RF class hierarchy with one
// descriptor consumed by a single emission path (see DESIGN NOTES §9,
// "inheritance hierarchies").
type ModuleDescriptor struct {
	MaxSequencers       int
	PeakVoltage         float64
	MarkerStart         int
	MarkerEnd           int
	SupportsAcquisition bool
	HasRFFrontend       bool
}

// descriptors is the fixed table of module variants named in §6.
var descriptors = map[string]ModuleDescriptor{
	"QCM":    {MaxSequencers: 2, PeakVoltage: 2.5, MarkerStart: 1, MarkerEnd: 0, SupportsAcquisition: false, HasRFFrontend: false},
	"QRM":    {MaxSequencers: 1, PeakVoltage: 0.5, MarkerStart: 1, MarkerEnd: 0, SupportsAcquisition: true, HasRFFrontend: false},
	"QCM_RF": {MaxSequencers: 2, PeakVoltage: 0.25, MarkerStart: 6, MarkerEnd: 8, SupportsAcquisition: false, HasRFFrontend: true},
	"QRM_RF": {MaxSequencers: 1, PeakVoltage: 0.25, MarkerStart: 1, MarkerEnd: 4, SupportsAcquisition: true, HasRFFrontend: true},
}

// DescriptorFor returns the module descriptor for an instrument type, and
// whether one is known. "Cluster" and "LocalOscillator" are not module
// variants themselves and never have a descriptor.
func DescriptorFor(instrumentType string) (ModuleDescriptor, bool) {
	d, ok := descriptors[instrumentType]
	return d, ok
}
