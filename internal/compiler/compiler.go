package compiler

import (
	"fmt"
	"math"
	"sort"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
	"github.com/quantify-go/qblox-pulse-compiler/internal/freq"
	"github.com/quantify-go/qblox-pulse-compiler/internal/hwconfig"
	"github.com/quantify-go/qblox-pulse-compiler/internal/q1asm"
	"github.com/quantify-go/qblox-pulse-compiler/internal/scheduleio"
	"github.com/quantify-go/qblox-pulse-compiler/internal/waveform"
)

// SequencerSettings is the hardware-facing configuration bag emitted
// alongside a sequencer's waveform table and program.
type SequencerSettings struct {
	NCOEnable      bool    `json:"nco_en"`
	SyncEnable     bool    `json:"sync_en"`
	ModulationFreq float64 `json:"modulation_freq"`
	AWGOffsetPath0 float64 `json:"awg_offset_path_0"`
	AWGOffsetPath1 float64 `json:"awg_offset_path_1"`
	Duration       int     `json:"duration"`
}

// SequencerBlob is the on-disk JSON shape for one sequencer's program and
// waveform tables.
type SequencerBlob struct {
	Program   string                            `json:"program"`
	Waveforms map[string]waveform.WaveformBlob `json:"waveforms"`
	Weights   map[string]waveform.WaveformBlob `json:"weights,omitempty"`
}

// SequencerArtifact is the per-sequencer entry in the compiled artifact:
// a reference to its on-disk blob plus its settings bag.
type SequencerArtifact struct {
	SeqFn    string            `json:"seq_fn"`
	Blob     SequencerBlob     `json:"-"`
	Settings SequencerSettings `json:"settings"`
}

// DeviceSettings is the per-module settings bag.
type DeviceSettings struct {
	Ref                string  `json:"ref"`
	HardwareAverages   int     `json:"hardware_averages"`
	ScopeModeSequencer *string `json:"scope_mode_sequencer"`
}

// DeviceArtifact is one device's entry in the compiled artifact: its
// settings plus every sequencer that received data.
type DeviceArtifact struct {
	Settings   DeviceSettings               `json:"settings"`
	Sequencers map[string]*SequencerArtifact `json:"-"`
}

// Artifact is the top-level compiled-schedule mapping, keyed by device
// name, plus the resolved local-oscillator frequencies.
type Artifact struct {
	Devices          map[string]*DeviceArtifact `json:"-"`
	LocalOscillators map[string]float64         `json:"-"`
}

// CompileOptions parameterises the compilation beyond the mapping and the
// schedule: the repetition count and the per-device hardware-average
// count (when the device supports acquisition).
type CompileOptions struct {
	Repetitions      int
	HardwareAverages int
}

// Compile runs the full five-stage pipeline and returns the compiled
// artifact plus any non-fatal warnings collected along the way.
func Compile(doc hwconfig.Document, sched *scheduleio.Schedule, opts CompileOptions) (*Artifact, []compileerr.Warning, error) {
	idx, err := hwconfig.BuildIndex(doc)
	if err != nil {
		return nil, nil, err
	}

	dist, err := scheduleio.Distribute(sched, idx)
	if err != nil {
		return nil, nil, err
	}

	if opts.Repetitions == 0 {
		opts.Repetitions = sched.Repetitions
	}
	if opts.Repetitions == 0 {
		opts.Repetitions = 1
	}
	if opts.HardwareAverages == 0 {
		opts.HardwareAverages = 1
	}

	assigner := freq.NewAssigner()
	warnings, err := resolveFrequencies(idx, sched, dist, assigner)
	if err != nil {
		return nil, nil, err
	}

	totalPlayTimeNs := computeTotalPlayTime(dist)

	devices := make(map[string]*DeviceArtifact)
	for device := range idx.Devices {
		descriptor, ok := DescriptorFor(idx.Devices[device].InstrumentType)
		if !ok {
			continue // Cluster / LocalOscillator: no program of their own
		}
		artifact, devWarnings, err := compileDevice(device, descriptor, idx, dist, assigner, totalPlayTimeNs, opts)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, devWarnings...)
		if artifact != nil {
			devices[device] = artifact
		}
	}

	return &Artifact{Devices: devices, LocalOscillators: assigner.ActiveLOs()}, warnings, nil
}

// resolveFrequencies runs the frequency resolver (§4.3) over every active
// port-clock, recording sequencer IF and LO frequency assignments on
// assigner.
func resolveFrequencies(idx *hwconfig.Index, sched *scheduleio.Schedule, dist *scheduleio.Distribution, assigner *freq.Assigner) ([]compileerr.Warning, error) {
	var warnings []compileerr.Warning
	for pc, seq := range dist.Sequencers {
		if len(seq.Pulses) == 0 && len(seq.Acquisitions) == 0 {
			continue
		}
		clockRes, ok := sched.Clocks[pc.Clock]
		if !ok {
			return nil, compileerr.New(compileerr.UnderConstrainedFrequency,
				"clock %q has no resolved frequency in the schedule", pc.Clock).With("clock", pc.Clock)
		}
		loc := idx.PortClock[pc]
		device := idx.Devices[loc.Device]
		output := device.Outputs[loc.Output]

		var loFreq *float64
		mixLO := true
		if output.LOName != "" {
			if lo := idx.LocalOscillators[output.LOName]; lo != nil {
				loFreq = lo.Frequency
			}
		} else if output.LOFreqInline != nil {
			loFreq = output.LOFreqInline
			mixLO = device.InstrumentType == "QCM_RF" || device.InstrumentType == "QRM_RF"
		}

		if w, warned := freq.DownconverterWarning(output.DownconverterFreq); warned {
			warnings = append(warnings, w.With("device", loc.Device).With("output", loc.Output))
		}

		resolved, err := freq.Resolve(clockRes.Frequency, loFreq, loc.IntermFreq, output.DownconverterFreq, mixLO)
		if err != nil {
			return nil, err
		}

		seqID := sequencerID(loc)
		if err := assigner.AssignIF(seqID, resolved.IF); err != nil {
			return nil, err
		}
		if output.LOName != "" {
			if err := assigner.AssignLO(output.LOName, resolved.LO); err != nil {
				return nil, err
			}
		} else {
			assigner.MarkLOReferenced(seqID)
			if err := assigner.AssignLO(seqID, resolved.LO); err != nil {
				return nil, err
			}
		}
	}
	return warnings, nil
}

func sequencerID(loc hwconfig.Location) string {
	return fmt.Sprintf("%s/%s/%s", loc.Device, loc.Output, loc.SeqSlot)
}

// computeTotalPlayTime derives the global play-time envelope every
// sequencer's program must pad to (§4.5, "outer synchronisation"; §8
// invariant 7, cycle equality): the latest operation end time across
// every sequencer that received data, grid aligned. An operation ends
// after its duration, or after one grid tick if it is shorter.
func computeTotalPlayTime(dist *scheduleio.Distribution) int64 {
	var latest int64
	for _, seq := range dist.Sequencers {
		for _, op := range append(append([]scheduleio.OpInfo{}, seq.Pulses...), seq.Acquisitions...) {
			length := int64(q1asm.GridTimeNs)
			if d, ok := op.Data["duration"].(float64); ok && toGridNs(d) > length {
				length = toGridNs(d)
			}
			end := toGridNs(op.Timing) + length
			if rem := end % q1asm.GridTimeNs; rem != 0 {
				end += q1asm.GridTimeNs - rem
			}
			if end > latest {
				latest = end
			}
		}
	}
	if latest == 0 {
		latest = q1asm.GridTimeNs
	}
	return latest
}

func toGridNs(seconds float64) int64 {
	return int64(math.Round(seconds * 1e9))
}

// compileDevice compiles every sequencer owned by device, aggregates
// device-level settings, and enforces the scope-mode-conflict rule.
func compileDevice(device string, descriptor ModuleDescriptor, idx *hwconfig.Index, dist *scheduleio.Distribution, assigner *freq.Assigner, totalPlayTimeNs int64, opts CompileOptions) (*DeviceArtifact, []compileerr.Warning, error) {
	locations := idx.SequencersOf(device)
	sequencers := make(map[string]*SequencerArtifact)
	var warnings []compileerr.Warning
	var scopeModeSeq *string

	var active int
	for _, pl := range locations {
		seqOps, ok := dist.Sequencers[pl.PortClock]
		if ok && (len(seqOps.Pulses) > 0 || len(seqOps.Acquisitions) > 0) {
			active++
		}
	}
	if active > descriptor.MaxSequencers {
		return nil, nil, compileerr.New(compileerr.TooManySequencers,
			"device %q requires %d active sequencers, exceeds the %d supported by %s",
			device, active, descriptor.MaxSequencers, idx.Devices[device].InstrumentType).With("device", device)
	}

	for _, pl := range locations {
		pc, loc := pl.PortClock, pl.Location
		seqOps, ok := dist.Sequencers[pc]
		if !ok || (len(seqOps.Pulses) == 0 && len(seqOps.Acquisitions) == 0) {
			continue
		}

		output := idx.Devices[device].Outputs[loc.Output]
		seqID := sequencerID(loc)
		ifFreq, _ := assigner.IF(seqID)

		hasScope := hasScopeModeAcquisition(seqOps.Acquisitions)
		if hasScope {
			if scopeModeSeq != nil {
				return nil, nil, compileerr.New(compileerr.ScopeModeConflict,
					"both sequencer %q and %q of device %q request scope-mode acquisition",
					*scopeModeSeq, loc.SeqSlot, device).With("device", device)
			}
			s := loc.SeqSlot
			scopeModeSeq = &s
		}

		artifact, seqWarnings, err := compileSequencer(descriptor, loc, output, seqOps, ifFreq, totalPlayTimeNs, opts)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, seqWarnings...)
		sequencers[loc.SeqSlot] = artifact
	}

	if len(sequencers) == 0 {
		return nil, warnings, nil
	}

	return &DeviceArtifact{
		Settings: DeviceSettings{
			Ref:                idx.Devices[device].Ref,
			HardwareAverages:   opts.HardwareAverages,
			ScopeModeSequencer: scopeModeSeq,
		},
		Sequencers: sequencers,
	}, warnings, nil
}

func hasScopeModeAcquisition(acqs []scheduleio.OpInfo) bool {
	for _, a := range acqs {
		if protocol, _ := a.Data["protocol"].(string); protocol == "trace" {
			return true
		}
	}
	return false
}

// compileSequencer runs the waveform pipeline and the Q1ASM emitter for
// one sequencer and assembles its artifact.
func compileSequencer(descriptor ModuleDescriptor, loc hwconfig.Location, output *hwconfig.OutputNode, ops *scheduleio.SequencerOps, ifFreq float64, totalPlayTimeNs int64, opts CompileOptions) (*SequencerArtifact, []compileerr.Warning, error) {
	registry := waveform.NewRegistry()
	table := waveform.NewTable()
	weights := waveform.NewTable()
	var warnings []compileerr.Warning

	sort.SliceStable(ops.Pulses, func(i, j int) bool { return ops.Pulses[i].Timing < ops.Pulses[j].Timing })
	sort.SliceStable(ops.Acquisitions, func(i, j int) bool { return ops.Acquisitions[i].Timing < ops.Acquisitions[j].Timing })

	var body []q1asm.BodyOp

	for _, op := range ops.Pulses {
		bodyOp, w, err := compilePulse(registry, table, descriptor, output, op, ifFreq)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, w...)
		body = append(body, bodyOp)
	}

	for _, op := range ops.Acquisitions {
		bodyOp, err := compileAcquisition(registry, weights, op)
		if err != nil {
			return nil, nil, err
		}
		body = append(body, bodyOp)
	}

	spec := q1asm.ProgramSpec{
		Repetitions:     opts.Repetitions,
		TotalPlayTimeNs: totalPlayTimeNs,
		MarkerStart:     descriptor.MarkerStart,
		MarkerEnd:       descriptor.MarkerEnd,
		PeakVoltage:     descriptor.PeakVoltage,
	}
	program, progWarnings, err := q1asm.EmitSequencerProgram(body, spec)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, progWarnings...)

	var mixer hwconfig.MixerCorrections
	if output.Mixer != nil {
		mixer = *output.Mixer
	} else {
		mixer.AmpRatio = 1
	}

	offsetPath0, offsetPath1, err := waveform.NormaliseOffset(mixer.OffsetI, mixer.OffsetQ, descriptor.PeakVoltage)
	if err != nil {
		return nil, nil, err
	}

	weightSamples := 0
	for _, e := range weights.Entries() {
		if len(e.Data) > weightSamples {
			weightSamples = len(e.Data)
		}
	}

	settings := SequencerSettings{
		NCOEnable:      ifFreq != 0,
		SyncEnable:     true,
		ModulationFreq: ifFreq,
		AWGOffsetPath0: offsetPath0,
		AWGOffsetPath1: offsetPath1,
		Duration:       weightSamples,
	}

	blob := SequencerBlob{
		Program:   program.String(),
		Waveforms: table.ToDict(),
	}
	if weights.Len() > 0 {
		blob.Weights = weights.ToDict()
	}

	return &SequencerArtifact{
		SeqFn:    fmt.Sprintf("%s_%s_%s.json", loc.Device, loc.Output, loc.SeqSlot),
		Blob:     blob,
		Settings: settings,
	}, warnings, nil
}

// phaseStepsPerDegree is the NCO phase register's resolution: 1e9 steps
// per 360 degrees.
const phaseStepsPerDegree = 1e9 / 360.0

func degreesToPhaseSteps(deg float64) int {
	steps := math.Mod(math.Round(deg*phaseStepsPerDegree), 1e9)
	if steps < 0 {
		steps += 1e9
	}
	return int(steps)
}

func dataFloat(data map[string]any, key string, def float64) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func dataInt(data map[string]any, key string, def int) int {
	return int(dataFloat(data, key, float64(def)))
}

// compileVirtualPulse builds the body op for a clock-only operation
// (wf_func == ""): a relative clock phase shift (ShiftClockPhase), a
// mixer DC offset change (VoltageOffset), or, absent either, an absolute
// phase reset (ResetClockPhase).
func compileVirtualPulse(descriptor ModuleDescriptor, op scheduleio.OpInfo, timingNs int64) (q1asm.BodyOp, []compileerr.Warning, error) {
	if _, ok := op.Data["phase_shift"]; ok {
		steps := degreesToPhaseSteps(dataFloat(op.Data, "phase_shift", 0))
		return q1asm.BodyOp{
			TimingNs:    timingNs,
			Kind:        q1asm.KindVirtual,
			VirtualKind: q1asm.VirtualSetFrequency,
			FreqSteps:   steps,
			CommitNow:   true,
			Comment:     op.Name,
		}, nil, nil
	}

	if _, hasI := op.Data["offset_path_I"]; hasI {
		offsetI := dataFloat(op.Data, "offset_path_I", 0)
		offsetQ := dataFloat(op.Data, "offset_path_Q", 0)
		if _, _, err := waveform.NormaliseOffset(offsetI, offsetQ, descriptor.PeakVoltage); err != nil {
			return q1asm.BodyOp{}, nil, err
		}
		return q1asm.BodyOp{
			TimingNs:    timingNs,
			Kind:        q1asm.KindVirtual,
			VirtualKind: q1asm.VirtualOffset,
			OffsetI:     offsetI,
			OffsetQ:     offsetQ,
			CommitNow:   true,
			Comment:     op.Name,
		}, nil, nil
	}

	return q1asm.BodyOp{
		TimingNs:    timingNs,
		Kind:        q1asm.KindVirtual,
		VirtualKind: q1asm.VirtualPhaseReset,
		CommitNow:   true,
		Comment:     op.Name,
	}, nil, nil
}

// compileStaircase builds the dedicated staircase shortcut body op:
// no waveform is sampled or stored, only the start/step immediates and
// the per-step duration the emitter needs to drive two scratch
// registers.
func compileStaircase(descriptor ModuleDescriptor, op scheduleio.OpInfo, timingNs, durationNs int64) q1asm.BodyOp {
	startAmp := dataFloat(op.Data, "start_amp", 0)
	finalAmp := dataFloat(op.Data, "final_amp", 0)
	steps := dataInt(op.Data, "nr_steps", 1)
	if steps < 1 {
		steps = 1
	}
	startImm := q1asm.ToSigned16(startAmp, descriptor.PeakVoltage)
	finalImm := q1asm.ToSigned16(finalAmp, descriptor.PeakVoltage)
	stepImm := 0
	if steps > 1 {
		stepImm = (finalImm - startImm) / (steps - 1)
	}
	return q1asm.BodyOp{
		TimingNs:       timingNs,
		Kind:           q1asm.KindStaircase,
		StartOffsetImm: startImm,
		StepOffsetImm:  stepImm,
		StepCount:      steps,
		StepDurationNs: durationNs / int64(steps),
		Comment:        op.Name,
	}
}

func compilePulse(registry *waveform.Registry, table *waveform.Table, descriptor ModuleDescriptor, output *hwconfig.OutputNode, op scheduleio.OpInfo, ifFreq float64) (q1asm.BodyOp, []compileerr.Warning, error) {
	timingNs := toGridNs(op.Timing)
	wfFunc, _ := op.Data["wf_func"].(string)

	if wfFunc == "" {
		return compileVirtualPulse(descriptor, op, timingNs)
	}

	if mode, _ := op.Data["output_mode"].(string); mode == "real" && descriptor.HasRFFrontend {
		return q1asm.BodyOp{}, nil, compileerr.New(compileerr.UnsupportedOutputMode,
			"output mode %q is not supported on an RF-frontend module", mode).With("mode", mode)
	}

	duration, _ := op.Data["duration"].(float64)
	if wfFunc == "staircase" {
		if store, _ := op.Data["store_waveform"].(bool); !store {
			durationNs := int64(math.Round(duration * 1e9))
			return compileStaircase(descriptor, op, timingNs, durationNs), nil, nil
		}
	}

	sampler, err := registry.Lookup(wfFunc)
	if err != nil {
		return q1asm.BodyOp{}, nil, err
	}

	raw, err := waveform.Sample(sampler, duration, op.Data)
	if err != nil {
		return q1asm.BodyOp{}, nil, err
	}
	modulated := waveform.Modulate(raw, ifFreq, op.Timing)
	var ampRatio, phaseErr float64 = 1, 0
	if output.Mixer != nil {
		ampRatio, phaseErr = output.Mixer.AmpRatio, output.Mixer.PhaseErr
	}
	corrected := waveform.MixerCorrect(modulated, ampRatio, phaseErr)
	normalised := waveform.Normalise(corrected)

	if err := waveform.RangeCheck(normalised, descriptor.PeakVoltage, op.Fingerprint); err != nil {
		return q1asm.BodyOp{}, nil, err
	}

	durationNs := int64(math.Round(duration * 1e9))
	var warnings []compileerr.Warning
	if wfFunc == "square" && durationNs > q1asm.StitchUnitNs {
		unitI, unitQ := table.Register(op.Fingerprint+"_unit", normalised.I[:min(len(normalised.I), q1asm.StitchUnitNs)], normalised.Q[:min(len(normalised.Q), q1asm.StitchUnitNs)])
		stitchCount := durationNs / q1asm.StitchUnitNs
		residual := durationNs % q1asm.StitchUnitNs
		return q1asm.BodyOp{
			TimingNs:      timingNs,
			Kind:          q1asm.KindStitchedSquare,
			UnitWaveformI: unitI,
			UnitWaveformQ: unitQ,
			StitchCount:   stitchCount,
			ResidualNs:    residual,
			Comment:       op.Name,
		}, warnings, nil
	}

	i, q := table.Register(op.Fingerprint, normalised.I, normalised.Q)
	return q1asm.BodyOp{
		TimingNs:      timingNs,
		Kind:          q1asm.KindPulse,
		WaveformI:     i,
		WaveformQ:     q,
		GainI:         normalised.GainI,
		GainQ:         normalised.GainQ,
		Comment:       op.Name,
	}, warnings, nil
}

func compileAcquisition(registry *waveform.Registry, weights *waveform.Table, op scheduleio.OpInfo) (q1asm.BodyOp, error) {
	timingNs := toGridNs(op.Timing)

	wfList, _ := op.Data["waveforms"].([]any)
	var i, q int
	var re, im []float64
	for _, raw := range wfList {
		wf, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		wfFunc, _ := wf["wf_func"].(string)
		if wfFunc == "" {
			continue
		}
		sampler, err := registry.Lookup(wfFunc)
		if err != nil {
			return q1asm.BodyOp{}, err
		}
		duration, _ := wf["duration"].(float64)
		samples, err := waveform.Sample(sampler, duration, wf)
		if err != nil {
			return q1asm.BodyOp{}, err
		}
		re = make([]float64, len(samples))
		im = make([]float64, len(samples))
		for k, v := range samples {
			re[k] = real(v)
			im[k] = imag(v)
		}
	}
	if re != nil {
		i, q = weights.Register(op.Fingerprint, re, im)
	}

	return q1asm.BodyOp{
		TimingNs:      timingNs,
		Kind:          q1asm.KindAcquisition,
		IsAcquisition: true,
		WaveformI:     i,
		WaveformQ:     q,
		Comment:       op.Name,
	}, nil
}
