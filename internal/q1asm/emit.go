package q1asm

import (
	"math"
	"sort"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
)

// StitchUnitNs is the fixed-length waveform (1 us) whose repeated
// playback synthesises long flat pulses without storing long sample
// arrays.
const StitchUnitNs = 1000

// MinAcquisitionGapNs is the device-imposed minimum time between two
// acquisitions.
const MinAcquisitionGapNs = 1000

// Kind discriminates the five shapes of body operation the emitter
// understands.
type Kind int

const (
	// KindPulse plays a stored waveform pair.
	KindPulse Kind = iota
	// KindAcquisition captures a stored weighting pair.
	KindAcquisition
	// KindVirtual commits a phase/offset/frequency change with no stored
	// waveform.
	KindVirtual
	// KindStitchedSquare replays a single stored 1us unit waveform in a
	// loop to synthesise a long flat pulse.
	KindStitchedSquare
	// KindStaircase emits the dedicated staircase shortcut with no
	// stored waveform at all.
	KindStaircase
)

// VirtualKind discriminates the three virtual-pulse shapes.
type VirtualKind int

const (
	VirtualPhaseReset VirtualKind = iota
	VirtualSetFrequency
	VirtualOffset
)

// BodyOp is one operation to emit into a sequencer's program body,
// already resolved by the caller (waveform indices assigned); gains and
// offsets are given in volts and converted to immediates by the emitter.
// TimingNs must be grid-aligned.
type BodyOp struct {
	TimingNs      int64
	Kind          Kind
	IsAcquisition bool

	// KindPulse / KindAcquisition
	WaveformI, WaveformQ int
	GainI, GainQ         float64 // volts; converted to signed-16 immediates here

	// KindVirtual
	VirtualKind VirtualKind
	PhaseImm    int
	FreqSteps   int
	OffsetI     float64
	OffsetQ     float64
	CommitNow   bool // false: fuse upd_param with the next same-instant op

	// KindStitchedSquare
	UnitWaveformI, UnitWaveformQ int
	StitchCount                 int64
	ResidualNs                  int64

	// KindStaircase
	StartOffsetImm, StepOffsetImm int
	StepCount                     int
	StepDurationNs                int64

	Comment string
}

// ProgramSpec gathers everything EmitSequencerProgram needs beyond the
// sorted operation list.
type ProgramSpec struct {
	Repetitions     int
	TotalPlayTimeNs int64
	MarkerStart     int
	MarkerEnd       int
	PeakVoltage     float64
}

// EmitSequencerProgram renders the full per-sequencer program template:
// wait_sync, repetition-loop head, the sorted body, the trailing pad to
// TotalPlayTimeNs, the loop close and the stop, implementing §4.5 in
// full including long-pulse stitching and the staircase shortcut.
func EmitSequencerProgram(ops []BodyOp, spec ProgramSpec) (*Program, []compileerr.Warning, error) {
	sorted := make([]BodyOp, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TimingNs != sorted[j].TimingNs {
			return sorted[i].TimingNs < sorted[j].TimingNs
		}
		return !sorted[i].IsAcquisition && sorted[j].IsAcquisition
	})

	var warnings []compileerr.Warning
	if err := checkAcquisitionSpacing(sorted); err != nil {
		return nil, nil, err
	}

	b := NewBuilder()
	b.WaitSync(GridTimeNs)
	b.SetMrk(spec.MarkerStart)
	repReg := "R0"
	b.Move(int64(spec.Repetitions), repReg)
	b.Label("start")

	for i, op := range sorted {
		wait := op.TimingNs - b.Elapsed
		if wait < 0 {
			return nil, nil, compileerr.New(compileerr.TimingConflict,
				"operation at %d ns overlaps previous instruction ending at %d ns", op.TimingNs, b.Elapsed)
		}
		b.Wait(wait)

		nextSameInstant := i+1 < len(sorted) && sorted[i+1].TimingNs == op.TimingNs
		w, err := emitOne(b, op, spec.PeakVoltage, nextSameInstant)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, w...)
	}

	tailWait := spec.TotalPlayTimeNs - b.Elapsed
	if tailWait < 0 {
		return nil, nil, compileerr.New(compileerr.TimingConflict,
			"sequencer body (%d ns) exceeds total play time (%d ns)", b.Elapsed, spec.TotalPlayTimeNs)
	}
	b.Wait(tailWait)

	b.Loop("start", repReg)
	b.SetMrk(spec.MarkerEnd)
	b.UpdParam(GridTimeNs)
	b.Stop()

	return b.Program(), warnings, nil
}

func checkAcquisitionSpacing(sorted []BodyOp) error {
	var lastAcq int64 = math.MinInt64
	for _, op := range sorted {
		if op.Kind != KindAcquisition {
			continue
		}
		if lastAcq != math.MinInt64 && op.TimingNs-lastAcq < MinAcquisitionGapNs {
			return compileerr.New(compileerr.AcquisitionTooClose,
				"acquisitions at %d ns and %d ns are closer than the minimum gap of %d ns",
				lastAcq, op.TimingNs, MinAcquisitionGapNs)
		}
		lastAcq = op.TimingNs
	}
	return nil
}

// ToSigned16 converts a voltage relative to peakVoltage into a clamped
// signed-16 Q1ASM immediate.
func ToSigned16(v, peakVoltage float64) int {
	imm := int(math.Floor(v / peakVoltage * 32768))
	if imm > 32767 {
		imm = 32767
	}
	if imm < -32768 {
		imm = -32768
	}
	return imm
}

func emitOne(b *Builder, op BodyOp, peakVoltage float64, fuseNext bool) ([]compileerr.Warning, error) {
	switch op.Kind {
	case KindPulse:
		gI := ToSigned16(op.GainI, peakVoltage)
		gQ := ToSigned16(op.GainQ, peakVoltage)
		b.SetAwgGain(gI, gQ)
		b.Play(op.WaveformI, op.WaveformQ, GridTimeNs, op.Comment)
		return nil, nil

	case KindAcquisition:
		b.Acquire(op.WaveformI, op.WaveformQ, GridTimeNs, op.Comment)
		return nil, nil

	case KindVirtual:
		switch op.VirtualKind {
		case VirtualPhaseReset:
			b.SetPh(op.PhaseImm)
		case VirtualSetFrequency:
			b.SetPhDelta(op.FreqSteps)
		case VirtualOffset:
			gI := ToSigned16(op.OffsetI, peakVoltage)
			gQ := ToSigned16(op.OffsetQ, peakVoltage)
			b.SetAwgOffs(gI, gQ)
		}
		if !fuseNext || op.CommitNow {
			b.UpdParam(GridTimeNs)
		}
		return nil, nil

	case KindStitchedSquare:
		return emitStitchedSquare(b, op)

	case KindStaircase:
		emitStaircase(b, op)
		return nil, nil

	default:
		return nil, compileerr.New(compileerr.InvalidOperation, "unknown body-op kind %d", op.Kind)
	}
}

// emitStitchedSquare replays a single stored 1us unit waveform
// StitchCount times inside a loop, followed by a residual play of the
// leftover duration, then zeroes the output. A warning is surfaced when
// the residual is non-zero (duration not an exact multiple of the stitch
// unit).
func emitStitchedSquare(b *Builder, op BodyOp) ([]compileerr.Warning, error) {
	var warnings []compileerr.Warning
	if op.StitchCount > 0 {
		reg := "R1"
		b.Move(op.StitchCount, reg)
		b.Label("stitch")
		b.Play(op.UnitWaveformI, op.UnitWaveformQ, StitchUnitNs, "")
		b.Loop("stitch", reg)
		// The loop body above advanced Elapsed for one pass only.
		b.Elapsed += (op.StitchCount - 1) * StitchUnitNs
	}
	if op.ResidualNs > 0 {
		b.Play(op.UnitWaveformI, op.UnitWaveformQ, op.ResidualNs, "stitch residual")
		warnings = append(warnings, compileerr.Warn(
			"pulse duration is not a multiple of the %d ns stitch unit; residual of %d ns played",
			StitchUnitNs, op.ResidualNs))
	}
	b.SetAwgGain(0, 0)
	return warnings, nil
}

// emitStaircase implements the dedicated staircase shortcut: one scratch
// register tracks the current offset (initialised to the starting
// immediate), a second the zero baseline, and each loop iteration commits
// the offset, waits out the step, then advances by the per-step
// increment.
func emitStaircase(b *Builder, op BodyOp) {
	offsetReg := "R1"
	zeroReg := "R2"
	countReg := "R3"
	b.Move(int64(op.StartOffsetImm), offsetReg)
	b.Move(0, zeroReg)
	b.Move(int64(op.StepCount), countReg)
	b.Label("staircase")
	iterStart := b.Elapsed
	b.Raw("", "set_awg_offs", offsetReg, zeroReg)
	b.UpdParam(GridTimeNs)
	wait := op.StepDurationNs - GridTimeNs
	if wait > 0 {
		b.Wait(wait)
	}
	if op.StepOffsetImm >= 0 {
		b.Add(offsetReg, int64(op.StepOffsetImm), offsetReg)
	} else {
		b.Sub(offsetReg, int64(-op.StepOffsetImm), offsetReg)
	}
	b.Loop("staircase", countReg)
	// The loop body above advanced Elapsed for one pass only.
	if op.StepCount > 1 {
		b.Elapsed += int64(op.StepCount-1) * (b.Elapsed - iterStart)
	}
	b.SetAwgOffs(0, 0)
}
