package compiler

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compileerr"
	"github.com/quantify-go/qblox-pulse-compiler/internal/freq"
	"github.com/quantify-go/qblox-pulse-compiler/internal/hwconfig"
	"github.com/quantify-go/qblox-pulse-compiler/internal/q1asm"
	"github.com/quantify-go/qblox-pulse-compiler/internal/scheduleio"
	"github.com/quantify-go/qblox-pulse-compiler/internal/waveform"
)

func TestDescriptorForKnownModules(t *testing.T) {
	cases := map[string]struct {
		maxSeq int
		peakV  float64
		rf     bool
	}{
		"QCM":    {2, 2.5, false},
		"QRM":    {1, 0.5, false},
		"QCM_RF": {2, 0.25, true},
		"QRM_RF": {1, 0.25, true},
	}
	for name, want := range cases {
		d, ok := DescriptorFor(name)
		if !ok {
			t.Fatalf("expected a descriptor for %s", name)
		}
		if d.MaxSequencers != want.maxSeq || d.PeakVoltage != want.peakV || d.HasRFFrontend != want.rf {
			t.Errorf("%s: unexpected descriptor %+v", name, d)
		}
	}
	if _, ok := DescriptorFor("Cluster"); ok {
		t.Error("expected Cluster to have no module descriptor of its own")
	}
}

// TestCompileSingleQubitXThenMeasure grounds scenario S1: a QCM sequencer
// drives a DRAG X gate and a QRM sequencer performs a subsequent
// acquisition, each on its own clock.
func TestCompileSingleQubitXThenMeasure(t *testing.T) {
	doc := hwconfig.Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM",
			"ref":             "internal",
			"complex_output_0": map[string]any{
				"lo_name": "lo0",
				"seq0": map[string]any{
					"port":        "q0:mw",
					"clock":       "q0.01",
					"interm_freq": 50e6,
				},
			},
		},
		"lo0": map[string]any{
			"instrument_type": "LocalOscillator",
			"frequency":       4.95e9,
		},
		"qrm0": map[string]any{
			"instrument_type": "QRM",
			"ref":             "internal",
			"complex_output_0": map[string]any{
				"seq0": map[string]any{
					"port":        "q0:res",
					"clock":       "q0.ro",
					"interm_freq": 100e6,
				},
			},
		},
	}
	if _, err := hwconfig.BuildIndex(doc); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	sched := &scheduleio.Schedule{
		Schedulables: []scheduleio.Schedulable{
			{OperationHash: "x_q0", AbsTime: 0},
			{OperationHash: "measure_q0", AbsTime: 100e-9},
		},
		Operations: map[string]scheduleio.Operation{
			"x_q0": {
				Name: "X(q0)",
				PulseInfo: []map[string]any{
					{"port": "q0:mw", "clock": "q0.01", "wf_func": "drag", "G_amp": 0.5, "D_amp": 0.1, "duration": 20e-9, "t0": 0.0},
				},
			},
			"measure_q0": {
				Name: "Measure(q0)",
				AcquisitionInfo: []map[string]any{
					{"port": "q0:res", "clock": "q0.ro", "protocol": "ssb_integration_complex", "t0": 0.0,
						"waveforms": []any{
							map[string]any{"wf_func": "square", "amp": 1.0, "duration": 300e-9, "t0": 0.0},
						}},
				},
			},
		},
		Clocks: map[string]scheduleio.ClockResource{
			"q0.01": {Frequency: 5e9},
			"q0.ro": {Frequency: 7.1e9},
		},
		Repetitions: 1,
	}

	artifact, _, err := Compile(doc, sched, CompileOptions{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	qcm, ok := artifact.Devices["qcm0"]
	if !ok {
		t.Fatal("expected a compiled artifact for qcm0")
	}
	seq0, ok := qcm.Sequencers["seq0"]
	if !ok {
		t.Fatal("expected qcm0 to have a compiled seq0")
	}
	if !strings.Contains(seq0.Blob.Program, "play") {
		t.Errorf("expected the X gate's program to contain a play instruction:\n%s", seq0.Blob.Program)
	}

	qrm, ok := artifact.Devices["qrm0"]
	if !ok {
		t.Fatal("expected a compiled artifact for qrm0")
	}
	if !strings.Contains(qrm.Sequencers["seq0"].Blob.Program, "acquire") {
		t.Error("expected the measurement's program to contain an acquire instruction")
	}

	if f, ok := artifact.LocalOscillators["lo0"]; !ok || f != 4.95e9 {
		t.Errorf("expected lo0 to resolve to its declared 4.95e9 Hz, got %v (present=%v)", f, ok)
	}

	// The compiled artifact must be serialisable per the external interface.
	if _, err := json.Marshal(seq0.Settings); err != nil {
		t.Errorf("expected sequencer settings to marshal cleanly: %v", err)
	}
}

// TestCompileScopeModeConflict grounds a QRM with two sequencers each
// requesting a "trace" acquisition protocol. A QRM descriptor allows one
// sequencer, so the device is compiled with a two-sequencer copy of it to
// reach the scope-mode check.
func TestCompileScopeModeConflict(t *testing.T) {
	doc := hwconfig.Document{
		"qrm0": map[string]any{
			"instrument_type": "QRM",
			"complex_output_0": map[string]any{
				"seq0": map[string]any{"port": "q0:res", "clock": "q0.ro", "interm_freq": 50e6},
				"seq1": map[string]any{"port": "q1:res", "clock": "q1.ro", "interm_freq": 50e6},
			},
		},
	}
	idx, err := hwconfig.BuildIndex(doc)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	sched := &scheduleio.Schedule{
		Schedulables: []scheduleio.Schedulable{
			{OperationHash: "m0", AbsTime: 0},
			{OperationHash: "m1", AbsTime: 0},
		},
		Operations: map[string]scheduleio.Operation{
			"m0": {Name: "Trace(q0)", AcquisitionInfo: []map[string]any{{"port": "q0:res", "clock": "q0.ro", "protocol": "trace"}}},
			"m1": {Name: "Trace(q1)", AcquisitionInfo: []map[string]any{{"port": "q1:res", "clock": "q1.ro", "protocol": "trace"}}},
		},
		Clocks: map[string]scheduleio.ClockResource{
			"q0.ro": {Frequency: 7e9},
			"q1.ro": {Frequency: 7.1e9},
		},
	}

	dist, err := scheduleio.Distribute(sched, idx)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	assigner := freq.NewAssigner()
	if _, err := resolveFrequencies(idx, sched, dist, assigner); err != nil {
		t.Fatalf("resolveFrequencies: %v", err)
	}
	descriptor, _ := DescriptorFor("QRM")
	descriptor.MaxSequencers = 2
	opts := CompileOptions{Repetitions: 1, HardwareAverages: 1}
	_, _, err = compileDevice("qrm0", descriptor, idx, dist, assigner, computeTotalPlayTime(dist), opts)
	if !errors.Is(err, compileerr.New(compileerr.ScopeModeConflict, "")) {
		t.Fatalf("expected scope-mode-conflict when two sequencers on one device both request trace mode, got %v", err)
	}
}

// TestCompileVirtualPulsePhaseShift grounds the relative-phase-shift
// clock-only operation: a phase_shift field routes to VirtualSetFrequency
// (a set_ph_delta instruction), not the default phase reset.
func TestCompileVirtualPulsePhaseShift(t *testing.T) {
	descriptor, _ := DescriptorFor("QCM")
	op := scheduleio.OpInfo{Name: "ShiftClockPhase(q0)", Data: map[string]any{"phase_shift": 90.0}}
	bodyOp, _, err := compileVirtualPulse(descriptor, op, 0)
	if err != nil {
		t.Fatalf("compileVirtualPulse: %v", err)
	}
	if bodyOp.VirtualKind != q1asm.VirtualSetFrequency {
		t.Fatalf("expected VirtualSetFrequency, got %v", bodyOp.VirtualKind)
	}
	if want := degreesToPhaseSteps(90.0); bodyOp.FreqSteps != want {
		t.Errorf("expected %d phase steps for a 90 degree shift, got %d", want, bodyOp.FreqSteps)
	}
}

// TestCompileVirtualPulseOffset grounds the DC-offset clock-only
// operation: offset_path_I/Q routes to VirtualOffset (a set_awg_offs
// instruction).
func TestCompileVirtualPulseOffset(t *testing.T) {
	descriptor, _ := DescriptorFor("QCM")
	op := scheduleio.OpInfo{Name: "VoltageOffset(q0)", Data: map[string]any{"offset_path_I": 0.2, "offset_path_Q": -0.1}}
	bodyOp, _, err := compileVirtualPulse(descriptor, op, 0)
	if err != nil {
		t.Fatalf("compileVirtualPulse: %v", err)
	}
	if bodyOp.VirtualKind != q1asm.VirtualOffset {
		t.Fatalf("expected VirtualOffset, got %v", bodyOp.VirtualKind)
	}
	if bodyOp.OffsetI != 0.2 || bodyOp.OffsetQ != -0.1 {
		t.Errorf("expected offsets to pass through unchanged, got %v/%v", bodyOp.OffsetI, bodyOp.OffsetQ)
	}
}

// TestCompileVirtualPulseOffsetOutOfRange grounds calc_from_units_volt's
// raise-on-out-of-range behavior: a DC offset beyond the module's peak
// voltage must be rejected, not silently divided.
func TestCompileVirtualPulseOffsetOutOfRange(t *testing.T) {
	descriptor, _ := DescriptorFor("QCM") // peak voltage 2.5 V
	op := scheduleio.OpInfo{Name: "VoltageOffset(q0)", Data: map[string]any{"offset_path_I": 10.0, "offset_path_Q": 0.0}}
	if _, _, err := compileVirtualPulse(descriptor, op, 0); err == nil {
		t.Fatal("expected an amplitude-out-of-range error for an offset beyond peak voltage")
	}
}

// TestCompileVirtualPulseDefaultPhaseReset grounds the remaining default
// case: a clock-only operation with neither field still resets phase.
func TestCompileVirtualPulseDefaultPhaseReset(t *testing.T) {
	descriptor, _ := DescriptorFor("QCM")
	op := scheduleio.OpInfo{Name: "ResetClockPhase(q0)"}
	bodyOp, _, err := compileVirtualPulse(descriptor, op, 0)
	if err != nil {
		t.Fatalf("compileVirtualPulse: %v", err)
	}
	if bodyOp.VirtualKind != q1asm.VirtualPhaseReset {
		t.Fatalf("expected VirtualPhaseReset as the default, got %v", bodyOp.VirtualKind)
	}
}

// TestCompileStaircaseShortcut grounds the dedicated staircase shortcut:
// a staircase wf_func without an explicit store_waveform request builds
// a KindStaircase body op carrying signed-16 start/step immediates,
// never touching the waveform table.
func TestCompileStaircaseShortcut(t *testing.T) {
	descriptor, _ := DescriptorFor("QCM") // peak voltage 2.5 V
	op := scheduleio.OpInfo{
		Name: "Staircase(q0)",
		Data: map[string]any{
			"wf_func": "staircase", "start_amp": 0.0, "final_amp": 2.5, "nr_steps": 5.0, "duration": 100e-9,
		},
	}
	registry := waveform.NewRegistry()
	table := waveform.NewTable()
	bodyOp, _, err := compilePulse(registry, table, descriptor, &hwconfig.OutputNode{}, op, 0)
	if err != nil {
		t.Fatalf("compilePulse: %v", err)
	}
	if bodyOp.Kind != q1asm.KindStaircase {
		t.Fatalf("expected KindStaircase, got %v", bodyOp.Kind)
	}
	if bodyOp.StepCount != 5 {
		t.Errorf("expected 5 steps, got %d", bodyOp.StepCount)
	}
	if bodyOp.StartOffsetImm != 0 {
		t.Errorf("expected a start immediate of 0, got %d", bodyOp.StartOffsetImm)
	}
	if bodyOp.StepOffsetImm <= 0 {
		t.Errorf("expected a positive step immediate for a rising ramp, got %d", bodyOp.StepOffsetImm)
	}
	if table.Len() != 0 {
		t.Errorf("expected the staircase shortcut to register no waveform, got %d entries", table.Len())
	}
}

// TestCompileUnsupportedOutputMode grounds rejecting single-ended
// ("real") output mode on an RF-frontend module, which only supports a
// complex (IQ) output path.
func TestCompileUnsupportedOutputMode(t *testing.T) {
	descriptor, _ := DescriptorFor("QCM_RF")
	op := scheduleio.OpInfo{
		Name: "X(q0)",
		Data: map[string]any{"wf_func": "square", "output_mode": "real", "amp": 0.1, "duration": 20e-9},
	}
	registry := waveform.NewRegistry()
	table := waveform.NewTable()
	if _, _, err := compilePulse(registry, table, descriptor, &hwconfig.OutputNode{}, op, 0); err == nil {
		t.Fatal("expected unsupported-output-mode for real output mode on an RF-frontend module")
	}
}

// TestCompileTooManySequencers grounds enforcing ModuleDescriptor's
// MaxSequencers against the device's count of active sequencers.
func TestCompileTooManySequencers(t *testing.T) {
	doc := hwconfig.Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM", // MaxSequencers: 2
			"complex_output_0": map[string]any{
				"seq0": map[string]any{"port": "q0:mw", "clock": "q0.01", "interm_freq": 50e6},
			},
			"complex_output_1": map[string]any{
				"seq1": map[string]any{"port": "q1:mw", "clock": "q1.01", "interm_freq": 50e6},
			},
			"complex_output_2": map[string]any{
				"seq2": map[string]any{"port": "q2:mw", "clock": "q2.01", "interm_freq": 50e6},
			},
		},
	}
	sched := &scheduleio.Schedule{
		Schedulables: []scheduleio.Schedulable{
			{OperationHash: "x0", AbsTime: 0}, {OperationHash: "x1", AbsTime: 0}, {OperationHash: "x2", AbsTime: 0},
		},
		Operations: map[string]scheduleio.Operation{
			"x0": {Name: "X(q0)", PulseInfo: []map[string]any{{"port": "q0:mw", "clock": "q0.01", "wf_func": "square", "amp": 0.1, "duration": 20e-9, "t0": 0.0}}},
			"x1": {Name: "X(q1)", PulseInfo: []map[string]any{{"port": "q1:mw", "clock": "q1.01", "wf_func": "square", "amp": 0.1, "duration": 20e-9, "t0": 0.0}}},
			"x2": {Name: "X(q2)", PulseInfo: []map[string]any{{"port": "q2:mw", "clock": "q2.01", "wf_func": "square", "amp": 0.1, "duration": 20e-9, "t0": 0.0}}},
		},
		Clocks: map[string]scheduleio.ClockResource{
			"q0.01": {Frequency: 5e9}, "q1.01": {Frequency: 5.1e9}, "q2.01": {Frequency: 5.2e9},
		},
		Repetitions: 1,
	}
	if _, _, err := Compile(doc, sched, CompileOptions{}); err == nil {
		t.Fatal("expected too-many-sequencers for a QCM with 3 active sequencers (max 2)")
	}
}

// TestCompileDownconverter grounds downconverter_freq reaching Compile
// end-to-end, not only freq.Resolve directly: a real downconverter
// frequency changes the RF the LO/IF resolver sees, and the compile
// still succeeds when the declared LO/IF are consistent with it.
func TestCompileDownconverter(t *testing.T) {
	doc := hwconfig.Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM",
			"complex_output_0": map[string]any{
				"lo_name":            "lo0",
				"downconverter_freq": 10e9, // rf = 10e9 - 5e9 clock = 5e9
				"seq0": map[string]any{
					"port":        "q0:mw",
					"clock":       "q0.01",
					"interm_freq": 50e6,
				},
			},
		},
		"lo0": map[string]any{"instrument_type": "LocalOscillator", "frequency": 4.95e9}, // 4.95e9 + 50e6 = 5e9
	}
	sched := &scheduleio.Schedule{
		Schedulables: []scheduleio.Schedulable{{OperationHash: "x0", AbsTime: 0}},
		Operations: map[string]scheduleio.Operation{
			"x0": {Name: "X(q0)", PulseInfo: []map[string]any{{"port": "q0:mw", "clock": "q0.01", "wf_func": "square", "amp": 0.1, "duration": 20e-9, "t0": 0.0}}},
		},
		Clocks:      map[string]scheduleio.ClockResource{"q0.01": {Frequency: 5e9}},
		Repetitions: 1,
	}
	if _, _, err := Compile(doc, sched, CompileOptions{}); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

// TestCompileDownconverterExplicitZero grounds the full round trip of an
// explicit downconverter_freq of 0 through Compile: it both warns and,
// per the original's validation order, still fails as a downconverter
// frequency below the clock frequency.
func TestCompileDownconverterExplicitZero(t *testing.T) {
	doc := hwconfig.Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM",
			"complex_output_0": map[string]any{
				"lo_name":            "lo0",
				"downconverter_freq": 0.0,
				"seq0": map[string]any{
					"port":        "q0:mw",
					"clock":       "q0.01",
					"interm_freq": 50e6,
				},
			},
		},
		"lo0": map[string]any{"instrument_type": "LocalOscillator", "frequency": 4.95e9},
	}
	sched := &scheduleio.Schedule{
		Schedulables: []scheduleio.Schedulable{{OperationHash: "x0", AbsTime: 0}},
		Operations: map[string]scheduleio.Operation{
			"x0": {Name: "X(q0)", PulseInfo: []map[string]any{{"port": "q0:mw", "clock": "q0.01", "wf_func": "square", "amp": 0.1, "duration": 20e-9, "t0": 0.0}}},
		},
		Clocks:      map[string]scheduleio.ClockResource{"q0.01": {Frequency: 5e9}},
		Repetitions: 1,
	}
	if _, _, err := Compile(doc, sched, CompileOptions{}); err == nil {
		t.Fatal("expected downconverter-invalid when downconverter_freq of 0 is below the clock frequency")
	}
}
