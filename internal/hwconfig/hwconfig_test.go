package hwconfig

import "testing"

func mustIndex(t *testing.T, doc Document) *Index {
	t.Helper()
	idx, err := BuildIndex(doc)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	return idx
}

func TestBuildIndexBasic(t *testing.T) {
	doc := Document{
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
	}

	idx := mustIndex(t, doc)

	pc := PortClock{Port: "q0:mw", Clock: "q0.01"}
	loc, ok := idx.PortClock[pc]
	if !ok {
		t.Fatalf("expected port-clock %v to be indexed", pc)
	}
	if loc.Device != "qcm0" || loc.Output != "complex_output_0" || loc.SeqSlot != "seq0" {
		t.Errorf("unexpected location: %+v", loc)
	}
	if loc.IntermFreq == nil || *loc.IntermFreq != 50e6 {
		t.Errorf("expected interm_freq 50e6, got %v", loc.IntermFreq)
	}

	lo, ok := idx.LocalOscillators["lo0"]
	if !ok || lo.Frequency == nil || *lo.Frequency != 4.95e9 {
		t.Errorf("expected lo0 frequency 4.95e9, got %+v", lo)
	}
}

// TestDownconverterFreqParsed grounds downconverter_freq being read off
// an output node rather than silently ignored.
func TestDownconverterFreqParsed(t *testing.T) {
	doc := Document{
		"qrm0": map[string]any{
			"instrument_type": "QRM",
			"complex_output_0": map[string]any{
				"downconverter_freq": 10e9,
				"seq0": map[string]any{
					"port":  "q0:res",
					"clock": "q0.ro",
				},
			},
		},
	}
	idx := mustIndex(t, doc)
	output := idx.Devices["qrm0"].Outputs["complex_output_0"]
	if output.DownconverterFreq == nil || *output.DownconverterFreq != 10e9 {
		t.Errorf("expected downconverter_freq of 10e9, got %v", output.DownconverterFreq)
	}
}

// TestDuplicatePortClock grounds scenario S3: two distinct seq-slots
// referencing the same (port, clock) pair must raise duplicate-portclock
// and no index should be produced.
func TestDuplicatePortClock(t *testing.T) {
	doc := Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM",
			"complex_output_0": map[string]any{
				"seq0": map[string]any{"port": "q0:mw", "clock": "q0.01"},
				"seq1": map[string]any{"port": "q0:mw", "clock": "q0.01"},
			},
		},
	}

	_, err := BuildIndex(doc)
	if err == nil {
		t.Fatal("expected duplicate-portclock error")
	}
}

func TestMissingClock(t *testing.T) {
	doc := Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM",
			"complex_output_0": map[string]any{
				"seq0": map[string]any{"port": "q0:mw"},
			},
		},
	}

	_, err := BuildIndex(doc)
	if err == nil {
		t.Fatal("expected missing-clock error")
	}
}

func TestPortClockConfigsAsList(t *testing.T) {
	doc := Document{
		"qrm0": map[string]any{
			"instrument_type": "QRM",
			"complex_output_0": map[string]any{
				"portclock_configs": []any{
					map[string]any{"port": "q0:res", "clock": "q0.ro"},
				},
			},
		},
	}

	idx := mustIndex(t, doc)
	if _, ok := idx.PortClock[PortClock{Port: "q0:res", Clock: "q0.ro"}]; !ok {
		t.Fatal("expected port-clock registered from list-shaped portclock_configs")
	}
}

func TestNonDictBranchesIgnored(t *testing.T) {
	doc := Document{
		"qcm0": map[string]any{
			"instrument_type": "QCM",
			"complex_output_0": map[string]any{
				"seq0":        map[string]any{"port": "q0:mw", "clock": "q0.01"},
				"misc_number": 42,
				"misc_list":   []any{1, 2, 3},
			},
		},
	}
	idx := mustIndex(t, doc)
	if len(idx.PortClock) != 1 {
		t.Fatalf("expected exactly 1 port-clock, got %d", len(idx.PortClock))
	}
}
