// Command qbloxcompile reads a hardware-mapping document and a timed
// schedule from disk and compiles them into a per-sequencer Q1ASM and
// waveform artifact for Qblox instruments.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/quantify-go/qblox-pulse-compiler/internal/compiler"
	"github.com/quantify-go/qblox-pulse-compiler/internal/hwconfig"
	"github.com/quantify-go/qblox-pulse-compiler/internal/scheduleio"
)

// Version can be set during build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("qbloxcompile v%s\n", Version)
		os.Exit(0)
	}

	if len(os.Args) < 3 {
		fmt.Println("Qblox pulse-schedule compiler")
		fmt.Printf("Version: %s\n", Version)
		fmt.Println("Usage: qbloxcompile <hardware-mapping-file> <schedule-file> [output-dir]")
		fmt.Println("       qbloxcompile --version")
		fmt.Println("       qbloxcompile --dump-mapping <hardware-mapping-file>")
		os.Exit(1)
	}

	if os.Args[1] == "--dump-mapping" {
		if len(os.Args) < 3 {
			fmt.Println("Usage: qbloxcompile --dump-mapping <hardware-mapping-file>")
			os.Exit(1)
		}
		dumpMapping(os.Args[2])
		return
	}

	mappingFile := os.Args[1]
	scheduleFile := os.Args[2]
	outDir := "."
	if len(os.Args) > 3 {
		outDir = os.Args[3]
	}

	mappingData, err := os.ReadFile(mappingFile)
	if err != nil {
		fmt.Printf("Error reading hardware mapping: %v\n", err)
		os.Exit(1)
	}
	doc, err := hwconfig.ParseDocument(mappingData)
	if err != nil {
		fmt.Printf("Error parsing hardware mapping: %v\n", err)
		os.Exit(1)
	}

	scheduleData, err := os.ReadFile(scheduleFile)
	if err != nil {
		fmt.Printf("Error reading schedule: %v\n", err)
		os.Exit(1)
	}
	sched, err := scheduleio.ParseSchedule(scheduleData)
	if err != nil {
		fmt.Printf("Error parsing schedule: %v\n", err)
		os.Exit(1)
	}

	artifact, warnings, err := compiler.Compile(doc, sched, compiler.CompileOptions{
		Repetitions: sched.Repetitions,
	})
	if err != nil {
		fmt.Printf("Compilation error: %v\n", err)
		os.Exit(1)
	}

	for _, w := range warnings {
		fmt.Printf("Warning: %s\n", w.String())
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Printf("Error creating output directory: %v\n", err)
		os.Exit(1)
	}
	if err := writeArtifact(outDir, artifact); err != nil {
		fmt.Printf("Error writing artifact: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully compiled %q + %q into %d device program(s)\n",
		mappingFile, scheduleFile, len(artifact.Devices))
}

// dumpMapping parses a hardware-mapping document and re-encodes it back to
// YAML on stdout, so the resolved, decoded shape of the document can be
// inspected independently of a full compile run.
func dumpMapping(mappingFile string) {
	data, err := os.ReadFile(mappingFile)
	if err != nil {
		fmt.Printf("Error reading hardware mapping: %v\n", err)
		os.Exit(1)
	}
	doc, err := hwconfig.ParseDocument(data)
	if err != nil {
		fmt.Printf("Error parsing hardware mapping: %v\n", err)
		os.Exit(1)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		fmt.Printf("Error re-encoding hardware mapping: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

// writeArtifact writes the top-level compiled-schedule JSON plus one
// per-sequencer JSON blob per the external interface of the compiler.
func writeArtifact(outDir string, artifact *compiler.Artifact) error {
	top := make(map[string]any)

	for name, device := range artifact.Devices {
		deviceEntry := map[string]any{"settings": device.Settings}
		for slot, seq := range device.Sequencers {
			blobPath := filepath.Join(outDir, seq.SeqFn)
			blobData, err := json.MarshalIndent(seq.Blob, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling sequencer blob for %s/%s: %w", name, slot, err)
			}
			if err := os.WriteFile(blobPath, blobData, 0o644); err != nil {
				return fmt.Errorf("writing sequencer blob for %s/%s: %w", name, slot, err)
			}
			deviceEntry[slot] = map[string]any{
				"seq_fn":   seq.SeqFn,
				"settings": seq.Settings,
			}
		}
		top[name] = deviceEntry
	}
	for lo, f := range artifact.LocalOscillators {
		top[lo] = map[string]any{"lo_freq": f}
	}

	data, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}
	return os.WriteFile(filepath.Join(outDir, "compiled_schedule.json"), data, 0o644)
}
