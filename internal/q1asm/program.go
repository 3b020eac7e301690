// Package q1asm renders the Q1 assembly program executed by one
// sequencer: a grid-aligned, strictly-timed instruction stream built from
// the sorted list of pulse, virtual-pulse and acquisition operations
// assigned to that sequencer (§4.5 of the compiler design).
package q1asm

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// GridTimeNs is the instruction grid: every wait/play/acquire operand and
// every elapsed-time snapshot must be a multiple of this value.
const GridTimeNs = 4

// ImmediateMax is the largest value a 16-bit immediate field (gain, wait,
// offset) can hold.
const ImmediateMax = 65535

// RegisterMax is the largest value a 32-bit register can hold.
const RegisterMax = 1<<32 - 1

// Instruction is a single emitted Q1ASM row.
type Instruction struct {
	Label   string
	Opcode  string
	Operands []string
	Comment string
}

// Program is an ordered list of instructions. Program rows are grid
// aligned and strictly monotonic per sequencer (§8 invariants 5, 6).
type Program struct {
	Instructions []Instruction
}

// String renders the program as column-aligned Q1ASM text, the idiomatic
// Go analogue of the original backend's columnar-table rendering.
func (p *Program) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	for _, ins := range p.Instructions {
		label := ""
		if ins.Label != "" {
			label = ins.Label + ":"
		}
		operands := ""
		for i, op := range ins.Operands {
			if i > 0 {
				operands += ","
			}
			operands += op
		}
		comment := ""
		if ins.Comment != "" {
			comment = "; " + ins.Comment
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", label, ins.Opcode, operands, comment)
	}
	w.Flush()
	return buf.String()
}

// Builder accumulates instructions for one sequencer program while
// tracking elapsed real-time, so callers never need to reason about
// cumulative timing themselves.
type Builder struct {
	Elapsed int64 // ns
	prog    Program
}

// NewBuilder constructs an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Program returns the accumulated program.
func (b *Builder) Program() *Program {
	return &b.prog
}

func (b *Builder) emit(label, opcode string, operands []string, comment string) {
	b.prog.Instructions = append(b.prog.Instructions, Instruction{
		Label: label, Opcode: opcode, Operands: operands, Comment: comment,
	})
}

// Raw appends an arbitrary instruction without touching Elapsed; used for
// one-off operand forms the typed helpers do not cover (such as
// set_awg_offs with register operands).
func (b *Builder) Raw(label, opcode string, operands ...string) {
	b.emit(label, opcode, operands, "")
}

// RawComment is Raw with a trailing comment.
func (b *Builder) RawComment(label, opcode, comment string, operands ...string) {
	b.emit(label, opcode, operands, comment)
}

// Label appends a bare label with no instruction.
func (b *Builder) Label(name string) {
	b.emit(name, "", nil, "")
}

// WaitSync emits wait_sync, aligning every sequencer on the shared
// reference clock to one tick; it does not advance Elapsed (it is a
// synchronisation point, not a timed wait).
func (b *Builder) WaitSync(grid int) {
	b.emit("", "wait_sync", []string{fmt.Sprint(grid)}, "")
}

// Wait advances the sequencer by ns nanoseconds, splitting into chunks of
// the largest grid-aligned value not above ImmediateMax (65532 ns) when ns
// exceeds the 16-bit immediate field (the wait-expansion rule of §4.5).
// ns must already be grid aligned.
func (b *Builder) Wait(ns int64) {
	if ns <= 0 {
		return
	}
	remaining := ns
	for remaining > ImmediateMax {
		chunk := int64(ImmediateMax) - int64(ImmediateMax)%GridTimeNs
		b.emit("", "wait", []string{fmt.Sprint(chunk)}, "")
		b.Elapsed += chunk
		remaining -= chunk
	}
	if remaining > 0 {
		b.emit("", "wait", []string{fmt.Sprint(remaining)}, "")
		b.Elapsed += remaining
	}
}

// Play emits a play instruction for waveform indices i, q and advances
// Elapsed by grid ns (the waveform continues playing beyond the
// instruction itself).
func (b *Builder) Play(i, q int, grid int64, comment string) {
	b.emit("", "play", []string{fmt.Sprint(i), fmt.Sprint(q), fmt.Sprint(grid)}, comment)
	b.Elapsed += grid
}

// Acquire emits an acquire instruction and advances Elapsed by grid ns.
func (b *Builder) Acquire(i, q int, grid int64, comment string) {
	b.emit("", "acquire", []string{fmt.Sprint(i), fmt.Sprint(q), fmt.Sprint(grid)}, comment)
	b.Elapsed += grid
}

// SetMrk emits set_mrk with the given marker bitmask.
func (b *Builder) SetMrk(bits int) {
	b.emit("", "set_mrk", []string{fmt.Sprint(bits)}, "")
}

// SetAwgGain emits set_awg_gain with signed 16-bit immediates.
func (b *Builder) SetAwgGain(i, q int) {
	b.emit("", "set_awg_gain", []string{fmt.Sprint(i), fmt.Sprint(q)}, "")
}

// SetAwgOffs emits set_awg_offs with signed 16-bit immediates.
func (b *Builder) SetAwgOffs(i, q int) {
	b.emit("", "set_awg_offs", []string{fmt.Sprint(i), fmt.Sprint(q)}, "")
}

// SetPh emits an absolute NCO phase set.
func (b *Builder) SetPh(imm int) {
	b.emit("", "set_ph", []string{fmt.Sprint(imm)}, "")
}

// SetPhDelta emits a relative NCO phase change.
func (b *Builder) SetPhDelta(imm int) {
	b.emit("", "set_ph_delta", []string{fmt.Sprint(imm)}, "")
}

// UpdParam commits a pending real-time parameter change and advances
// Elapsed by grid ns.
func (b *Builder) UpdParam(grid int64) {
	b.emit("", "upd_param", []string{fmt.Sprint(grid)}, "")
	b.Elapsed += grid
}

// Move emits move value, register.
func (b *Builder) Move(value int64, register string) {
	b.emit("", "move", []string{fmt.Sprint(value), register}, "")
}

// Add emits add register, value, dest.
func (b *Builder) Add(register string, value int64, dest string) {
	b.emit("", "add", []string{register, fmt.Sprint(value), dest}, "")
}

// Sub emits sub register, value, dest.
func (b *Builder) Sub(register string, value int64, dest string) {
	b.emit("", "sub", []string{register, fmt.Sprint(value), dest}, "")
}

// Loop emits loop register, @label.
func (b *Builder) Loop(label, register string) {
	b.emit("", "loop", []string{register, "@" + label}, "")
}

// Jmp emits an unconditional jump to label.
func (b *Builder) Jmp(label string) {
	b.emit("", "jmp", []string{"@" + label}, "")
}

// Stop emits stop.
func (b *Builder) Stop() {
	b.emit("", "stop", nil, "")
}
