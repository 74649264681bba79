package bytecode

import (
	"fmt"
	"strings"
)

// opNames maps an opcode to its disassembly mnemonic. Kept as a simple table
// rather than a String method on Op so the two inline-operand sizes (1 byte
// for stack slots/upvalue indices/element counts, 2 bytes for constant pool
// indices) stay next to the table that drives decoding.
var opNames = map[Op]string{
	Return:       "RETURN",
	Constant:     "CONSTANT",
	Print:        "PRINT",
	Add:          "ADD",
	Sub:          "SUB",
	Mul:          "MUL",
	Div:          "DIV",
	Rem:          "REM",
	Pow:          "POW",
	Not:          "NOT",
	Neg:          "NEG",
	Equal:        "EQUAL",
	Greater:      "GREATER",
	Less:         "LESS",
	Jump:         "JUMP",
	JumpIfFalse:  "JUMP_IF_FALSE",
	Loop:         "LOOP",
	Pop:          "POP",
	GetGlobal:    "GET_GLOBAL",
	SetGlobal:    "SET_GLOBAL",
	DefineGlobal: "DEFINE_GLOBAL",
	GetLocal:     "GET_LOCAL",
	SetLocal:     "SET_LOCAL",
	GetUpvalue:   "GET_UPVALUE",
	SetUpvalue:   "SET_UPVALUE",
	CloseUpvalue: "CLOSE_UPVALUE",
	Immediate:    "IMMEDIATE",
	Nil:          "NIL",
	True:         "TRUE",
	False:        "FALSE",
	Closure:      "CLOSURE",
	MakeList:     "MAKE_LIST",
	MakeDict:     "MAKE_DICT",
	GetElement:   "GET_ELEMENT",
	SetElement:   "SET_ELEMENT",
}

// Disassemble renders chunk's instruction stream as human-readable text, one
// instruction per line prefixed with its offset and source line. It is
// primarily a debugging and golden-test aid; nothing in the compiler or VM
// depends on this format.
func Disassemble(chunk *Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s ==\n", chunk.Name)
	for offset := 0; offset < len(chunk.Code); {
		offset = disassembleInstruction(&b, chunk, offset)
	}
	return b.String()
}

func disassembleInstruction(b *strings.Builder, chunk *Chunk, offset int) int {
	fmt.Fprintf(b, "%04d %4d ", offset, chunk.Line(offset))

	op := Op(chunk.Code[offset])
	if op.IsCall() {
		fmt.Fprintf(b, "CALL(%d)\n", op.Arity())
		return offset + 1
	}

	name, ok := opNames[op]
	if !ok {
		fmt.Fprintf(b, "UNKNOWN(0x%02x)\n", byte(op))
		return offset + 1
	}

	switch op {
	case Constant, GetGlobal, SetGlobal, DefineGlobal:
		idx := chunk.ReadUint16(offset + 1)
		fmt.Fprintf(b, "%-16s %4d", name, idx)
		if int(idx) < len(chunk.Constants) {
			fmt.Fprintf(b, " (%v)", chunk.Constants[idx])
		}
		b.WriteByte('\n')
		return offset + 3

	case GetLocal, SetLocal, GetUpvalue, SetUpvalue, MakeList, MakeDict:
		arg := chunk.Code[offset+1]
		fmt.Fprintf(b, "%-16s %4d\n", name, arg)
		return offset + 2

	case Jump, JumpIfFalse:
		target := chunk.ReadUint16(offset + 1)
		fmt.Fprintf(b, "%-16s -> %04d\n", name, target)
		return offset + 3

	case Loop:
		dist := chunk.ReadUint16(offset + 1)
		fmt.Fprintf(b, "%-16s -> %04d\n", name, offset+3-int(dist))
		return offset + 3

	case Immediate:
		bits := chunk.ReadUint64(offset + 1)
		fmt.Fprintf(b, "%-16s 0x%016x\n", name, bits)
		return offset + 9

	case Closure:
		n := int(chunk.Code[offset+1])
		pos := offset + 2
		fmt.Fprintf(b, "%-16s %d upvalues\n", name, n)
		for i := 0; i < n; i++ {
			isLocal := chunk.Code[pos] == 1
			idx := chunk.Code[pos+1]
			kind := "upvalue"
			if isLocal {
				kind = "local"
			}
			fmt.Fprintf(b, "%9s | %s %d\n", "", kind, idx)
			pos += 2
		}
		constIdx := chunk.ReadUint16(pos)
		pos += 2
		fmt.Fprintf(b, "%9s | constant %d\n", "", constIdx)
		return pos

	default:
		fmt.Fprintf(b, "%s\n", name)
		return offset + 1
	}
}
