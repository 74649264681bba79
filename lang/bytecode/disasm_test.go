package bytecode_test

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/zubvm/internal/filetest"
	"github.com/mna/zubvm/lang/bytecode"
)

var updateGolden = flag.Bool("test.update-disasm-tests", false, "update disassembly golden files")

func TestDisassembleGolden(t *testing.T) {
	files := filetest.SourceFiles(t, "testdata", ".src")
	require.NotEmpty(t, files)

	for _, fi := range files {
		fi := fi
		t.Run(fi.Name(), func(t *testing.T) {
			chunk := bytecode.NewChunk("empty")
			chunk.Write(bytecode.Nil, 0)
			chunk.Write(bytecode.Return, 0)

			out := bytecode.Disassemble(chunk)
			filetest.DiffOutput(t, fi, out, "testdata", updateGolden)
		})
	}
}

func TestDisassembleUnknownOpcode(t *testing.T) {
	chunk := bytecode.NewChunk("bad")
	chunk.WriteByte(0xff, 0)
	out := bytecode.Disassemble(chunk)
	require.Contains(t, out, "UNKNOWN(0xff)")
}

func TestDisassembleCall(t *testing.T) {
	chunk := bytecode.NewChunk("call")
	chunk.Write(bytecode.Call(3), 0)
	out := bytecode.Disassemble(chunk)
	require.Contains(t, out, "CALL(3)")
}
