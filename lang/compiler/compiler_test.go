package compiler_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/zubvm/lang/bytecode"
	"github.com/mna/zubvm/lang/compiler"
	"github.com/mna/zubvm/lang/ir"
)

func TestCompileEmptyProgramEndsInNilReturn(t *testing.T) {
	chunk, err := compiler.Compile("empty", nil)
	require.NoError(t, err)

	dis := bytecode.Disassemble(chunk)
	require.Contains(t, dis, "NIL")
	require.Contains(t, dis, "RETURN")
}

func Test255LocalsSucceed(t *testing.T) {
	program := make([]ir.Expr, 255)
	for i := range program {
		program[i] = ir.Bind{
			Binding: ir.Local(fmt.Sprintf("l%d", i), 0, 0),
			Value:   ir.Literal{Value: float64(i)},
		}
	}
	_, err := compiler.Compile("255-locals", program)
	require.NoError(t, err)
}

func Test256thLocalFailsAtCompile(t *testing.T) {
	program := make([]ir.Expr, 256)
	for i := range program {
		program[i] = ir.Bind{
			Binding: ir.Local(fmt.Sprintf("l%d", i), 0, 0),
			Value:   ir.Literal{Value: float64(i)},
		}
	}
	_, err := compiler.Compile("256-locals", program)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many local variables")
}

func Test1024ConstantsSucceed(t *testing.T) {
	program := make([]ir.Expr, bytecode.MaxConstants)
	for i := range program {
		program[i] = ir.Pop{Value: ir.Literal{Value: fmt.Sprintf("c%d", i)}}
	}
	_, err := compiler.Compile("1024-constants", program)
	require.NoError(t, err)
}

func Test1025thConstantFailsAtCompile(t *testing.T) {
	program := make([]ir.Expr, bytecode.MaxConstants+1)
	for i := range program {
		program[i] = ir.Pop{Value: ir.Literal{Value: fmt.Sprintf("c%d", i)}}
	}
	_, err := compiler.Compile("1025-constants", program)
	require.Error(t, err)
}

func Test9ArgCallFailsAtCompile(t *testing.T) {
	args := make([]ir.Expr, 9)
	for i := range args {
		args[i] = ir.Literal{Value: float64(i)}
	}
	program := []ir.Expr{
		ir.Pop{Value: ir.Call{Callee: ir.Literal{Value: nil}, Args: args}},
	}
	_, err := compiler.Compile("9-args", program)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds the maximum")
}

func TestMutateNonVariableTargetFails(t *testing.T) {
	program := []ir.Expr{
		ir.Pop{Value: ir.Mutate{Target: ir.Literal{Value: 1.0}, Value: ir.Literal{Value: 2.0}}},
	}
	_, err := compiler.Compile("bad-mutate", program)
	require.Error(t, err)
}

func TestBreakOutsideLoopFails(t *testing.T) {
	program := []ir.Expr{ir.Break{}}
	_, err := compiler.Compile("bad-break", program)
	require.Error(t, err)
}

func TestUnresolvedLocalFails(t *testing.T) {
	program := []ir.Expr{
		ir.Pop{Value: ir.Var{Binding: ir.Local("nope", 0, 0)}},
	}
	_, err := compiler.Compile("unresolved-local", program)
	require.Error(t, err)
}

func TestWhileLoopWithBreak(t *testing.T) {
	counter := ir.Local("i", 0, 0)
	program := []ir.Expr{
		ir.Bind{Binding: counter, Value: ir.Literal{Value: 0.0}},
		ir.While{
			Cond: ir.Literal{Value: true},
			Body: ir.Block{Body: []ir.Expr{
				ir.Break{},
			}},
		},
	}
	chunk, err := compiler.Compile("while-break", program)
	require.NoError(t, err)
	require.Contains(t, bytecode.Disassemble(chunk), "LOOP")
}

func TestClosureEncodingRoundTripsThroughDisassembler(t *testing.T) {
	outer := ir.Local("x", 0, 0)
	innerFnBinding := ir.Local("f", 0, 0)
	xUpvalue := ir.Local("x", 1, 0)

	fn := ir.Function{
		Var:  innerFnBinding,
		Body: &ir.FunctionBody{Inner: ir.Return{Value: ir.Var{Binding: xUpvalue}}},
	}
	program := []ir.Expr{
		ir.Bind{Binding: outer, Value: ir.Literal{Value: 1.0}},
		ir.Bind{Binding: innerFnBinding, Value: fn},
	}

	chunk, err := compiler.Compile("closure-encoding", program)
	require.NoError(t, err)

	dis := bytecode.Disassemble(chunk)
	require.Contains(t, dis, "CLOSURE")
	require.Contains(t, dis, "1 upvalues")
	require.Contains(t, dis, "local 0")
}
