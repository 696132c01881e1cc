// machine_test.go - 抽象机执行测试
//
// 这里的用例偏重运行时性质：尾跳转的 O(1) 帧深度、深度预算陷阱、
// 间接分发的三种失败、以及被复用帧不出现在回溯中。

package exec

import (
	"errors"
	"testing"

	"github.com/tangzhangming/nebula/internal/bytecode"
	"github.com/tangzhangming/nebula/internal/codegen"
)

// ============================================================================
// 字节码程序构造
// ============================================================================

func sigI64(params int) bytecode.Signature {
	s := bytecode.Signature{Results: []bytecode.ValueType{bytecode.I64}}
	for i := 0; i < params; i++ {
		s.Params = append(s.Params, bytecode.I64)
	}
	return s
}

func ins(op bytecode.Opcode, imm int64) bytecode.Instr {
	return bytecode.Instr{Op: op, Type: bytecode.I64, Imm: imm}
}

func buildModule(fns ...*bytecode.Function) *bytecode.Module {
	mod := &bytecode.Module{}
	for i, fn := range fns {
		fn.Index = i
		mod.Funcs = append(mod.Funcs, fn)
		mod.Sigs = append(mod.Sigs, fn.Sig)
	}
	return mod
}

func compile(t *testing.T, mod *bytecode.Module) *codegen.CompiledModule {
	t.Helper()
	c, err := codegen.NewCompiler(nil, nil)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	cm, err := c.CompileModule(mod)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	return cm
}

// countdown(0) = 42, countdown(n) = countdown(n-1)，纯尾递归
func countdownFunc(self int) *bytecode.Function {
	return &bytecode.Function{
		Name: "countdown",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpEqz, 0),
				{Op: bytecode.OpBrIf, Then: 1, Else: 2},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpI64Const, 42),
				ins(bytecode.OpReturn, 0),
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpSub, 0),
				ins(bytecode.OpReturnCall, int64(self)),
			}},
		},
	}
}

// factorial(n, acc)，尾递归；fact(n) 用常规调用包一层
func factorialFunc(self int) *bytecode.Function {
	return &bytecode.Function{
		Name: "factorial",
		Sig:  sigI64(2),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpEqz, 0),
				{Op: bytecode.OpBrIf, Then: 1, Else: 2},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 1),
				ins(bytecode.OpReturn, 0),
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpSub, 0),
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpLocalGet, 1),
				ins(bytecode.OpMul, 0),
				ins(bytecode.OpReturnCall, int64(self)),
			}},
		},
	}
}

func factEntryFunc(target int) *bytecode.Function {
	return &bytecode.Function{
		Name: "fact",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpCall, int64(target)),
				ins(bytecode.OpReturn, 0),
			}},
		},
	}
}

func addFunc() *bytecode.Function {
	return &bytecode.Function{
		Name: "add",
		Sig:  sigI64(2),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpLocalGet, 1),
				ins(bytecode.OpAdd, 0),
				ins(bytecode.OpReturn, 0),
			}},
		},
	}
}

// 互递归奇偶判定：even(n) / odd(n) 互相尾调用，
// 偶数步终止于 1，奇数步终止于 2
func evenOddFuncs(evenIdx, oddIdx int) (*bytecode.Function, *bytecode.Function) {
	parity := func(name string, base int64, other int) *bytecode.Function {
		return &bytecode.Function{
			Name: name,
			Sig:  sigI64(1),
			Blocks: []bytecode.Block{
				{Code: []bytecode.Instr{
					ins(bytecode.OpLocalGet, 0),
					ins(bytecode.OpEqz, 0),
					{Op: bytecode.OpBrIf, Then: 1, Else: 2},
				}},
				{Code: []bytecode.Instr{
					ins(bytecode.OpI64Const, base),
					ins(bytecode.OpReturn, 0),
				}},
				{Code: []bytecode.Instr{
					ins(bytecode.OpLocalGet, 0),
					ins(bytecode.OpI64Const, 1),
					ins(bytecode.OpSub, 0),
					ins(bytecode.OpReturnCall, int64(other)),
				}},
			},
		}
	}
	return parity("even", 1, oddIdx), parity("odd", 2, evenIdx)
}

// mixed(0) = 0；n > 5 常规调用 mixed(n-1)+1；否则尾调用 mixed(n-1)
func mixedFunc(self int) *bytecode.Function {
	return &bytecode.Function{
		Name: "mixed",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpEqz, 0),
				{Op: bytecode.OpBrIf, Then: 1, Else: 2},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpI64Const, 0),
				ins(bytecode.OpReturn, 0),
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 5),
				ins(bytecode.OpGtS, 0),
				{Op: bytecode.OpBrIf, Then: 3, Else: 4},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpSub, 0),
				ins(bytecode.OpCall, int64(self)),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpAdd, 0),
				ins(bytecode.OpReturn, 0),
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpSub, 0),
				ins(bytecode.OpReturnCall, int64(self)),
			}},
		},
	}
}

// ten_param(0, p1..p9) = p9；递归时 p9 加一。SystemV 下 4 个栈实参。
func tenParamFunc(self int) *bytecode.Function {
	recur := []bytecode.Instr{
		ins(bytecode.OpLocalGet, 0),
		ins(bytecode.OpI64Const, 1),
		ins(bytecode.OpSub, 0),
	}
	for i := 1; i <= 8; i++ {
		recur = append(recur, ins(bytecode.OpLocalGet, int64(i)))
	}
	recur = append(recur,
		ins(bytecode.OpLocalGet, 9),
		ins(bytecode.OpI64Const, 1),
		ins(bytecode.OpAdd, 0),
		ins(bytecode.OpReturnCall, int64(self)),
	)
	return &bytecode.Function{
		Name: "ten_param",
		Sig:  sigI64(10),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpEqz, 0),
				{Op: bytecode.OpBrIf, Then: 1, Else: 2},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 9),
				ins(bytecode.OpReturn, 0),
			}},
			{Code: recur},
		},
	}
}

// 1 参数函数尾调用 10 参数函数：目标参数区比自身的大
func tenParamEntryFunc(target int) *bytecode.Function {
	code := []bytecode.Instr{ins(bytecode.OpLocalGet, 0)}
	for i := 1; i <= 9; i++ {
		code = append(code, ins(bytecode.OpI64Const, int64(i)))
	}
	code = append(code, ins(bytecode.OpReturnCall, int64(target)))
	return &bytecode.Function{
		Name:   "ten_param_entry",
		Sig:    sigI64(1),
		Blocks: []bytecode.Block{{Code: code}},
	}
}

// indirect(i) = table[0][i](1, 2)，声明签名是 sigIndex
func indirectCallerFunc(sigIndex int) *bytecode.Function {
	return &bytecode.Function{
		Name: "indirect",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{{Code: []bytecode.Instr{
			ins(bytecode.OpI64Const, 1),
			ins(bytecode.OpI64Const, 2),
			ins(bytecode.OpLocalGet, 0),
			{Op: bytecode.OpCallIndirect, Type: bytecode.I64, Table: 0, SigIndex: sigIndex},
			ins(bytecode.OpReturn, 0),
		}}},
	}
}

func trapKind(t *testing.T, err error) bytecode.TrapKind {
	t.Helper()
	var trap *bytecode.Trap
	if !errors.As(err, &trap) {
		t.Fatalf("error is not a trap: %v", err)
	}
	return trap.Kind
}

// ============================================================================
// 用例
// ============================================================================

// TestFactorial 测试常规调用与尾递归组合的正确性
func TestFactorial(t *testing.T) {
	cm := compile(t, buildModule(factorialFunc(0), factEntryFunc(0)))
	m := NewMachine(cm, 0)

	for _, tc := range []struct{ n, want uint64 }{
		{0, 1}, {1, 1}, {5, 120}, {10, 3628800},
	} {
		got, err := m.Call("fact", tc.n)
		if err != nil {
			t.Fatalf("fact(%d): %v", tc.n, err)
		}
		if got != tc.want {
			t.Errorf("fact(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

// TestTailChainConstantDepth 测试链式尾调用的帧深度为 O(1)
//
// 深度预算远小于链长：若尾跳转没有复用栈顶帧，这里必然触发
// stack exhausted 陷阱。
func TestTailChainConstantDepth(t *testing.T) {
	cm := compile(t, buildModule(countdownFunc(0)))
	m := NewMachine(cm, 16)

	got, err := m.Call("countdown", 100000)
	if err != nil {
		t.Fatalf("countdown(100000): %v", err)
	}
	if got != 42 {
		t.Errorf("countdown(100000) = %d, want 42", got)
	}
	if m.Depth() != 0 {
		t.Errorf("Depth = %d after completion, want 0", m.Depth())
	}
}

// TestMutualRecursion 测试互递归尾调用的深度与语义
func TestMutualRecursion(t *testing.T) {
	even, odd := evenOddFuncs(0, 1)
	cm := compile(t, buildModule(even, odd))
	m := NewMachine(cm, 8)

	for _, tc := range []struct{ n, want uint64 }{
		{0, 1}, {1, 2}, {100000, 1}, {100001, 2},
	} {
		got, err := m.Call("even", tc.n)
		if err != nil {
			t.Fatalf("even(%d): %v", tc.n, err)
		}
		if got != tc.want {
			t.Errorf("even(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

// TestMixedCalls 测试同一函数内常规调用与尾调用混用
func TestMixedCalls(t *testing.T) {
	cm := compile(t, buildModule(mixedFunc(0)))
	if cm.Funcs[0].Class != codegen.FrameRegular {
		t.Fatalf("mixed class = %s, want regular", cm.Funcs[0].Class)
	}

	m := NewMachine(cm, 0)
	for _, tc := range []struct{ n, want uint64 }{
		{0, 0}, {3, 0}, {6, 1}, {10, 5}, {20, 15},
	} {
		got, err := m.Call("mixed", tc.n)
		if err != nil {
			t.Fatalf("mixed(%d): %v", tc.n, err)
		}
		if got != tc.want {
			t.Errorf("mixed(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

// TestStackArgsTailRecursion 测试带栈实参的尾递归
func TestStackArgsTailRecursion(t *testing.T) {
	cm := compile(t, buildModule(tenParamFunc(0)))
	m := NewMachine(cm, 4)

	args := []uint64{5000, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	got, err := m.Call("ten_param", args...)
	if err != nil {
		t.Fatalf("ten_param: %v", err)
	}
	if got != 9+5000 {
		t.Errorf("ten_param = %d, want %d", got, 9+5000)
	}
}

// TestGrowingTailJump 测试目标参数区大于自身的尾跳转
func TestGrowingTailJump(t *testing.T) {
	cm := compile(t, buildModule(tenParamFunc(0), tenParamEntryFunc(0)))
	m := NewMachine(cm, 4)

	got, err := m.Call("ten_param_entry", 1000)
	if err != nil {
		t.Fatalf("ten_param_entry(1000): %v", err)
	}
	if got != 9+1000 {
		t.Errorf("ten_param_entry(1000) = %d, want %d", got, 9+1000)
	}
}

// TestIndirectMatchesDirect 测试间接调用与直接调用结果一致
func TestIndirectMatchesDirect(t *testing.T) {
	// add 在函数表下标 0，签名表下标 0
	mod := buildModule(addFunc(), indirectCallerFunc(0))
	table := bytecode.NewTable(2)
	table.Set(1, mod.Funcs[0])
	mod.Tables = []*bytecode.Table{table}

	m := NewMachine(compile(t, mod), 0)
	got, err := m.Call("indirect", 1)
	if err != nil {
		t.Fatalf("indirect(1): %v", err)
	}
	if got != 3 {
		t.Errorf("indirect(1) = %d, want 3", got)
	}
}

// TestIndirectTailCallMatchesDirect 测试签名匹配的间接尾调用
// 与等价的直接尾调用结果一致，且同样不增长帧深度
func TestIndirectTailCallMatchesDirect(t *testing.T) {
	// fact_ind(n) = table[0][1](n, 1)，表项 1 指向 factorial
	factInd := &bytecode.Function{
		Name: "fact_ind",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{{Code: []bytecode.Instr{
			ins(bytecode.OpLocalGet, 0),
			ins(bytecode.OpI64Const, 1),
			ins(bytecode.OpI64Const, 1),
			{Op: bytecode.OpReturnCallIndirect, Type: bytecode.I64, Table: 0, SigIndex: 0},
		}}},
	}
	mod := buildModule(factorialFunc(0), factInd)
	table := bytecode.NewTable(2)
	table.Set(1, mod.Funcs[0])
	mod.Tables = []*bytecode.Table{table}

	cm := compile(t, mod)
	if cm.Funcs[1].Class != codegen.FrameTailCallOnly {
		t.Fatalf("fact_ind class = %s, want tail-call-only", cm.Funcs[1].Class)
	}

	m := NewMachine(cm, 8)
	for _, n := range []uint64{0, 1, 5, 10} {
		direct, err := m.Call("factorial", n, 1)
		if err != nil {
			t.Fatalf("factorial(%d, 1): %v", n, err)
		}
		indirect, err := m.Call("fact_ind", n)
		if err != nil {
			t.Fatalf("fact_ind(%d): %v", n, err)
		}
		if indirect != direct {
			t.Errorf("fact_ind(%d) = %d, direct = %d", n, indirect, direct)
		}
	}
}

// TestIndirectTraps 测试间接分发的三种陷阱
func TestIndirectTraps(t *testing.T) {
	mod := buildModule(addFunc(), indirectCallerFunc(0), countdownFunc(2))
	table := bytecode.NewTable(3)
	table.Set(1, mod.Funcs[0]) // add
	table.Set(2, mod.Funcs[2]) // countdown：签名与 add 不同
	mod.Tables = []*bytecode.Table{table}
	m := NewMachine(compile(t, mod), 0)

	cases := []struct {
		name string
		idx  uint64
		want bytecode.TrapKind
	}{
		{"out of bounds", 7, bytecode.TrapTableOutOfBounds},
		{"null entry", 0, bytecode.TrapUninitializedElement},
		{"sig mismatch", 2, bytecode.TrapIndirectCallTypeMismatch},
	}
	for _, tc := range cases {
		_, err := m.Call("indirect", tc.idx)
		if err == nil {
			t.Errorf("%s: call should trap", tc.name)
			continue
		}
		if kind := trapKind(t, err); kind != tc.want {
			t.Errorf("%s: trap = %s, want %s", tc.name, kind, tc.want)
		}
	}
}

// TestStackExhausted 测试深度预算陷阱
//
// mixed 在 n > 5 时常规递归，深度与 n 同阶。
func TestStackExhausted(t *testing.T) {
	cm := compile(t, buildModule(mixedFunc(0)))
	m := NewMachine(cm, 16)

	_, err := m.Call("mixed", 100)
	if err == nil {
		t.Fatal("deep regular recursion should trap")
	}
	if kind := trapKind(t, err); kind != bytecode.TrapStackExhausted {
		t.Errorf("trap = %s, want %s", kind, bytecode.TrapStackExhausted)
	}
}

// TestBacktraceSkipsReusedFrames 测试回溯只含存活帧
//
// outer 常规调用 inner，inner 尾递归若干次后用越界下标做间接尾
// 调用触发陷阱。中间被复用丢弃的 inner 帧不出现在回溯里：回溯
// 恰好两帧，最内层在前。
func TestBacktraceSkipsReusedFrames(t *testing.T) {
	inner := &bytecode.Function{
		Name: "inner",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpEqz, 0),
				{Op: bytecode.OpBrIf, Then: 1, Else: 2},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 99), // 越界下标
				{Op: bytecode.OpReturnCallIndirect, Type: bytecode.I64, Table: 0, SigIndex: 1},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpSub, 0),
				ins(bytecode.OpReturnCall, 0),
			}},
		},
	}
	outer := &bytecode.Function{
		Name: "outer",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpCall, 0),
				ins(bytecode.OpReturn, 0),
			}},
		},
	}
	mod := buildModule(inner, outer)
	mod.Tables = []*bytecode.Table{bytecode.NewTable(1)}
	m := NewMachine(compile(t, mod), 0)

	_, err := m.Call("outer", 50)
	if err == nil {
		t.Fatal("call should trap")
	}
	var trap *bytecode.Trap
	if !errors.As(err, &trap) {
		t.Fatalf("error is not a trap: %v", err)
	}
	if trap.Kind != bytecode.TrapTableOutOfBounds {
		t.Errorf("trap = %s, want %s", trap.Kind, bytecode.TrapTableOutOfBounds)
	}
	if len(trap.Backtrace) != 2 {
		t.Fatalf("backtrace has %d frames, want 2: %v", len(trap.Backtrace), trap.Backtrace)
	}
	if trap.Backtrace[0].FuncName != "inner" || trap.Backtrace[1].FuncName != "outer" {
		t.Errorf("backtrace = %v, want inner then outer", trap.Backtrace)
	}
}
