// helpers_test.go - 测试用字节码程序构造

package codegen

import "github.com/tangzhangming/nebula/internal/bytecode"

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

// buildModule 组装模块：补函数下标、建一个空表
func buildModule(fns ...*bytecode.Function) *bytecode.Module {
	mod := &bytecode.Module{}
	for i, fn := range fns {
		fn.Index = i
		mod.Funcs = append(mod.Funcs, fn)
		mod.Sigs = append(mod.Sigs, fn.Sig)
	}
	return mod
}

// countdownFunc 尾递归倒数：countdown(0) = 42
//
//	b0: n == 0 ? b1 : b2
//	b1: return 42
//	b2: return_call countdown(n-1)
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

// factorialFunc 带累积器的尾递归阶乘
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

// factEntryFunc 常规调用入口：fact(n) = factorial(n, 1)
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

// addFunc 叶子函数：add(a, b) = a + b
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

// mixedFunc 常规调用与尾调用混用：
//
//	mixed(0) = 0
//	mixed(n) = mixed(n-1) + 1   (n > 5, 常规调用)
//	mixed(n) = mixed(n-1)       (0 < n <= 5, 尾调用)
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

// withLocalsFunc 带局部变量的尾递归函数：局部变量占用槽位区
func withLocalsFunc(self int) *bytecode.Function {
	return &bytecode.Function{
		Name:   "with_locals",
		Sig:    sigI64(1),
		Locals: []bytecode.ValueType{bytecode.I64},
		Blocks: []bytecode.Block{
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 0),
				ins(bytecode.OpLocalSet, 1),
				ins(bytecode.OpLocalGet, 1),
				ins(bytecode.OpEqz, 0),
				{Op: bytecode.OpBrIf, Then: 1, Else: 2},
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpI64Const, 7),
				ins(bytecode.OpReturn, 0),
			}},
			{Code: []bytecode.Instr{
				ins(bytecode.OpLocalGet, 1),
				ins(bytecode.OpI64Const, 1),
				ins(bytecode.OpSub, 0),
				ins(bytecode.OpReturnCall, int64(self)),
			}},
		},
	}
}

// tenParamFunc 10 参数尾递归函数：
//
//	f(0, p1..p9) = p9
//	f(n, p1..p9) = f(n-1, p1..p8, p9+1)
//
// SystemV 下有 4 个栈实参，尾调用点的传出需求不为零。
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

// indirectCallerFunc 间接调用 add(1, 2)，表下标来自参数
// 降级时声明签名取模块签名表下标 0（add 的签名）
func indirectCallerFunc() *bytecode.Function {
	return &bytecode.Function{
		Name: "indirect",
		Sig:  sigI64(1),
		Blocks: []bytecode.Block{{Code: []bytecode.Instr{
			ins(bytecode.OpI64Const, 1),
			ins(bytecode.OpI64Const, 2),
			ins(bytecode.OpLocalGet, 0),
			{Op: bytecode.OpCallIndirect, Type: bytecode.I64, Table: 0, SigIndex: 0},
			ins(bytecode.OpReturn, 0),
		}}},
	}
}

// tenParamEntryFunc 增长情形入口：1 参数函数尾调用 10 参数函数
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
