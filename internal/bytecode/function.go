// function.go - 函数与模块定义
//
// 本文件定义了后端消费的输入形式：
// 1. 操作码：计算指令、控制流终结指令和四种调用类指令
// 2. 基本块：线性指令序列，最后一条必须是终结指令
// 3. 函数：签名 + 局部变量类型 + 基本块序列（已验证的控制流图）
// 4. 模块：编译单元（函数 + 签名表 + 函数引用表）
//
// 函数体由上游的解析/验证阶段产生，对本后端只读。
// 上游保证：操作数类型正确、调用实参数量与目标签名一致、
// 块边界上操作数栈为空（return 除外）、Return* 指令之后同一路径上无代码。

package bytecode

import "fmt"

// ============================================================================
// 操作码
// ============================================================================

// Opcode 操作码类型
type Opcode byte

const (
	// 常量与局部变量
	OpI32Const Opcode = iota // 压入 i32 常量 (Imm)
	OpI64Const               // 压入 i64 常量 (Imm)
	OpLocalGet               // 加载局部变量/参数 (Imm: 下标)
	OpLocalSet               // 存储局部变量/参数 (Imm: 下标)

	// 算术运算
	OpAdd // 加法
	OpSub // 减法
	OpMul // 乘法

	// 比较运算（结果为 0/1）
	OpEq  // 等于
	OpNe  // 不等于
	OpLtS // 有符号小于
	OpLeS // 有符号小于等于
	OpGtS // 有符号大于
	OpGeS // 有符号大于等于
	OpEqz // 等于零

	// 控制流终结指令
	OpBr     // 无条件跳转 (Then: 目标块)
	OpBrIf   // 条件跳转 (Then/Else: 目标块)
	OpReturn // 函数返回（栈顶为返回值，若有）

	// 调用类指令
	OpCall               // 直接调用 (Imm: 函数下标)
	OpReturnCall         // 直接尾调用 (Imm: 函数下标)，必须是终结指令
	OpCallIndirect       // 间接调用 (Table: 表下标, SigIndex: 声明签名)
	OpReturnCallIndirect // 间接尾调用，必须是终结指令
)

var opNames = map[Opcode]string{
	OpI32Const:           "I32_CONST",
	OpI64Const:           "I64_CONST",
	OpLocalGet:           "LOCAL_GET",
	OpLocalSet:           "LOCAL_SET",
	OpAdd:                "ADD",
	OpSub:                "SUB",
	OpMul:                "MUL",
	OpEq:                 "EQ",
	OpNe:                 "NE",
	OpLtS:                "LT_S",
	OpLeS:                "LE_S",
	OpGtS:                "GT_S",
	OpGeS:                "GE_S",
	OpEqz:                "EQZ",
	OpBr:                 "BR",
	OpBrIf:               "BR_IF",
	OpReturn:             "RETURN",
	OpCall:               "CALL",
	OpReturnCall:         "RETURN_CALL",
	OpCallIndirect:       "CALL_INDIRECT",
	OpReturnCallIndirect: "RETURN_CALL_INDIRECT",
}

// String 返回操作码名称
func (op Opcode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(op))
}

// IsCall 检查是否是调用类指令
func (op Opcode) IsCall() bool {
	return op == OpCall || op == OpReturnCall ||
		op == OpCallIndirect || op == OpReturnCallIndirect
}

// IsReturnCall 检查是否是尾调用指令
func (op Opcode) IsReturnCall() bool {
	return op == OpReturnCall || op == OpReturnCallIndirect
}

// IsTerminator 检查是否是基本块终结指令
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpBr, OpBrIf, OpReturn, OpReturnCall, OpReturnCallIndirect:
		return true
	}
	return false
}

// ============================================================================
// 指令与基本块
// ============================================================================

// Instr 单条指令
type Instr struct {
	Op   Opcode
	Type ValueType // 操作的数值类型

	Imm int64 // 常量值 / 局部变量下标 / 直接调用目标函数下标

	// 间接调用
	Table    int // 表下标
	SigIndex int // 调用点声明的签名（模块签名表下标）

	// 跳转目标（基本块下标）
	Then int
	Else int
}

// Block 基本块：线性指令序列，最后一条是终结指令
type Block struct {
	Code []Instr
}

// Terminator 返回终结指令
func (b *Block) Terminator() *Instr {
	return &b.Code[len(b.Code)-1]
}

// ============================================================================
// 函数与模块
// ============================================================================

// Function 函数定义
// 分类开始后对后端只读
type Function struct {
	Index  int
	Name   string
	Sig    Signature
	Locals []ValueType // 局部变量类型（不含参数）
	Blocks []Block
}

// NumParams 返回参数个数
func (f *Function) NumParams() int {
	return len(f.Sig.Params)
}

// LocalType 返回第 i 个局部槽位的类型（参数在前，局部变量在后）
func (f *Function) LocalType(i int) ValueType {
	if i < len(f.Sig.Params) {
		return f.Sig.Params[i]
	}
	return f.Locals[i-len(f.Sig.Params)]
}

// Module 编译单元
type Module struct {
	Sigs   []Signature
	Funcs  []*Function
	Tables []*Table
}

// FuncByName 按名称查找函数
func (m *Module) FuncByName(name string) (*Function, bool) {
	for _, fn := range m.Funcs {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}
