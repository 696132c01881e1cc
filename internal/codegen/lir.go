// lir.go - 降级后的线性机器指令
//
// LIR 是调用点降级的输出形式：每个基本块一段线性指令序列。
// 位置（Loc）指向调用约定意义下的具体存储：物理寄存器、帧槽位、
// 参数区槽位、传出实参区槽位或立即数。
//
// LIR 有两个消费方：
// 1. x64 编码器把它翻译成机器码（x64gen.go）
// 2. 执行器按相同语义解释执行（internal/exec）

package codegen

import "fmt"

// ============================================================================
// 位置
// ============================================================================

// LocKind 位置类别
type LocKind byte

const (
	LocNone LocKind = iota

	// LocReg 物理寄存器
	LocReg

	// LocSlot 帧槽位（局部变量、临时溢出、打乱暂存），[rbp-8(i+1)]
	LocSlot

	// LocArgSlot 参数区槽位，[rbp+16+shadow+8k]
	// 下标可以为负：尾调用目标需要比当前函数更多的栈实参时，
	// 目标实参区向下越过当前帧的返回地址槽扩展
	LocArgSlot

	// LocOut 传出实参区槽位，[rsp+8j]
	LocOut

	// LocImm 立即数（只能作为源）
	LocImm
)

// Loc 具体存储位置
type Loc struct {
	Kind  LocKind
	Reg   Reg
	Index int
	Imm   int64
}

// RegLoc 寄存器位置
func RegLoc(r Reg) Loc { return Loc{Kind: LocReg, Reg: r} }

// SlotLoc 帧槽位
func SlotLoc(i int) Loc { return Loc{Kind: LocSlot, Index: i} }

// ArgSlotLoc 参数区槽位
func ArgSlotLoc(k int) Loc { return Loc{Kind: LocArgSlot, Index: k} }

// OutLoc 传出实参区槽位
func OutLoc(j int) Loc { return Loc{Kind: LocOut, Index: j} }

// ImmLoc 立即数
func ImmLoc(v int64) Loc { return Loc{Kind: LocImm, Imm: v} }

// String 返回可读形式
func (l Loc) String() string {
	switch l.Kind {
	case LocReg:
		return l.Reg.String()
	case LocSlot:
		return fmt.Sprintf("slot[%d]", l.Index)
	case LocArgSlot:
		return fmt.Sprintf("arg[%d]", l.Index)
	case LocOut:
		return fmt.Sprintf("out[%d]", l.Index)
	case LocImm:
		return fmt.Sprintf("$%d", l.Imm)
	}
	return "none"
}

// ============================================================================
// ALU 操作
// ============================================================================

// ALUOp 算术/比较操作（比较结果为 0/1）
type ALUOp byte

const (
	ALUAdd ALUOp = iota
	ALUSub
	ALUMul
	ALUEq
	ALUNe
	ALULtS
	ALULeS
	ALUGtS
	ALUGeS
)

var aluNames = [...]string{"add", "sub", "mul", "eq", "ne", "lt_s", "le_s", "gt_s", "ge_s"}

// String 返回操作名称
func (op ALUOp) String() string {
	if int(op) < len(aluNames) {
		return aluNames[op]
	}
	return "???"
}

// ============================================================================
// LIR 指令
// ============================================================================

// LIROp LIR 操作码
type LIROp byte

const (
	LIRMov              LIROp = iota // dst <- a
	LIRBin                           // dst <- a ALU b
	LIRBr                            // 跳转到块 Then
	LIRBrIf                          // a 非零跳转到块 Then，否则块 Else
	LIRRet                           // 函数返回（返回值已就位于返回寄存器）
	LIRCall                          // 直接调用 Func，压入新帧
	LIRTailJump                      // 直接尾跳转到 Func，复用当前帧
	LIRCallIndirect                  // 间接调用：表 Table、声明签名 SigIndex、下标 a
	LIRTailJumpIndirect              // 间接尾跳转
)

// LIR 单条线性机器指令
type LIR struct {
	Op  LIROp
	ALU ALUOp

	Dst Loc
	A   Loc
	B   Loc

	// 跳转目标块
	Then int
	Else int

	// 直接调用目标函数下标
	Func int

	// 间接调用
	Table    int
	SigIndex int

	// 尾调用的参数区基准移位：当前栈实参数 - 目标栈实参数。
	// 执行器用它计算被调方参数区的起点。
	ArgShift int

	// Moves 调用类指令的实参装配序列（已序列化的平行移动）。
	// 装配属于调用指令本身：尾跳转的帧拆除必须与装配交错排序，
	// 消费方据此决定先加载返回地址还是先执行装配。
	Moves []Move
}

// String 返回反汇编形式
func (in *LIR) String() string {
	switch in.Op {
	case LIRMov:
		return fmt.Sprintf("mov %s, %s", in.Dst, in.A)
	case LIRBin:
		return fmt.Sprintf("%s %s, %s, %s", in.ALU, in.Dst, in.A, in.B)
	case LIRBr:
		return fmt.Sprintf("br b%d", in.Then)
	case LIRBrIf:
		return fmt.Sprintf("br_if %s, b%d, b%d", in.A, in.Then, in.Else)
	case LIRRet:
		return "ret"
	case LIRCall:
		return "call f" + fmt.Sprint(in.Func) + in.movesString()
	case LIRTailJump:
		return "tail_jmp f" + fmt.Sprint(in.Func) + in.movesString()
	case LIRCallIndirect:
		return fmt.Sprintf("call_indirect t%d sig%d, %s%s", in.Table, in.SigIndex, in.A, in.movesString())
	case LIRTailJumpIndirect:
		return fmt.Sprintf("tail_jmp_indirect t%d sig%d, %s%s", in.Table, in.SigIndex, in.A, in.movesString())
	}
	return "???"
}

// movesString 返回实参装配序列的可读形式
func (in *LIR) movesString() string {
	if len(in.Moves) == 0 {
		return ""
	}
	s := " {"
	for i, m := range in.Moves {
		if i > 0 {
			s += "; "
		}
		s += fmt.Sprintf("%s <- %s", m.Dst, m.Src)
	}
	return s + "}"
}
