// conv.go - 调用约定
//
// 调用约定作为可查询的能力描述，而不是散落在分类器和降级逻辑里的
// 特判：新增约定只需要注册一个描述，不需要改动分类器或降级代码。
//
// 帧复用（frame elision）要求被调方的序言能够原地复用调用方的栈
// 空间和返回地址槽，这只对帧形状固定的寄存器传参约定成立：
// - SystemV AMD64 满足条件
// - Windows x64 因为强制的 32 字节 shadow space 不满足条件

package codegen

import "fmt"

// RegClass 寄存器类别
type RegClass byte

const (
	RegClassInt   RegClass = iota // 整数/指针
	RegClassFloat                 // 浮点
)

// CallingConv 调用约定描述
type CallingConv struct {
	Name string

	// 参数寄存器，整数与浮点独立计数
	IntArgRegs   []Reg
	FloatArgRegs []Reg

	// 返回值寄存器
	RetReg      Reg
	FloatRetReg Reg

	// 调用者/被调用者保存集合
	CallerSaved []Reg
	CalleeSaved []Reg

	// ShadowSpace 调用前需要保留的栈空间（字节）
	ShadowSpace int

	// 栈参数槽位
	SlotWidth  int
	StackAlign int

	// SupportsFrameElision 序言是否兼容原地复用调用方帧
	SupportsFrameElision bool
}

// ArgRegs 返回指定类别的参数寄存器
func (cc *CallingConv) ArgRegs(class RegClass) []Reg {
	if class == RegClassFloat {
		return cc.FloatArgRegs
	}
	return cc.IntArgRegs
}

// SystemV 返回 SystemV AMD64 调用约定
func SystemV() *CallingConv {
	return &CallingConv{
		Name:         "systemv",
		IntArgRegs:   []Reg{RDI, RSI, RDX, RCX, R8, R9},
		FloatArgRegs: []Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},
		RetReg:       RAX,
		FloatRetReg:  XMM0,
		CallerSaved:  []Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
		CalleeSaved:  []Reg{RBX, RBP, R12, R13, R14, R15},
		SlotWidth:    8,
		StackAlign:   16,

		SupportsFrameElision: true,
	}
}

// Win64 返回 Windows x64 调用约定
func Win64() *CallingConv {
	return &CallingConv{
		Name:         "win64",
		IntArgRegs:   []Reg{RCX, RDX, R8, R9},
		FloatArgRegs: []Reg{XMM0, XMM1, XMM2, XMM3},
		RetReg:       RAX,
		FloatRetReg:  XMM0,
		CallerSaved:  []Reg{RAX, RCX, RDX, R8, R9, R10, R11},
		CalleeSaved:  []Reg{RBX, RBP, RSI, RDI, R12, R13, R14, R15},
		ShadowSpace:  32,
		SlotWidth:    8,
		StackAlign:   16,

		SupportsFrameElision: false,
	}
}

// ConvByName 按名称查找调用约定
func ConvByName(name string) (*CallingConv, error) {
	switch name {
	case "systemv":
		return SystemV(), nil
	case "win64":
		return Win64(), nil
	}
	return nil, fmt.Errorf("unknown calling convention: %s", name)
}
