// x64_asm.go - x86-64 汇编器
//
// 本文件实现了调用点降级所需的 x86-64 指令编码。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段
//
// 重定位分三类：
// 1. 块内跳转：函数内基本块标签，Finalize 时就地解析
// 2. 函数符号：call/jmp rel32 指向模块内其他函数，由链接阶段回填
// 3. 辅助例程：陷阱入口等运行时地址，以 imm64 占位

package codegen

import (
	"encoding/binary"
)

// ============================================================================
// x86-64 寄存器定义
// ============================================================================

// Reg 物理寄存器编号
// 0-15 为通用寄存器，16-31 为 XMM 寄存器
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// XMM 寄存器
const (
	XMM0 Reg = 16 + iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

// RegNone 无寄存器
const RegNone Reg = -1

// String 返回寄存器名称
func (r Reg) String() string {
	names := []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	}
	if r >= 0 && int(r) < len(names) {
		return names[r]
	}
	return "???"
}

// IsExtended 检查是否是扩展寄存器（需要 REX 前缀）
func (r Reg) IsExtended() bool {
	return r >= R8 && r <= R15
}

// LowBits 获取寄存器编码的低 3 位
func (r Reg) LowBits() byte {
	return byte(r) & 0x7
}

// ============================================================================
// 重定位
// ============================================================================

// RelocKind 重定位类型
type RelocKind int

const (
	RelocBlock  RelocKind = iota // 函数内基本块（rel32）
	RelocFunc                    // 模块内函数符号（rel32）
	RelocHelper                  // 运行时辅助例程（imm64）
)

// Reloc 重定位条目
type Reloc struct {
	Kind   RelocKind
	Offset int    // 待回填字段在代码中的偏移
	Block  int    // RelocBlock: 目标块下标
	Func   int    // RelocFunc: 目标函数下标
	Helper string // RelocHelper: 例程名称
}

// ============================================================================
// 汇编器
// ============================================================================

// Assembler x86-64 汇编器
type Assembler struct {
	code   []byte
	labels map[int]int // 块下标 -> 代码偏移
	relocs []Reloc
}

// NewAssembler 创建汇编器
func NewAssembler() *Assembler {
	return &Assembler{
		code:   make([]byte, 0, 256),
		labels: make(map[int]int),
	}
}

// Reset 重置汇编器状态
func (a *Assembler) Reset() {
	a.code = a.code[:0]
	a.labels = make(map[int]int)
	a.relocs = nil
}

// Finalize 解析块内重定位，返回机器码和剩余的外部重定位
func (a *Assembler) Finalize() ([]byte, []Reloc) {
	var external []Reloc
	for _, reloc := range a.relocs {
		if reloc.Kind != RelocBlock {
			external = append(external, reloc)
			continue
		}
		target, ok := a.labels[reloc.Block]
		if !ok {
			continue
		}
		offset := int32(target - (reloc.Offset + 4))
		binary.LittleEndian.PutUint32(a.code[reloc.Offset:], uint32(offset))
	}
	return a.code, external
}

// Len 返回当前代码长度
func (a *Assembler) Len() int {
	return len(a.code)
}

// Label 定义基本块标签
func (a *Assembler) Label(blockID int) {
	a.labels[blockID] = len(a.code)
}

// ============================================================================
// 底层编码方法
// ============================================================================

func (a *Assembler) emit(bytes ...byte) {
	a.code = append(a.code, bytes...)
}

func (a *Assembler) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.code = append(a.code, buf[:]...)
}

func (a *Assembler) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.code = append(a.code, buf[:]...)
}

// rex 构造 REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// emitMemOperand 生成 [base+offset] 内存操作数编码
func (a *Assembler) emitMemOperand(reg byte, base Reg, offset int32) {
	baseCode := base.LowBits()

	// RSP/R12 需要 SIB 字节
	needSIB := base == RSP || base == R12

	if offset == 0 && base != RBP && base != R13 {
		if needSIB {
			a.emit(modrm(0, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(0, reg, baseCode))
		}
	} else if offset >= -128 && offset <= 127 {
		if needSIB {
			a.emit(modrm(1, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(1, reg, baseCode))
		}
		a.emit(byte(offset))
	} else {
		if needSIB {
			a.emit(modrm(2, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(2, reg, baseCode))
		}
		a.emitU32(uint32(offset))
	}
}

// ============================================================================
// 数据移动指令
// ============================================================================

// MovRegReg 寄存器到寄存器: mov dst, src
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x89)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// MovRegImm64 加载 64 位立即数: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xB8 + reg.LowBits())
	a.emitU64(imm)
}

// MovRegMem 从内存加载: mov reg, [base+offset]
func (a *Assembler) MovRegMem(dst Reg, base Reg, offset int32) {
	a.emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	a.emit(0x8B)
	a.emitMemOperand(dst.LowBits(), base, offset)
}

// MovMemReg 存储到内存: mov [base+offset], reg
func (a *Assembler) MovMemReg(base Reg, offset int32, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, base.IsExtended()))
	a.emit(0x89)
	a.emitMemOperand(src.LowBits(), base, offset)
}

// MovMemImm64 存储立即数到内存，不占用任何寄存器
// 立即数在符号扩展 32 位范围内时用一条 REX.W C7；超出范围拆成
// 两次 32 位存储（x86-64 没有 mov m64, imm64 编码）
func (a *Assembler) MovMemImm64(base Reg, offset int32, imm int64) {
	if imm >= -1<<31 && imm < 1<<31 {
		a.emit(rex(true, false, false, base.IsExtended()))
		a.emit(0xC7)
		a.emitMemOperand(0, base, offset)
		a.emitU32(uint32(imm))
		return
	}
	if base.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xC7)
	a.emitMemOperand(0, base, offset)
	a.emitU32(uint32(imm))
	if base.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xC7)
	a.emitMemOperand(0, base, offset+4)
	a.emitU32(uint32(imm >> 32))
}

// PushMem 压栈内存操作数: push qword [base+offset]
func (a *Assembler) PushMem(base Reg, offset int32) {
	if base.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF)
	a.emitMemOperand(6, base, offset)
}

// PopMem 出栈到内存操作数: pop qword [base+offset]
func (a *Assembler) PopMem(base Reg, offset int32) {
	if base.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x8F)
	a.emitMemOperand(0, base, offset)
}

// LeaRegMem 加载有效地址: lea dst, [base+offset]
func (a *Assembler) LeaRegMem(dst Reg, base Reg, offset int32) {
	a.emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	a.emit(0x8D)
	a.emitMemOperand(dst.LowBits(), base, offset)
}

// ============================================================================
// 算术与比较指令
// ============================================================================

// AddRegReg 寄存器加法: add dst, src
func (a *Assembler) AddRegReg(dst, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x01)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// SubRegReg 寄存器减法: sub dst, src
func (a *Assembler) SubRegReg(dst, src Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x29)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// SubRegImm32 立即数减法: sub reg, imm32
func (a *Assembler) SubRegImm32(reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.emit(modrm(3, 5, reg.LowBits()))
		a.emit(byte(imm))
	} else {
		a.emit(0x81)
		a.emit(modrm(3, 5, reg.LowBits()))
		a.emitU32(uint32(imm))
	}
}

// IMulRegReg 有符号乘法: imul dst, src
func (a *Assembler) IMulRegReg(dst, src Reg) {
	a.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	a.emit(0x0F, 0xAF)
	a.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// CmpRegReg 比较: cmp left, right
func (a *Assembler) CmpRegReg(left, right Reg) {
	a.emit(rex(true, right.IsExtended(), false, left.IsExtended()))
	a.emit(0x39)
	a.emit(modrm(3, right.LowBits(), left.LowBits()))
}

// CmpRegImm32 比较立即数: cmp reg, imm32
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.emit(modrm(3, 7, reg.LowBits()))
		a.emit(byte(imm))
	} else {
		a.emit(0x81)
		a.emit(modrm(3, 7, reg.LowBits()))
		a.emitU32(uint32(imm))
	}
}

// TestRegReg 测试: test reg1, reg2
func (a *Assembler) TestRegReg(reg1, reg2 Reg) {
	a.emit(rex(true, reg2.IsExtended(), false, reg1.IsExtended()))
	a.emit(0x85)
	a.emit(modrm(3, reg2.LowBits(), reg1.LowBits()))
}

// Cond 条件码（SETcc / Jcc 共用）
type Cond byte

const (
	CondE  Cond = 0x4 // 等于 (ZF=1)
	CondNE Cond = 0x5 // 不等于 (ZF=0)
	CondL  Cond = 0xC // 有符号小于 (SF!=OF)
	CondLE Cond = 0xE // 有符号小于等于
	CondG  Cond = 0xF // 有符号大于
	CondGE Cond = 0xD // 有符号大于等于
	CondAE Cond = 0x3 // 无符号大于等于 (CF=0)
)

// SetCond 条件设置: setcc reg
func (a *Assembler) SetCond(cond Cond, reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x0F, 0x90|byte(cond))
	a.emit(modrm(3, 0, reg.LowBits()))
}

// MovzxReg8 零扩展 8 位到 64 位: movzx dst, src (8-bit)
func (a *Assembler) MovzxReg8(dst, src Reg) {
	a.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	a.emit(0x0F, 0xB6)
	a.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// ============================================================================
// 栈操作指令
// ============================================================================

// Push 压栈: push reg
func (a *Assembler) Push(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + reg.LowBits())
}

// Pop 出栈: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + reg.LowBits())
}

// ============================================================================
// 跳转与调用指令
// ============================================================================

// Jmp 块内无条件跳转（rel32）
func (a *Assembler) Jmp(blockID int) {
	a.emit(0xE9)
	a.relocs = append(a.relocs, Reloc{Kind: RelocBlock, Offset: len(a.code), Block: blockID})
	a.emitU32(0)
}

// JmpCond 块内条件跳转: jcc label (rel32)
func (a *Assembler) JmpCond(cond Cond, blockID int) {
	a.emit(0x0F, 0x80|byte(cond))
	a.relocs = append(a.relocs, Reloc{Kind: RelocBlock, Offset: len(a.code), Block: blockID})
	a.emitU32(0)
}

// JmpReg 间接跳转: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF)
	a.emit(modrm(3, 4, reg.LowBits()))
}

// CallReg 间接调用: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF)
	a.emit(modrm(3, 2, reg.LowBits()))
}

// CallFunc 直接调用模块内函数: call rel32
// 目标偏移由链接阶段回填
func (a *Assembler) CallFunc(funcIndex int) {
	a.emit(0xE8)
	a.relocs = append(a.relocs, Reloc{Kind: RelocFunc, Offset: len(a.code), Func: funcIndex})
	a.emitU32(0)
}

// JmpFunc 直接尾跳转到模块内函数: jmp rel32
// 不压入新的返回地址
func (a *Assembler) JmpFunc(funcIndex int) {
	a.emit(0xE9)
	a.relocs = append(a.relocs, Reloc{Kind: RelocFunc, Offset: len(a.code), Func: funcIndex})
	a.emitU32(0)
}

// MovRegHelper 加载辅助例程地址: mov reg, imm64
// 地址由链接阶段回填
func (a *Assembler) MovRegHelper(reg Reg, name string) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xB8 + reg.LowBits())
	a.relocs = append(a.relocs, Reloc{Kind: RelocHelper, Offset: len(a.code), Helper: name})
	a.emitU64(0)
}

// Ret 返回
func (a *Assembler) Ret() {
	a.emit(0xC3)
}
