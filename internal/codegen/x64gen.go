// x64gen.go - LIR 到 x86-64 机器码
//
// 每个函数独立编码：序言按帧布局建帧，基本块按下标顺序排布，
// 块内重定位在 Finalize 时就地解析，函数符号和辅助例程重定位
// 交给链接阶段。
//
// 尾跳转的编码顺序（带帧的情况）：
//   mov rax, [rbp]          ; 预载调用方的保存 rbp
//   mov r11, [rbp+8]        ; 预载返回地址
//   <实参装配>               ; 增长情形会覆写 [rbp] / [rbp+8]
//   mov [RA'], r11          ; 返回地址落到新槽位
//   lea rsp, [rbp + 8*shift + 8]
//   mov rbp, rax
//   jmp target
// RA' 是目标帧的返回地址槽：参数区基准移位后紧贴目标实参区之下。
// 移位为零时 RA' 就是原返回地址槽，覆写是幂等的。
//
// 可复用帧（frame elision）的尾跳转没有任何帧操作：装配只动
// 寄存器，[rsp] 上的返回地址原样留给目标函数，单条 jmp 完成
// 控制转移。链式尾跳转因此不消耗原生栈。
//
// 间接分发走运行时辅助例程 table_dispatch：
//   输入  R10 = 表下标操作数, R11 = 表下标<<32 | 声明签名
//   输出  RAX = 目标函数入口地址
//   失败时不返回，直接展开到陷阱处理
//   除 RAX 外所有通用寄存器保持不变

package codegen

import "fmt"

// HelperTableDispatch 间接分发辅助例程的重定位名称
const HelperTableDispatch = "table_dispatch"

// CodeBlob 单个函数的编码结果
type CodeBlob struct {
	Code   []byte
	Relocs []Reloc // 函数符号与辅助例程重定位，待链接阶段回填
}

// EncodeX64 把降级结果编码成机器码
func EncodeX64(lf *LoweredFunc) (*CodeBlob, error) {
	g := &x64gen{asm: NewAssembler(), layout: lf.Layout}

	if !lf.Layout.Frameless {
		g.asm.Push(RBP)
		g.asm.MovRegReg(RBP, RSP)
		if fb := lf.Layout.FrameBytes(); fb > 0 {
			g.asm.SubRegImm32(RSP, int32(fb))
		}
	}

	for bi, block := range lf.Blocks {
		g.asm.Label(bi)
		for ii := range block {
			if err := g.encode(&block[ii], bi+1); err != nil {
				return nil, fmt.Errorf("func %s block %d instr %d: %w", lf.Fn.Name, bi, ii, err)
			}
		}
	}

	code, relocs := g.asm.Finalize()
	return &CodeBlob{Code: code, Relocs: relocs}, nil
}

// x64gen 单个函数的编码状态
type x64gen struct {
	asm    *Assembler
	layout *FrameLayout
}

func (g *x64gen) encode(in *LIR, next int) error {
	switch in.Op {
	case LIRMov:
		return g.encodeMove(in.Dst, in.A)

	case LIRBin:
		return g.encodeBin(in)

	case LIRBr:
		if in.Then != next {
			g.asm.Jmp(in.Then)
		}

	case LIRBrIf:
		if err := g.loadReg(RAX, in.A); err != nil {
			return err
		}
		g.asm.TestRegReg(RAX, RAX)
		g.asm.JmpCond(CondNE, in.Then)
		if in.Else != next {
			g.asm.Jmp(in.Else)
		}

	case LIRRet:
		if !g.layout.Frameless {
			g.asm.MovRegReg(RSP, RBP)
			g.asm.Pop(RBP)
		}
		g.asm.Ret()

	case LIRCall:
		if err := g.encodeMoves(in.Moves); err != nil {
			return err
		}
		g.asm.CallFunc(in.Func)

	case LIRCallIndirect:
		g.encodeDispatch(in)
		if err := g.encodeMoves(in.Moves); err != nil {
			return err
		}
		g.asm.CallReg(RAX)

	case LIRTailJump:
		if g.layout.Frameless {
			if err := g.encodeMoves(in.Moves); err != nil {
				return err
			}
			g.asm.JmpFunc(in.Func)
			return nil
		}
		if err := g.encodeTailTeardown(in); err != nil {
			return err
		}
		g.asm.JmpFunc(in.Func)

	case LIRTailJumpIndirect:
		g.encodeDispatch(in)
		if g.layout.Frameless {
			if err := g.encodeMoves(in.Moves); err != nil {
				return err
			}
			g.asm.JmpReg(RAX)
			return nil
		}
		// 目标地址停靠到 R10，RAX/R11 让给帧拆除的暂存对
		g.asm.MovRegReg(R10, RAX)
		if err := g.encodeTailTeardown(in); err != nil {
			return err
		}
		g.asm.JmpReg(R10)

	default:
		return fmt.Errorf("unsupported lir op %d", in.Op)
	}
	return nil
}

// encodeDispatch 发射间接分发序列，目标入口地址留在 RAX
func (g *x64gen) encodeDispatch(in *LIR) {
	g.asm.MovRegImm64(R11, uint64(in.Table)<<32|uint64(in.SigIndex))
	g.asm.MovRegHelper(RAX, HelperTableDispatch)
	g.asm.CallReg(RAX)
}

// encodeTailTeardown 发射带帧尾跳转的预载、装配和帧拆除
// 调用后 rsp / rbp 已经是目标函数期望的状态，只差控制转移
func (g *x64gen) encodeTailTeardown(in *LIR) error {
	g.asm.MovRegMem(RAX, RBP, 0)
	g.asm.MovRegMem(R11, RBP, 8)
	if err := g.encodeMoves(in.Moves); err != nil {
		return err
	}
	raOff := int32(8 + 8*in.ArgShift)
	g.asm.MovMemReg(RBP, raOff, R11)
	g.asm.LeaRegMem(RSP, RBP, raOff)
	g.asm.MovRegReg(RBP, RAX)
	return nil
}

func (g *x64gen) encodeMoves(moves []Move) error {
	for _, m := range moves {
		if err := g.encodeMove(m.Dst, m.Src); err != nil {
			return err
		}
	}
	return nil
}

// memRef 解析帧内存位置的基址和偏移
// 无帧函数没有 rbp，参数区槽位改成 rsp 寻址（[rsp] 是返回地址）
func (g *x64gen) memRef(loc Loc) (Reg, int32) {
	if g.layout.Frameless {
		return RSP, g.layout.Offset(loc) - 8
	}
	return RBP, g.layout.Offset(loc)
}

// encodeMove 编码一次位置间移动
// 内存到内存走 push/pop，不占用寄存器：尾跳转装配期间 RAX/R11
// 持有预载值，临时池寄存器可能是待装配的源
func (g *x64gen) encodeMove(dst, src Loc) error {
	if dst.Kind == LocReg {
		return g.loadReg(dst.Reg, src)
	}
	base, off := g.memRef(dst)
	switch src.Kind {
	case LocReg:
		if src.Reg >= XMM0 {
			return fmt.Errorf("float register move not supported: %s", src.Reg)
		}
		g.asm.MovMemReg(base, off, src.Reg)
	case LocImm:
		g.asm.MovMemImm64(base, off, src.Imm)
	case LocSlot, LocArgSlot, LocOut:
		sb, so := g.memRef(src)
		g.asm.PushMem(sb, so)
		g.asm.PopMem(base, off)
	default:
		return fmt.Errorf("invalid move source %s", src)
	}
	return nil
}

// loadReg 把位置的值加载到通用寄存器
func (g *x64gen) loadReg(dst Reg, src Loc) error {
	if dst >= XMM0 {
		return fmt.Errorf("float register move not supported: %s", dst)
	}
	switch src.Kind {
	case LocReg:
		if src.Reg >= XMM0 {
			return fmt.Errorf("float register move not supported: %s", src.Reg)
		}
		if src.Reg != dst {
			g.asm.MovRegReg(dst, src.Reg)
		}
	case LocImm:
		g.asm.MovRegImm64(dst, uint64(src.Imm))
	case LocSlot, LocArgSlot, LocOut:
		base, off := g.memRef(src)
		g.asm.MovRegMem(dst, base, off)
	default:
		return fmt.Errorf("invalid load source %s", src)
	}
	return nil
}

// encodeBin 编码算术/比较：operands 进 RAX/R11，结果写回目标
func (g *x64gen) encodeBin(in *LIR) error {
	if err := g.loadReg(RAX, in.A); err != nil {
		return err
	}
	if err := g.loadReg(R11, in.B); err != nil {
		return err
	}
	switch in.ALU {
	case ALUAdd:
		g.asm.AddRegReg(RAX, R11)
	case ALUSub:
		g.asm.SubRegReg(RAX, R11)
	case ALUMul:
		g.asm.IMulRegReg(RAX, R11)
	default:
		cond, ok := aluCond(in.ALU)
		if !ok {
			return fmt.Errorf("unsupported alu op %s", in.ALU)
		}
		g.asm.CmpRegReg(RAX, R11)
		g.asm.SetCond(cond, RAX)
		g.asm.MovzxReg8(RAX, RAX)
	}
	return g.encodeMove(in.Dst, RegLoc(RAX))
}

// aluCond 比较操作到条件码的映射
func aluCond(op ALUOp) (Cond, bool) {
	switch op {
	case ALUEq:
		return CondE, true
	case ALUNe:
		return CondNE, true
	case ALULtS:
		return CondL, true
	case ALULeS:
		return CondLE, true
	case ALUGtS:
		return CondG, true
	case ALUGeS:
		return CondGE, true
	}
	return 0, false
}
