// lower.go - 调用点降级
//
// 把字节码函数体翻译成 LIR。降级器维护一个虚拟操作数栈，栈上的
// 元素是具体位置（Loc）：临时值按栈深度从临时池取寄存器，超出
// 部分落溢出槽；常量保持立即数形式延迟物化。
//
// 四种调用类指令的降级：
// - call / call_indirect：实参装配到参数寄存器和传出实参区，
//   压入新帧，返回值从返回寄存器搬回临时位置
// - return_call / return_call_indirect：实参重定位到目标函数的
//   入口位置（参数寄存器 + 重定基准后的参数区槽位），复用当前帧
//   跳转，本帧不再出现在后续栈上
//
// 实参装配统一走平行移动求解器（shuffle.go），尾调用的原地重定位
// 和常规调用的装配共享同一条路径。

package codegen

import (
	"fmt"

	"github.com/tangzhangming/nebula/internal/bytecode"
)

// indirectIdxReg 间接调用下标的停靠寄存器
// 两个约定下都不是参数寄存器，也不与 RAX/R11 暂存对冲突
const indirectIdxReg = R10

// LoweredFunc 降级结果：每个基本块一段线性 LIR
type LoweredFunc struct {
	Fn     *bytecode.Function
	Class  FrameClassification
	Layout *FrameLayout
	Blocks [][]LIR
}

// Lower 把函数体降级成 LIR
func Lower(mod *bytecode.Module, fn *bytecode.Function, conv *CallingConv) (*LoweredFunc, error) {
	class := Classify(fn)
	layout := ComputeLayout(mod, fn, class, conv)

	lf := &LoweredFunc{
		Fn:     fn,
		Class:  class,
		Layout: layout,
		Blocks: make([][]LIR, len(fn.Blocks)),
	}

	for bi := range fn.Blocks {
		lo := &lowerer{mod: mod, fn: fn, layout: layout, conv: conv}
		if bi == 0 {
			lo.emitPrologueMoves()
		}
		if err := lo.lowerBlock(&fn.Blocks[bi]); err != nil {
			return nil, fmt.Errorf("func %s block %d: %w", fn.Name, bi, err)
		}
		lf.Blocks[bi] = lo.code
	}
	return lf, nil
}

// lowerer 单个基本块的降级状态
type lowerer struct {
	mod    *bytecode.Module
	fn     *bytecode.Function
	layout *FrameLayout
	conv   *CallingConv

	stack []Loc
	code  []LIR
}

func (lo *lowerer) emit(in LIR) {
	lo.code = append(lo.code, in)
}

func (lo *lowerer) emitMov(dst, src Loc) {
	lo.emit(LIR{Op: LIRMov, Dst: dst, A: src})
}

func (lo *lowerer) push(loc Loc) {
	lo.stack = append(lo.stack, loc)
}

func (lo *lowerer) pop() (Loc, error) {
	if len(lo.stack) == 0 {
		return Loc{}, fmt.Errorf("operand stack underflow")
	}
	loc := lo.stack[len(lo.stack)-1]
	lo.stack = lo.stack[:len(lo.stack)-1]
	return loc, nil
}

// emitPrologueMoves 发射入口块的参数搬运
// Regular 函数的寄存器参数归宿在槽位，入口处从参数寄存器搬入
func (lo *lowerer) emitPrologueMoves() {
	if lo.layout.Class != FrameRegular {
		return
	}
	entry := ArgLocs(&lo.fn.Sig, lo.conv)
	for i := range lo.fn.Sig.Params {
		home := lo.layout.HomeLoc(i)
		if entry[i].Kind == LocReg && home.Kind == LocSlot {
			lo.emitMov(home, entry[i])
		}
	}
}

func (lo *lowerer) lowerBlock(b *bytecode.Block) error {
	for ii := range b.Code {
		in := &b.Code[ii]
		if err := lo.lowerInstr(in); err != nil {
			return fmt.Errorf("instr %d (%s): %w", ii, in.Op, err)
		}
	}
	if len(lo.stack) != 0 {
		return fmt.Errorf("operand stack not empty at block end: depth %d", len(lo.stack))
	}
	return nil
}

func (lo *lowerer) lowerInstr(in *bytecode.Instr) error {
	switch in.Op {
	case bytecode.OpI32Const, bytecode.OpI64Const:
		lo.push(ImmLoc(in.Imm))

	case bytecode.OpLocalGet:
		// 复制一份：之后的 local.set 不能影响已经压栈的值
		home := lo.layout.HomeLoc(int(in.Imm))
		tmp := lo.layout.TempLoc(len(lo.stack))
		lo.emitMov(tmp, home)
		lo.push(tmp)

	case bytecode.OpLocalSet:
		v, err := lo.pop()
		if err != nil {
			return err
		}
		lo.emitMov(lo.layout.HomeLoc(int(in.Imm)), v)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
		bytecode.OpEq, bytecode.OpNe, bytecode.OpLtS, bytecode.OpLeS,
		bytecode.OpGtS, bytecode.OpGeS:
		b, err := lo.pop()
		if err != nil {
			return err
		}
		a, err := lo.pop()
		if err != nil {
			return err
		}
		dst := lo.layout.TempLoc(len(lo.stack))
		lo.emit(LIR{Op: LIRBin, ALU: aluFor(in.Op), Dst: dst, A: a, B: b})
		lo.push(dst)

	case bytecode.OpEqz:
		a, err := lo.pop()
		if err != nil {
			return err
		}
		dst := lo.layout.TempLoc(len(lo.stack))
		lo.emit(LIR{Op: LIRBin, ALU: ALUEq, Dst: dst, A: a, B: ImmLoc(0)})
		lo.push(dst)

	case bytecode.OpBr:
		lo.emit(LIR{Op: LIRBr, Then: in.Then})

	case bytecode.OpBrIf:
		c, err := lo.pop()
		if err != nil {
			return err
		}
		lo.emit(LIR{Op: LIRBrIf, A: c, Then: in.Then, Else: in.Else})

	case bytecode.OpReturn:
		if len(lo.fn.Sig.Results) > 0 {
			v, err := lo.pop()
			if err != nil {
				return err
			}
			lo.emitMov(RegLoc(lo.conv.RetReg), v)
		}
		lo.emit(LIR{Op: LIRRet})

	case bytecode.OpCall:
		return lo.lowerCall(in, &lo.mod.Funcs[in.Imm].Sig, false)

	case bytecode.OpReturnCall:
		return lo.lowerCall(in, &lo.mod.Funcs[in.Imm].Sig, true)

	case bytecode.OpCallIndirect:
		return lo.lowerCall(in, &lo.mod.Sigs[in.SigIndex], false)

	case bytecode.OpReturnCallIndirect:
		return lo.lowerCall(in, &lo.mod.Sigs[in.SigIndex], true)

	default:
		return fmt.Errorf("unsupported opcode %s", in.Op)
	}
	return nil
}

// lowerCall 降级四种调用类指令
func (lo *lowerer) lowerCall(in *bytecode.Instr, sig *bytecode.Signature, tail bool) error {
	indirect := in.Op == bytecode.OpCallIndirect || in.Op == bytecode.OpReturnCallIndirect

	// 表下标在实参之上
	var idx Loc
	if indirect {
		v, err := lo.pop()
		if err != nil {
			return err
		}
		idx = v
	}

	args := make([]Loc, len(sig.Params))
	for i := len(sig.Params) - 1; i >= 0; i-- {
		v, err := lo.pop()
		if err != nil {
			return err
		}
		args[i] = v
	}

	// 实参装配：常规调用的栈实参走传出实参区，尾调用的栈实参
	// 重定位到目标参数区（基准按栈实参数之差移位）
	entry := ArgLocs(sig, lo.conv)
	argShift := 0
	if tail {
		argShift = lo.layout.IncomingStackArgs() - StackArgSlots(sig, lo.conv)
	}

	moves := make([]Move, 0, len(args))
	for i, dst := range entry {
		if dst.Kind == LocArgSlot {
			if tail {
				dst = ArgSlotLoc(dst.Index + argShift)
			} else {
				dst = OutLoc(dst.Index)
			}
		}
		moves = append(moves, Move{Dst: dst, Src: args[i]})
	}
	staged := ResolveMoves(moves, lo.layout.ScratchLoc(), lo.layout.SameStorage)

	// 表下标先停靠到 R10：分发判定发生在实参装配之前，
	// R10 不进临时池，赋值不会破坏任何待装配的源
	if indirect {
		lo.emitMov(RegLoc(indirectIdxReg), idx)
	}

	switch {
	case tail && indirect:
		lo.emit(LIR{Op: LIRTailJumpIndirect, A: RegLoc(indirectIdxReg),
			Table: in.Table, SigIndex: in.SigIndex, ArgShift: argShift, Moves: staged})
	case tail:
		lo.emit(LIR{Op: LIRTailJump, Func: int(in.Imm), ArgShift: argShift, Moves: staged})
	case indirect:
		lo.emit(LIR{Op: LIRCallIndirect, A: RegLoc(indirectIdxReg),
			Table: in.Table, SigIndex: in.SigIndex, Moves: staged})
	default:
		lo.emit(LIR{Op: LIRCall, Func: int(in.Imm), Moves: staged})
	}

	if !tail && len(sig.Results) > 0 {
		// 返回值从返回寄存器搬到临时位置，RAX 不在临时池里
		tmp := lo.layout.TempLoc(len(lo.stack))
		lo.emitMov(tmp, RegLoc(lo.conv.RetReg))
		lo.push(tmp)
	}
	return nil
}

// ArgLocs 返回签名每个参数在被调方入口坐标下的传递位置：
// 参数寄存器或参数区槽位 ArgSlot(j)
func ArgLocs(sig *bytecode.Signature, conv *CallingConv) []Loc {
	locs := make([]Loc, len(sig.Params))
	intIdx, floatIdx, stackIdx := 0, 0, 0
	for i, p := range sig.Params {
		regs := conv.ArgRegs(RegClassInt)
		idx := &intIdx
		if p.IsFloat() {
			regs = conv.ArgRegs(RegClassFloat)
			idx = &floatIdx
		}
		if *idx < len(regs) {
			locs[i] = RegLoc(regs[*idx])
			*idx++
		} else {
			locs[i] = ArgSlotLoc(stackIdx)
			stackIdx++
		}
	}
	return locs
}

// aluFor 操作码到 ALU 操作的映射
func aluFor(op bytecode.Opcode) ALUOp {
	switch op {
	case bytecode.OpAdd:
		return ALUAdd
	case bytecode.OpSub:
		return ALUSub
	case bytecode.OpMul:
		return ALUMul
	case bytecode.OpEq:
		return ALUEq
	case bytecode.OpNe:
		return ALUNe
	case bytecode.OpLtS:
		return ALULtS
	case bytecode.OpLeS:
		return ALULeS
	case bytecode.OpGtS:
		return ALUGtS
	case bytecode.OpGeS:
		return ALUGeS
	}
	return ALUAdd
}
