// layout.go - 帧布局计算器
//
// 输入：帧分类、函数的参数/局部变量/结果类型表、所有调用点的实参
// 情况、目标调用约定参数。输出：具体的帧布局。
//
// 布局规则（基线代码生成器，不做跨调用的寄存器分配）：
// - Regular 函数：参数和局部变量全部落在帧槽位，调用不会破坏它们
// - Leaf / TailCallOnly 函数：寄存器传入的参数留在参数寄存器里，
//   栈传入的参数留在调用方写好的参数区槽位里，局部变量落槽位
// - 操作数栈临时值优先用调用者保存寄存器池，超出部分溢出到槽位
// - RAX/R11 保留为降级阶段的暂存对，R10 保留给间接分发下标，
//   三者都不进临时池
//
// 本阶段永不失败：不支持帧复用的约定只会得到 elidable=false。

package codegen

import "github.com/tangzhangming/nebula/internal/bytecode"

// FrameLayout 帧布局
type FrameLayout struct {
	Class FrameClassification
	Conv  *CallingConv

	// IncomingArgsSize 栈传入实参区大小（字节）
	IncomingArgsSize int

	// OutgoingArgsSize 所有调用点栈实参需求的最大值（字节），
	// Windows x64 下存在常规调用时额外计入 shadow space
	OutgoingArgsSize int

	// StackSlotsSize 槽位区大小（字节）：不能活在寄存器里的
	// 局部变量 + 溢出的操作数栈临时值
	StackSlotsSize int

	// CalleeSaved 布局实际占用的被调用者保存寄存器。
	// 基线生成器只使用调用者保存寄存器，集合为空；字段保留给
	// 做跨调用寄存器分配的约定。
	CalleeSaved []Reg

	// Elidable 帧是否可以被尾调用原地复用
	Elidable bool

	// Frameless 是否完全不建帧（序言为空，[rsp] 即返回地址）
	Frameless bool

	paramLocs     []Loc
	localLocs     []Loc
	tempPool      []Reg
	tempSlotBase  int
	scratchSlot   int // -1 表示没有保留打乱暂存槽
	numSlots      int
	incomingStack int // 栈传入实参槽数
}

// ComputeLayout 计算函数的帧布局
func ComputeLayout(mod *bytecode.Module, fn *bytecode.Function, class FrameClassification, conv *CallingConv) *FrameLayout {
	l := &FrameLayout{
		Class:       class,
		Conv:        conv,
		scratchSlot: -1,
	}

	slotCount := 0

	// 参数归宿
	intIdx, floatIdx, stackIdx := 0, 0, 0
	l.paramLocs = make([]Loc, len(fn.Sig.Params))
	for i, p := range fn.Sig.Params {
		regs := conv.ArgRegs(RegClassInt)
		idx := &intIdx
		if p.IsFloat() {
			regs = conv.ArgRegs(RegClassFloat)
			idx = &floatIdx
		}
		if *idx < len(regs) {
			reg := regs[*idx]
			*idx++
			if class == FrameRegular {
				// 常规调用会破坏参数寄存器，序言把参数搬进槽位
				l.paramLocs[i] = SlotLoc(slotCount)
				slotCount++
			} else {
				l.paramLocs[i] = RegLoc(reg)
			}
		} else {
			// 栈传入的参数留在调用方写好的槽位里
			l.paramLocs[i] = ArgSlotLoc(stackIdx)
			stackIdx++
		}
	}
	l.incomingStack = stackIdx

	// 局部变量全部落槽位
	l.localLocs = make([]Loc, len(fn.Locals))
	for i := range fn.Locals {
		l.localLocs[i] = SlotLoc(slotCount)
		slotCount++
	}

	// 操作数栈临时池：调用者保存寄存器，扣掉暂存对（RAX/R11）、
	// 间接分发下标寄存器（R10）和参数归宿
	if class != FrameRegular {
		used := make(map[Reg]bool)
		for _, loc := range l.paramLocs {
			if loc.Kind == LocReg {
				used[loc.Reg] = true
			}
		}
		for _, r := range conv.CallerSaved {
			if r == RAX || r == R10 || r == R11 || used[r] {
				continue
			}
			l.tempPool = append(l.tempPool, r)
		}
	}

	// 调用点与操作数栈深度扫描
	maxDepth, maxOutStack := 0, 0
	hasRegularSite, hasTailSite := false, false
	for bi := range fn.Blocks {
		depth := 0
		for ii := range fn.Blocks[bi].Code {
			in := &fn.Blocks[bi].Code[ii]
			switch in.Op {
			case bytecode.OpI32Const, bytecode.OpI64Const, bytecode.OpLocalGet:
				depth++
			case bytecode.OpLocalSet, bytecode.OpBrIf,
				bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
				bytecode.OpEq, bytecode.OpNe, bytecode.OpLtS, bytecode.OpLeS,
				bytecode.OpGtS, bytecode.OpGeS:
				depth--
			case bytecode.OpEqz, bytecode.OpBr:
				// 深度不变
			case bytecode.OpReturn:
				depth -= len(fn.Sig.Results)
			case bytecode.OpCall, bytecode.OpReturnCall,
				bytecode.OpCallIndirect, bytecode.OpReturnCallIndirect:
				sig := callSiteSig(mod, in)
				if in.Op == bytecode.OpCallIndirect || in.Op == bytecode.OpReturnCallIndirect {
					depth-- // 表下标操作数
				}
				depth -= len(sig.Params)
				st := StackArgSlots(sig, conv)
				if st > maxOutStack {
					maxOutStack = st
				}
				if in.Op.IsReturnCall() {
					hasTailSite = true
				} else {
					hasRegularSite = true
					depth += len(sig.Results)
				}
			}
			if depth > maxDepth {
				maxDepth = depth
			}
		}
	}

	// 临时值溢出槽
	tempSlots := maxDepth
	if class != FrameRegular {
		tempSlots = maxDepth - len(l.tempPool)
		if tempSlots < 0 {
			tempSlots = 0
		}
	}
	l.tempSlotBase = slotCount
	slotCount += tempSlots

	out := maxOutStack * conv.SlotWidth
	if hasRegularSite {
		out += conv.ShadowSpace
	}

	l.StackSlotsSize = slotCount * conv.SlotWidth
	l.OutgoingArgsSize = out
	l.IncomingArgsSize = l.incomingStack * conv.SlotWidth

	l.Elidable = class == FrameTailCallOnly &&
		l.OutgoingArgsSize == 0 &&
		l.StackSlotsSize == 0 &&
		conv.SupportsFrameElision

	// 非复用帧里的尾调用需要一个打乱暂存槽来拆环
	if hasTailSite && !l.Elidable {
		l.scratchSlot = slotCount
		slotCount++
	}
	l.numSlots = slotCount

	l.Frameless = l.Elidable ||
		(class == FrameLeaf && l.numSlots == 0 && l.OutgoingArgsSize == 0)

	return l
}

// callSiteSig 返回调用点的目标签名
// 直接调用取目标函数签名，间接调用取调用点声明的签名
func callSiteSig(mod *bytecode.Module, in *bytecode.Instr) *bytecode.Signature {
	if in.Op == bytecode.OpCall || in.Op == bytecode.OpReturnCall {
		return &mod.Funcs[in.Imm].Sig
	}
	return &mod.Sigs[in.SigIndex]
}

// StackArgSlots 计算签名按约定需要的栈实参槽数
// 整数与浮点寄存器池独立计数
func StackArgSlots(sig *bytecode.Signature, conv *CallingConv) int {
	ints, floats := 0, 0
	for _, p := range sig.Params {
		if p.IsFloat() {
			floats++
		} else {
			ints++
		}
	}
	slots := 0
	if n := ints - len(conv.IntArgRegs); n > 0 {
		slots += n
	}
	if n := floats - len(conv.FloatArgRegs); n > 0 {
		slots += n
	}
	return slots
}

// ============================================================================
// 位置解析
// ============================================================================

// HomeLoc 返回第 i 个局部槽位（参数在前，局部变量在后）的归宿
func (l *FrameLayout) HomeLoc(i int) Loc {
	if i < len(l.paramLocs) {
		return l.paramLocs[i]
	}
	return l.localLocs[i-len(l.paramLocs)]
}

// TempLoc 返回操作数栈位置 pos 的临时存储
func (l *FrameLayout) TempLoc(pos int) Loc {
	if pos < len(l.tempPool) {
		return RegLoc(l.tempPool[pos])
	}
	return SlotLoc(l.tempSlotBase + pos - len(l.tempPool))
}

// ScratchLoc 返回参数打乱的拆环暂存位置
// 可复用帧没有槽位区，用 R11；其余情况用保留槽
func (l *FrameLayout) ScratchLoc() Loc {
	if l.scratchSlot >= 0 {
		return SlotLoc(l.scratchSlot)
	}
	return RegLoc(R11)
}

// IncomingStackArgs 返回栈传入实参槽数
func (l *FrameLayout) IncomingStackArgs() int {
	return l.incomingStack
}

// NumSlots 返回槽位区总槽数（含打乱暂存槽）
func (l *FrameLayout) NumSlots() int {
	return l.numSlots
}

// FrameBytes 返回序言需要分配的帧大小（对齐后）
func (l *FrameLayout) FrameBytes() int {
	if l.Frameless {
		return 0
	}
	raw := l.numSlots*l.Conv.SlotWidth + l.OutgoingArgsSize
	align := l.Conv.StackAlign
	return (raw + align - 1) &^ (align - 1)
}

// Offset 返回位置相对 rbp 的字节偏移
func (l *FrameLayout) Offset(loc Loc) int32 {
	switch loc.Kind {
	case LocSlot:
		return int32(-(loc.Index + 1) * l.Conv.SlotWidth)
	case LocArgSlot:
		// 返回地址与保存 rbp 之上是调用方留的 shadow space，
		// 栈实参在 shadow space 之上
		return int32(16 + l.Conv.ShadowSpace + loc.Index*l.Conv.SlotWidth)
	case LocOut:
		// 栈实参位于 shadow space 之上
		return int32(-l.FrameBytes() + l.Conv.ShadowSpace + loc.Index*l.Conv.SlotWidth)
	}
	return 0
}
