// machine.go - LIR 抽象机
//
// 按调用约定语义解释执行降级结果，与机器码路径共享同一份 LIR 和
// 同一套分发判定。抽象机用来验证降级语义，特别是下面两条性质：
// 1. 尾跳转原地替换栈顶帧，链式尾调用的帧深度是 O(1)
// 2. 诊断回溯来自存活帧链，被复用丢弃的帧不出现在回溯中
//
// 状态模型：
// - 全局寄存器文件：尾跳转和常规调用之间寄存器天然共享
// - 每帧一份槽位区（[rbp-...]）和传出实参区（[rsp+...]）
// - 参数区带基准偏移：尾跳转目标需要更多栈实参时向前生长，
//   对应机器码路径里实参区越过返回地址槽向下扩展

package exec

import (
	"fmt"

	"github.com/tangzhangming/nebula/internal/bytecode"
	"github.com/tangzhangming/nebula/internal/codegen"
)

// Machine LIR 抽象机
type Machine struct {
	cm       *codegen.CompiledModule
	maxDepth int

	regs   [32]uint64
	frames []*frame
}

// frame 单个活动帧
type frame struct {
	cf *codegen.CompiledFunc

	slots []uint64 // 槽位区
	out   []uint64 // 传出实参区

	args    []uint64 // 参数区，args[base+k] 对应 ArgSlot(k)
	argBase int

	block int
	pc    int
}

// NewMachine 创建抽象机
// maxDepth 是帧深度预算，超出时产生 stack exhausted 陷阱
func NewMachine(cm *codegen.CompiledModule, maxDepth int) *Machine {
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	return &Machine{cm: cm, maxDepth: maxDepth}
}

// Call 调用模块内函数并运行到完成
func (m *Machine) Call(name string, args ...uint64) (uint64, error) {
	fn, ok := m.cm.Module.FuncByName(name)
	if !ok {
		return 0, fmt.Errorf("unknown function: %s", name)
	}
	return m.CallIndex(fn.Index, args...)
}

// CallIndex 按函数下标调用
func (m *Machine) CallIndex(index int, args ...uint64) (uint64, error) {
	cf := m.cm.Funcs[index]
	if len(args) != len(cf.Fn.Sig.Params) {
		return 0, fmt.Errorf("func %s: want %d args, got %d", cf.Fn.Name, len(cf.Fn.Sig.Params), len(args))
	}

	m.regs = [32]uint64{}
	m.frames = m.frames[:0]

	f := m.newFrame(cf)
	for i, loc := range codegen.ArgLocs(&cf.Fn.Sig, m.cm.Conv) {
		if loc.Kind == codegen.LocReg {
			m.regs[loc.Reg] = args[i]
		} else {
			f.args[f.argBase+loc.Index] = args[i]
		}
	}
	m.frames = append(m.frames, f)

	if err := m.run(); err != nil {
		return 0, err
	}
	return m.regs[m.cm.Conv.RetReg], nil
}

// Depth 返回当前帧深度
func (m *Machine) Depth() int {
	return len(m.frames)
}

// Backtrace 返回存活帧链的诊断记录，最内层在前
func (m *Machine) Backtrace() []bytecode.FrameRecord {
	records := make([]bytecode.FrameRecord, 0, len(m.frames))
	for i := len(m.frames) - 1; i >= 0; i-- {
		fn := m.frames[i].cf.Fn
		records = append(records, bytecode.FrameRecord{FuncIndex: fn.Index, FuncName: fn.Name})
	}
	return records
}

func (m *Machine) newFrame(cf *codegen.CompiledFunc) *frame {
	layout := cf.Layout
	stackArgs := layout.IncomingStackArgs()
	return &frame{
		cf:    cf,
		slots: make([]uint64, layout.NumSlots()),
		out:   make([]uint64, layout.OutgoingArgsSize/m.cm.Conv.SlotWidth),
		args:  make([]uint64, stackArgs),
	}
}

func (m *Machine) trap(kind bytecode.TrapKind) *bytecode.Trap {
	return bytecode.NewTrap(kind, m.Backtrace())
}

// ============================================================================
// 执行循环
// ============================================================================

func (m *Machine) run() error {
	for len(m.frames) > 0 {
		f := m.frames[len(m.frames)-1]
		block := f.cf.Blocks[f.block]
		if f.pc >= len(block) {
			return fmt.Errorf("func %s: fell off block %d", f.cf.Fn.Name, f.block)
		}
		in := &block[f.pc]

		switch in.Op {
		case codegen.LIRMov:
			m.write(f, in.Dst, m.read(f, in.A))
			f.pc++

		case codegen.LIRBin:
			m.write(f, in.Dst, evalALU(in.ALU, m.read(f, in.A), m.read(f, in.B)))
			f.pc++

		case codegen.LIRBr:
			f.block, f.pc = in.Then, 0

		case codegen.LIRBrIf:
			if m.read(f, in.A) != 0 {
				f.block, f.pc = in.Then, 0
			} else {
				f.block, f.pc = in.Else, 0
			}

		case codegen.LIRRet:
			m.frames = m.frames[:len(m.frames)-1]
			if len(m.frames) > 0 {
				m.frames[len(m.frames)-1].pc++
			}

		case codegen.LIRCall:
			if err := m.call(f, in, m.cm.Funcs[in.Func]); err != nil {
				return err
			}

		case codegen.LIRCallIndirect:
			target, err := m.dispatch(f, in)
			if err != nil {
				return err
			}
			if err := m.call(f, in, target); err != nil {
				return err
			}

		case codegen.LIRTailJump:
			m.tailJump(f, in, m.cm.Funcs[in.Func])

		case codegen.LIRTailJumpIndirect:
			target, err := m.dispatch(f, in)
			if err != nil {
				return err
			}
			m.tailJump(f, in, target)

		default:
			return fmt.Errorf("func %s: unsupported lir op %d", f.cf.Fn.Name, in.Op)
		}
	}
	return nil
}

// dispatch 间接分发判定，与机器码路径的辅助例程共用同一逻辑
func (m *Machine) dispatch(f *frame, in *codegen.LIR) (*codegen.CompiledFunc, error) {
	idx := int64(m.read(f, in.A))
	fn, kind, ok := codegen.DispatchIndirect(m.cm.Module, in.Table, in.SigIndex, idx)
	if !ok {
		return nil, m.trap(kind)
	}
	return m.cm.Funcs[fn.Index], nil
}

// call 常规调用：装配实参，压入新帧
func (m *Machine) call(f *frame, in *codegen.LIR, target *codegen.CompiledFunc) error {
	if len(m.frames) >= m.maxDepth {
		return m.trap(bytecode.TrapStackExhausted)
	}
	m.execMoves(f, in.Moves)

	nf := m.newFrame(target)
	// 被调方的栈实参从传出实参区拷入
	for k := range nf.args {
		nf.args[k] = f.out[k]
	}
	m.frames = append(m.frames, nf)
	return nil
}

// tailJump 尾跳转：装配实参后原地替换栈顶帧，深度不变
func (m *Machine) tailJump(f *frame, in *codegen.LIR, target *codegen.CompiledFunc) {
	m.execMoves(f, in.Moves)

	// 目标参数区就是重定基准后的当前参数区
	nf := &frame{
		cf:      target,
		slots:   make([]uint64, target.Layout.NumSlots()),
		out:     make([]uint64, target.Layout.OutgoingArgsSize/m.cm.Conv.SlotWidth),
		args:    f.args,
		argBase: f.argBase + in.ArgShift,
	}
	m.frames[len(m.frames)-1] = nf
}

func (m *Machine) execMoves(f *frame, moves []codegen.Move) {
	for _, mv := range moves {
		m.write(f, mv.Dst, m.read(f, mv.Src))
	}
}

// ============================================================================
// 位置读写
// ============================================================================

func (m *Machine) read(f *frame, loc codegen.Loc) uint64 {
	switch loc.Kind {
	case codegen.LocReg:
		return m.regs[loc.Reg]
	case codegen.LocSlot:
		return f.slots[loc.Index]
	case codegen.LocArgSlot:
		return f.args[f.argBase+loc.Index]
	case codegen.LocOut:
		return f.out[loc.Index]
	case codegen.LocImm:
		return uint64(loc.Imm)
	}
	panic(fmt.Sprintf("read from invalid location %s", loc))
}

func (m *Machine) write(f *frame, loc codegen.Loc, v uint64) {
	switch loc.Kind {
	case codegen.LocReg:
		m.regs[loc.Reg] = v
	case codegen.LocSlot:
		f.slots[loc.Index] = v
	case codegen.LocArgSlot:
		// 增长情形：目标参数区向前越过当前参数区起点
		for f.argBase+loc.Index < 0 {
			f.args = append([]uint64{0}, f.args...)
			f.argBase++
		}
		if n := f.argBase + loc.Index; n >= len(f.args) {
			f.args = append(f.args, make([]uint64, n-len(f.args)+1)...)
		}
		f.args[f.argBase+loc.Index] = v
	case codegen.LocOut:
		f.out[loc.Index] = v
	default:
		panic(fmt.Sprintf("write to invalid location %s", loc))
	}
}

// evalALU 64 位算术与有符号比较
func evalALU(op codegen.ALUOp, a, b uint64) uint64 {
	switch op {
	case codegen.ALUAdd:
		return a + b
	case codegen.ALUSub:
		return a - b
	case codegen.ALUMul:
		return a * b
	case codegen.ALUEq:
		return b2u(a == b)
	case codegen.ALUNe:
		return b2u(a != b)
	case codegen.ALULtS:
		return b2u(int64(a) < int64(b))
	case codegen.ALULeS:
		return b2u(int64(a) <= int64(b))
	case codegen.ALUGtS:
		return b2u(int64(a) > int64(b))
	case codegen.ALUGeS:
		return b2u(int64(a) >= int64(b))
	}
	return 0
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
