// shuffle.go - 平行移动求解器
//
// 尾调用的实参重定位是一个平行移动问题：实参 i 的源位置可能正是
// 实参 j (j > i) 的目标槽位，原地顺序写入会在读取前破坏数据。
// 求解方式：把赋值集合看作目标位置上的依赖图，按拓扑顺序输出
// 无冲突的赋值；剩下的都是环，用一个暂存位置拆开。
//
// 这是寄存器分配里的标准技术，与尾调用无关，因此做成独立工具，
// 常规调用的实参装配也走同一条路径。

package codegen

// Move 平行移动中的单个赋值
type Move struct {
	Dst Loc
	Src Loc
}

// ResolveMoves 把一组语义上同时发生的赋值序列化成安全的顺序执行序列
//
// same 判断两个位置是否重叠到同一存储，只用于冲突排序和拆环。
// 自赋值只按位置完全相等丢弃：跨种类重叠（重定位后的参数区槽位
// 与当前帧槽位落在同一偏移）仍然要发射，消费方各自决定它是否
// 退化为空操作。scratch 是保证不与任何源/目标重叠的暂存位置。
func ResolveMoves(moves []Move, scratch Loc, same func(a, b Loc) bool) []Move {
	// 丢弃字面自赋值
	pending := make([]Move, 0, len(moves))
	for _, m := range moves {
		if m.Dst == m.Src {
			continue
		}
		pending = append(pending, m)
	}

	out := make([]Move, 0, len(pending)+1)
	for len(pending) > 0 {
		emitted := false
		for i, m := range pending {
			if dstIsPendingSource(pending, i, m.Dst, same) {
				continue
			}
			out = append(out, m)
			pending = append(pending[:i], pending[i+1:]...)
			emitted = true
			break
		}
		if emitted {
			continue
		}

		// 只剩环：把任意一个目标的当前值搬进暂存位置，
		// 改写引用它的源，环随之断开
		saved := pending[0].Dst
		out = append(out, Move{Dst: scratch, Src: saved})
		for i := range pending {
			if pending[i].Src.Kind != LocImm && same(pending[i].Src, saved) {
				pending[i].Src = scratch
			}
		}
	}
	return out
}

// dstIsPendingSource 检查目标位置是否仍与其它未执行赋值的源重叠
func dstIsPendingSource(pending []Move, self int, dst Loc, same func(a, b Loc) bool) bool {
	for i, m := range pending {
		if i == self || m.Src.Kind == LocImm {
			continue
		}
		if same(m.Src, dst) {
			return true
		}
	}
	return false
}

// SameStorage 判断两个位置是否解析到同一存储
//
// 寄存器按编号比较；帧内存（槽位、参数区、传出实参区）统一按
// rbp 偏移比较，布局保证三个区域互不重叠。
func (l *FrameLayout) SameStorage(a, b Loc) bool {
	aMem := a.Kind == LocSlot || a.Kind == LocArgSlot || a.Kind == LocOut
	bMem := b.Kind == LocSlot || b.Kind == LocArgSlot || b.Kind == LocOut
	if aMem && bMem {
		return l.Offset(a) == l.Offset(b)
	}
	return a.Kind == LocReg && b.Kind == LocReg && a.Reg == b.Reg
}
