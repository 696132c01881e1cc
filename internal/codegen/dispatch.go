// dispatch.go - 间接分发判定
//
// 间接调用（含间接尾跳转）的运行时判定逻辑。检查顺序固定：
// 1. 下标越界          -> table out of bounds
// 2. 表项为空          -> uninitialized element
// 3. 签名不一致        -> indirect call type mismatch
//
// 签名检查先比较规范化 ID（xxhash），再做结构化比较兜底，
// 排除哈希碰撞导致的误放行。
//
// 判定结果与调用形式无关：常规间接调用和间接尾跳转使用完全相同
// 的判定，差别只在判定通过后的控制转移方式。执行器直接调用本
// 函数；机器码路径通过运行时助手（table_dispatch 重定位）进入
// 同一逻辑。

package codegen

import "github.com/tangzhangming/nebula/internal/bytecode"

// DispatchIndirect 解析一次间接调用
//
// idx 按无符号 32 位解释。判定通过时返回目标函数；失败时返回
// 对应的陷阱原因，ok 为 false。
func DispatchIndirect(mod *bytecode.Module, tableIdx, sigIndex int, idx int64) (*bytecode.Function, bytecode.TrapKind, bool) {
	t := mod.Tables[tableIdx]

	if idx < 0 || idx >= int64(t.Len()) {
		return nil, bytecode.TrapTableOutOfBounds, false
	}
	fn, inBounds := t.Get(uint32(idx))
	if !inBounds {
		return nil, bytecode.TrapTableOutOfBounds, false
	}
	if fn == nil {
		return nil, bytecode.TrapUninitializedElement, false
	}

	want := &mod.Sigs[sigIndex]
	if fn.Sig.ID() != want.ID() || !fn.Sig.Equal(want) {
		return nil, bytecode.TrapIndirectCallTypeMismatch, false
	}
	return fn, 0, true
}
