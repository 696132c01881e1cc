// trap.go - 运行时陷阱
//
// 编译期各阶段（分类、布局、调用点降级）不会失败：没有合法帧复用
// 条件时退回到总是正确的标准调用序列。陷阱只在运行时产生：
// 1. 间接分发的三种检查失败
// 2. 原生栈深度超出预算
//
// 陷阱是同步的、当前执行不可恢复的失败，带区分原因的 Kind，
// 由外层运行时决定捕获边界。

package bytecode

import (
	"fmt"
	"strings"
)

// ============================================================================
// 陷阱类型
// ============================================================================

// TrapKind 陷阱原因
type TrapKind int

const (
	// TrapTableOutOfBounds 间接调用下标超出表长度
	TrapTableOutOfBounds TrapKind = iota

	// TrapUninitializedElement 间接调用命中空表项
	TrapUninitializedElement

	// TrapIndirectCallTypeMismatch 表项签名与调用点声明签名不一致
	TrapIndirectCallTypeMismatch

	// TrapStackExhausted 原生栈深度超出预算
	TrapStackExhausted
)

// String 返回陷阱原因名称
func (k TrapKind) String() string {
	switch k {
	case TrapTableOutOfBounds:
		return "table out of bounds"
	case TrapUninitializedElement:
		return "uninitialized element"
	case TrapIndirectCallTypeMismatch:
		return "indirect call type mismatch"
	case TrapStackExhausted:
		return "stack exhausted"
	}
	return "unknown trap"
}

// ============================================================================
// 诊断栈帧记录
// ============================================================================

// FrameRecord 诊断回溯中的一帧
//
// 被帧复用尾调用丢弃的帧不会出现在记录中：帧的存储在被调方运行时
// 已经被释放或复用，该信息不可恢复。这是有意为之的信息丢失，
// 不是缺陷；回溯只包含未被丢弃的祖先帧链。
type FrameRecord struct {
	FuncIndex int
	FuncName  string
}

// ============================================================================
// 陷阱
// ============================================================================

// Trap 运行时陷阱
type Trap struct {
	Kind      TrapKind
	Backtrace []FrameRecord // 陷阱发生时的存活帧链（最内层在前）
}

// NewTrap 创建陷阱
func NewTrap(kind TrapKind, backtrace []FrameRecord) *Trap {
	return &Trap{Kind: kind, Backtrace: backtrace}
}

// Error 实现 error 接口
func (t *Trap) Error() string {
	if len(t.Backtrace) == 0 {
		return fmt.Sprintf("trap: %s", t.Kind)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "trap: %s\n", t.Kind)
	for i, fr := range t.Backtrace {
		fmt.Fprintf(&b, "  #%d %s (func %d)\n", i, fr.FuncName, fr.FuncIndex)
	}
	return b.String()
}

// AsTrap 从 error 中提取陷阱
func AsTrap(err error) (*Trap, bool) {
	t, ok := err.(*Trap)
	return t, ok
}
