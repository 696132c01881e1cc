// classify.go - 调用点分类器
//
// 对函数体做一次扫描，产出唯一的帧分类。
//
// 一个函数只有一种帧布局，所有出口路径共享：函数不可能在一条分支
// 上用复用帧、在另一条分支上用完整帧。因此任何位置出现一个常规
// 调用（哪怕紧跟 return、哪怕尾调用在热路径上）都会让整个函数
// 使用标准帧。

package codegen

import "github.com/tangzhangming/nebula/internal/bytecode"

// FrameClassification 帧分类
type FrameClassification int

const (
	// FrameLeaf 函数体内没有任何调用类指令
	FrameLeaf FrameClassification = iota

	// FrameRegular 至少存在一个常规调用（可能同时存在尾调用）
	FrameRegular

	// FrameTailCallOnly 调用类指令全部是尾调用
	FrameTailCallOnly
)

// String 返回分类名称
func (c FrameClassification) String() string {
	switch c {
	case FrameLeaf:
		return "leaf"
	case FrameRegular:
		return "regular"
	case FrameTailCallOnly:
		return "tail-call-only"
	}
	return "???"
}

// Classify 扫描函数体，产出帧分类
//
// 访问所有基本块（所有分支，不只是单条路径）。分类永不失败：
// 操作数数量和类型错误由上游验证阶段拦截。
func Classify(fn *bytecode.Function) FrameClassification {
	hasRegular := false
	hasTail := false

	for i := range fn.Blocks {
		for j := range fn.Blocks[i].Code {
			op := fn.Blocks[i].Code[j].Op
			if !op.IsCall() {
				continue
			}
			if op.IsReturnCall() {
				hasTail = true
			} else {
				hasRegular = true
			}
		}
	}

	switch {
	case !hasRegular && !hasTail:
		return FrameLeaf
	case hasRegular:
		return FrameRegular
	default:
		return FrameTailCallOnly
	}
}
