// types.go - 值类型与函数签名
//
// 本文件定义了字节码层的类型系统：
// 1. 值类型：i32 / i64 / f32 / f64 / funcref
// 2. 函数签名：有序参数类型 + 有序结果类型
// 3. 签名的规范化 ID：用于间接调用的快速类型检查
//
// 签名比较只做结构化相等（参数和结果逐位相同），没有子类型关系。

package bytecode

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// 值类型
// ============================================================================

// ValueType 值类型
type ValueType byte

const (
	I32 ValueType = iota
	I64
	F32
	F64
	FuncRef
)

// String 返回类型名称
func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case FuncRef:
		return "funcref"
	}
	return "???"
}

// IsFloat 检查是否属于浮点寄存器类别
// 参数寄存器按整数/浮点两个独立池子计数
func (t ValueType) IsFloat() bool {
	return t == F32 || t == F64
}

// ============================================================================
// 函数签名
// ============================================================================

// Signature 函数签名：有序参数类型 + 有序结果类型
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// Equal 结构化相等比较
func (s *Signature) Equal(o *Signature) bool {
	if len(s.Params) != len(o.Params) || len(s.Results) != len(o.Results) {
		return false
	}
	for i, p := range s.Params {
		if o.Params[i] != p {
			return false
		}
	}
	for i, r := range s.Results {
		if o.Results[i] != r {
			return false
		}
	}
	return true
}

// ID 计算签名的规范化 64 位 ID
//
// 间接调用的类型检查先比较 ID，再做结构化比较兜底。
// 编码方式：参数个数 + 参数类型字节 + 分隔符 + 结果类型字节。
func (s *Signature) ID() uint64 {
	buf := make([]byte, 0, len(s.Params)+len(s.Results)+2)
	buf = append(buf, byte(len(s.Params)))
	for _, p := range s.Params {
		buf = append(buf, byte(p))
	}
	buf = append(buf, 0xFF)
	for _, r := range s.Results {
		buf = append(buf, byte(r))
	}
	return xxhash.Sum64(buf)
}

// String 返回可读形式，如 "(i32, i32) -> i32"
func (s *Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range s.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteByte(')')
	return b.String()
}
