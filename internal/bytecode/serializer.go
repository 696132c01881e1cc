// serializer.go - 模块序列化器
//
// 本文件实现了 .nbx 模块文件的写出。
// 文件布局（小端序）：
//
//	Magic (4 bytes) "NBX\0"
//	Version (2 bytes)
//	签名表：count u16, 每项 [paramCount u8, types..., resultCount u8, types...]
//	函数表：count u32, 每项 [nameLen u16, name, 内联签名, localCount u16, types...,
//	        blockCount u16, 每块 instrCount u16 + 定长指令记录]
//	表：count u16, 每项 [length u32, initCount u32, (slot u32, funcIndex u32)...]
//
// 指令记录定长 18 字节：op u8, type u8, table u16, sigIndex u16,
// then u16, else u16, imm i64。

package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// 文件格式常量
const (
	MagicNumber   = "NBX\x00"
	FormatVersion = uint16(1)
)

// Serializer 模块序列化器
type Serializer struct {
	buf *bytes.Buffer
}

// NewSerializer 创建序列化器
func NewSerializer() *Serializer {
	return &Serializer{buf: new(bytes.Buffer)}
}

// Serialize 序列化模块
func (s *Serializer) Serialize(mod *Module) ([]byte, error) {
	s.buf.WriteString(MagicNumber)
	s.writeU16(FormatVersion)

	// 签名表
	if len(mod.Sigs) > 0xFFFF {
		return nil, fmt.Errorf("too many signatures: %d", len(mod.Sigs))
	}
	s.writeU16(uint16(len(mod.Sigs)))
	for i := range mod.Sigs {
		s.writeSignature(&mod.Sigs[i])
	}

	// 函数表
	s.writeU32(uint32(len(mod.Funcs)))
	for _, fn := range mod.Funcs {
		if err := s.writeFunction(fn); err != nil {
			return nil, err
		}
	}

	// 函数引用表
	if len(mod.Tables) > 0xFFFF {
		return nil, fmt.Errorf("too many tables: %d", len(mod.Tables))
	}
	s.writeU16(uint16(len(mod.Tables)))
	for _, table := range mod.Tables {
		s.writeTable(table)
	}

	return s.buf.Bytes(), nil
}

func (s *Serializer) writeSignature(sig *Signature) {
	s.buf.WriteByte(byte(len(sig.Params)))
	for _, p := range sig.Params {
		s.buf.WriteByte(byte(p))
	}
	s.buf.WriteByte(byte(len(sig.Results)))
	for _, r := range sig.Results {
		s.buf.WriteByte(byte(r))
	}
}

func (s *Serializer) writeFunction(fn *Function) error {
	if len(fn.Name) > 0xFFFF {
		return fmt.Errorf("function name too long: %d bytes", len(fn.Name))
	}
	s.writeU16(uint16(len(fn.Name)))
	s.buf.WriteString(fn.Name)
	s.writeSignature(&fn.Sig)

	if len(fn.Locals) > 0xFFFF {
		return fmt.Errorf("too many locals: %d", len(fn.Locals))
	}
	s.writeU16(uint16(len(fn.Locals)))
	for _, l := range fn.Locals {
		s.buf.WriteByte(byte(l))
	}

	if len(fn.Blocks) > 0xFFFF {
		return fmt.Errorf("too many blocks: %d", len(fn.Blocks))
	}
	s.writeU16(uint16(len(fn.Blocks)))
	for i := range fn.Blocks {
		block := &fn.Blocks[i]
		if len(block.Code) > 0xFFFF {
			return fmt.Errorf("block %d too long: %d instrs", i, len(block.Code))
		}
		s.writeU16(uint16(len(block.Code)))
		for j := range block.Code {
			if err := s.writeInstr(&block.Code[j]); err != nil {
				return fmt.Errorf("block %d instr %d: %w", i, j, err)
			}
		}
	}
	return nil
}

// writeInstr 写出定长指令记录
// 拒绝超出字段宽度的下标，静默截断会让文件解出另一个下标
func (s *Serializer) writeInstr(in *Instr) error {
	if in.Table < 0 || in.Table > 0xFFFF {
		return fmt.Errorf("table index out of range: %d", in.Table)
	}
	if in.SigIndex < 0 || in.SigIndex > 0xFFFF {
		return fmt.Errorf("signature index out of range: %d", in.SigIndex)
	}
	if in.Then < 0 || in.Then > 0xFFFF || in.Else < 0 || in.Else > 0xFFFF {
		return fmt.Errorf("branch target out of range: %d/%d", in.Then, in.Else)
	}
	s.buf.WriteByte(byte(in.Op))
	s.buf.WriteByte(byte(in.Type))
	s.writeU16(uint16(in.Table))
	s.writeU16(uint16(in.SigIndex))
	s.writeU16(uint16(in.Then))
	s.writeU16(uint16(in.Else))
	s.writeU64(uint64(in.Imm))
	return nil
}

func (s *Serializer) writeTable(table *Table) {
	s.writeU32(uint32(table.Len()))
	var initialized []uint32
	for i := 0; i < table.Len(); i++ {
		if fn, _ := table.Get(uint32(i)); fn != nil {
			initialized = append(initialized, uint32(i))
		}
	}
	s.writeU32(uint32(len(initialized)))
	for _, slot := range initialized {
		fn, _ := table.Get(slot)
		s.writeU32(slot)
		s.writeU32(uint32(fn.Index))
	}
}

func (s *Serializer) writeU16(v uint16) {
	binary.Write(s.buf, binary.LittleEndian, v)
}

func (s *Serializer) writeU32(v uint32) {
	binary.Write(s.buf, binary.LittleEndian, v)
}

func (s *Serializer) writeU64(v uint64) {
	binary.Write(s.buf, binary.LittleEndian, v)
}
