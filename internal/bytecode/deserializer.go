// deserializer.go - 模块反序列化器
//
// 读取 .nbx 模块文件并重建 Module。格式见 serializer.go。
// 这里只做文件级的完整性校验（魔数、版本、截断、下标范围）；
// 字节码语义层面的验证由上游验证阶段负责。

package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Deserializer 模块反序列化器
type Deserializer struct {
	data []byte
	pos  int
}

// NewDeserializer 创建反序列化器
func NewDeserializer(data []byte) *Deserializer {
	return &Deserializer{data: data}
}

// Deserialize 反序列化模块
func (d *Deserializer) Deserialize() (*Module, error) {
	magic, err := d.readBytes(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != MagicNumber {
		return nil, fmt.Errorf("invalid magic number")
	}
	version, err := d.readU16()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("unsupported format version: %d", version)
	}

	mod := &Module{}

	// 签名表
	sigCount, err := d.readU16()
	if err != nil {
		return nil, err
	}
	mod.Sigs = make([]Signature, sigCount)
	for i := range mod.Sigs {
		if err := d.readSignature(&mod.Sigs[i]); err != nil {
			return nil, fmt.Errorf("failed to read signature %d: %w", i, err)
		}
	}

	// 函数表。每个函数记录至少 8 字节，声明数量超过剩余输入
	// 长度的文件必然被截断，在预分配之前拒绝
	funcCount, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if int64(funcCount) > int64(d.remaining()) {
		return nil, fmt.Errorf("function count %d exceeds remaining input", funcCount)
	}
	mod.Funcs = make([]*Function, funcCount)
	for i := range mod.Funcs {
		fn, err := d.readFunction(i, int(funcCount), int(sigCount))
		if err != nil {
			return nil, fmt.Errorf("failed to read function %d: %w", i, err)
		}
		mod.Funcs[i] = fn
	}

	// 函数引用表
	tableCount, err := d.readU16()
	if err != nil {
		return nil, err
	}
	mod.Tables = make([]*Table, tableCount)
	for i := range mod.Tables {
		table, err := d.readTable(mod)
		if err != nil {
			return nil, fmt.Errorf("failed to read table %d: %w", i, err)
		}
		mod.Tables[i] = table
	}

	// 间接调用点的表下标要等所有表读完才能校验
	for _, fn := range mod.Funcs {
		for bi := range fn.Blocks {
			for ii := range fn.Blocks[bi].Code {
				in := &fn.Blocks[bi].Code[ii]
				if in.Op != OpCallIndirect && in.Op != OpReturnCallIndirect {
					continue
				}
				if in.Table >= len(mod.Tables) {
					return nil, fmt.Errorf("func %s: %s references unknown table %d",
						fn.Name, in.Op, in.Table)
				}
			}
		}
	}

	return mod, nil
}

func (d *Deserializer) readSignature(sig *Signature) error {
	paramCount, err := d.readByte()
	if err != nil {
		return err
	}
	sig.Params = make([]ValueType, paramCount)
	for i := range sig.Params {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		sig.Params[i] = ValueType(b)
	}
	resultCount, err := d.readByte()
	if err != nil {
		return err
	}
	sig.Results = make([]ValueType, resultCount)
	for i := range sig.Results {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		sig.Results[i] = ValueType(b)
	}
	return nil
}

func (d *Deserializer) readFunction(index, funcCount, sigCount int) (*Function, error) {
	nameLen, err := d.readU16()
	if err != nil {
		return nil, err
	}
	name, err := d.readBytes(int(nameLen))
	if err != nil {
		return nil, err
	}

	fn := &Function{Index: index, Name: string(name)}
	if err := d.readSignature(&fn.Sig); err != nil {
		return nil, err
	}

	localCount, err := d.readU16()
	if err != nil {
		return nil, err
	}
	fn.Locals = make([]ValueType, localCount)
	for i := range fn.Locals {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		fn.Locals[i] = ValueType(b)
	}

	blockCount, err := d.readU16()
	if err != nil {
		return nil, err
	}
	fn.Blocks = make([]Block, blockCount)
	for i := range fn.Blocks {
		instrCount, err := d.readU16()
		if err != nil {
			return nil, err
		}
		code := make([]Instr, instrCount)
		for j := range code {
			if err := d.readInstr(&code[j], int(blockCount), funcCount, sigCount); err != nil {
				return nil, err
			}
		}
		fn.Blocks[i].Code = code
	}
	return fn, nil
}

func (d *Deserializer) readInstr(in *Instr, blockCount, funcCount, sigCount int) error {
	op, err := d.readByte()
	if err != nil {
		return err
	}
	typ, err := d.readByte()
	if err != nil {
		return err
	}
	table, err := d.readU16()
	if err != nil {
		return err
	}
	sigIndex, err := d.readU16()
	if err != nil {
		return err
	}
	thenBlock, err := d.readU16()
	if err != nil {
		return err
	}
	elseBlock, err := d.readU16()
	if err != nil {
		return err
	}
	imm, err := d.readU64()
	if err != nil {
		return err
	}

	in.Op = Opcode(op)
	in.Type = ValueType(typ)
	in.Table = int(table)
	in.SigIndex = int(sigIndex)
	in.Then = int(thenBlock)
	in.Else = int(elseBlock)
	in.Imm = int64(imm)

	switch in.Op {
	case OpBr, OpBrIf:
		if in.Then >= blockCount || (in.Op == OpBrIf && in.Else >= blockCount) {
			return fmt.Errorf("branch target out of range at %s", in.Op)
		}
	case OpCall, OpReturnCall:
		if in.Imm < 0 || in.Imm >= int64(funcCount) {
			return fmt.Errorf("%s targets unknown function %d", in.Op, in.Imm)
		}
	case OpCallIndirect, OpReturnCallIndirect:
		// 表下标在 Deserialize 末尾校验，这里只校验声明签名
		if in.SigIndex >= sigCount {
			return fmt.Errorf("%s declares unknown signature %d", in.Op, in.SigIndex)
		}
	}
	return nil
}

func (d *Deserializer) readTable(mod *Module) (*Table, error) {
	length, err := d.readU32()
	if err != nil {
		return nil, err
	}
	table := NewTable(int(length))

	initCount, err := d.readU32()
	if err != nil {
		return nil, err
	}
	// 每条初始化记录 8 字节
	if int64(initCount)*8 > int64(d.remaining()) {
		return nil, fmt.Errorf("table init count %d exceeds remaining input", initCount)
	}
	for i := uint32(0); i < initCount; i++ {
		slot, err := d.readU32()
		if err != nil {
			return nil, err
		}
		funcIndex, err := d.readU32()
		if err != nil {
			return nil, err
		}
		if int64(slot) >= int64(length) {
			return nil, fmt.Errorf("table slot out of range: %d", slot)
		}
		if int64(funcIndex) >= int64(len(mod.Funcs)) {
			return nil, fmt.Errorf("table element references unknown function: %d", funcIndex)
		}
		table.Set(slot, mod.Funcs[funcIndex])
	}
	return table, nil
}

// ============================================================================
// 底层读取方法
// ============================================================================

func (d *Deserializer) remaining() int {
	return len(d.data) - d.pos
}

func (d *Deserializer) readBytes(n int) ([]byte, error) {
	if d.pos+n > len(d.data) {
		return nil, fmt.Errorf("unexpected end of file at offset %d", d.pos)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Deserializer) readByte() (byte, error) {
	b, err := d.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Deserializer) readU16() (uint16, error) {
	b, err := d.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Deserializer) readU32() (uint32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Deserializer) readU64() (uint64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
