// link.go - 代码镜像与重定位回填
//
// 链接阶段把各函数的机器码拼进一段连续的可执行内存，然后回填
// 编码阶段留下的外部重定位：
// - RelocFunc: call/jmp rel32，按目标函数起始偏移计算相对位移
// - RelocHelper: imm64 占位，填入运行时辅助例程的绝对地址
//
// 回填完成后镜像切换为只读可执行（W^X）。

package codegen

import (
	"encoding/binary"
	"fmt"
)

// Image 模块的可执行代码镜像
type Image struct {
	mem     []byte
	used    int
	offsets []int // 函数下标 -> 镜像内起始偏移
}

// Link 把编码结果链接成可执行镜像
//
// blobs 按函数下标排列；helpers 提供辅助例程名称到绝对地址的
// 映射，缺失的例程名是链接错误。
func Link(blobs []*CodeBlob, helpers map[string]uintptr) (*Image, error) {
	const funcAlign = 16

	total := 0
	offsets := make([]int, len(blobs))
	for i, b := range blobs {
		total = (total + funcAlign - 1) &^ (funcAlign - 1)
		offsets[i] = total
		total += len(b.Code)
	}

	mem, err := allocExecutable(total)
	if err != nil {
		return nil, fmt.Errorf("alloc executable: %w", err)
	}
	img := &Image{mem: mem, used: total, offsets: offsets}

	for i, b := range blobs {
		copy(mem[offsets[i]:], b.Code)
	}

	for i, b := range blobs {
		base := offsets[i]
		for _, reloc := range b.Relocs {
			at := base + reloc.Offset
			switch reloc.Kind {
			case RelocFunc:
				if reloc.Func < 0 || reloc.Func >= len(offsets) {
					freeExecutable(mem)
					return nil, fmt.Errorf("func %d: relocation against unknown func %d", i, reloc.Func)
				}
				disp := int32(offsets[reloc.Func] - (at + 4))
				binary.LittleEndian.PutUint32(mem[at:], uint32(disp))
			case RelocHelper:
				addr, ok := helpers[reloc.Helper]
				if !ok {
					freeExecutable(mem)
					return nil, fmt.Errorf("func %d: unknown helper %q", i, reloc.Helper)
				}
				binary.LittleEndian.PutUint64(mem[at:], uint64(addr))
			default:
				freeExecutable(mem)
				return nil, fmt.Errorf("func %d: unresolved relocation kind %d", i, reloc.Kind)
			}
		}
	}

	if err := makeExecutable(mem); err != nil {
		freeExecutable(mem)
		return nil, fmt.Errorf("protect executable: %w", err)
	}
	return img, nil
}

// FuncOffset 返回函数在镜像内的起始偏移
func (img *Image) FuncOffset(i int) int {
	return img.offsets[i]
}

// Size 返回镜像中已使用的字节数
func (img *Image) Size() int {
	return img.used
}

// Bytes 返回镜像内容（只读）
func (img *Image) Bytes() []byte {
	return img.mem[:img.used]
}

// Close 释放镜像占用的可执行内存
func (img *Image) Close() error {
	if img.mem == nil {
		return nil
	}
	err := freeExecutable(img.mem)
	img.mem = nil
	return err
}
