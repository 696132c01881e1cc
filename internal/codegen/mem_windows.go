//go:build windows

// mem_windows.go - Windows 平台可执行内存分配
//
// 使用 VirtualAlloc/VirtualProtect/VirtualFree，同样走 W^X 策略。

package codegen

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// allocExecutable 保留并提交一段可写内存
func allocExecutable(size int) ([]byte, error) {
	if size <= 0 {
		size = 4096
	}
	pageSize := 4096
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	addr, err := windows.VirtualAlloc(
		0,
		uintptr(alignedSize),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), alignedSize), nil
}

// makeExecutable 把已写入的代码改为只读可执行
func makeExecutable(mem []byte) error {
	var old uint32
	return windows.VirtualProtect(
		uintptr(unsafe.Pointer(&mem[0])),
		uintptr(len(mem)),
		windows.PAGE_EXECUTE_READ,
		&old,
	)
}

// freeExecutable 释放可执行内存
func freeExecutable(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
