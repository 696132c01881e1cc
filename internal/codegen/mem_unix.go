//go:build unix

// mem_unix.go - Unix/Linux/macOS 平台可执行内存分配
//
// 走 W^X 策略：先以 RW 权限映射并写入代码，链接完成后改为 RX。

package codegen

import "golang.org/x/sys/unix"

// allocExecutable 映射一段可写内存，长度对齐到页面大小
func allocExecutable(size int) ([]byte, error) {
	if size <= 0 {
		size = 4096
	}
	pageSize := unix.Getpagesize()
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	return unix.Mmap(
		-1, // fd
		0,  // offset
		alignedSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
}

// makeExecutable 把已写入的代码改为只读可执行
func makeExecutable(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}

// freeExecutable 释放可执行内存
func freeExecutable(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
