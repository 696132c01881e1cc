// table.go - 函数引用表
//
// 表是间接调用的分发依据：按 32 位下标索引的可空函数引用序列。
// 表内容由实例化/链接阶段填充。并发实例化与间接调用之间的互斥
// 由外层运行时负责；分发过程假定对表项的读取是快照一致的。

package bytecode

// Table 函数引用表，表项可以为空（null）
type Table struct {
	elems []*Function
}

// NewTable 创建指定长度的表，所有表项为空
func NewTable(size int) *Table {
	return &Table{elems: make([]*Function, size)}
}

// Len 返回表的当前长度
func (t *Table) Len() int {
	return len(t.elems)
}

// Get 读取表项，下标越界时返回 (nil, false)
// 表项为空时返回 (nil, true)
func (t *Table) Get(index uint32) (*Function, bool) {
	if int64(index) >= int64(len(t.elems)) {
		return nil, false
	}
	return t.elems[index], true
}

// Set 设置表项
func (t *Table) Set(index uint32, fn *Function) {
	t.elems[index] = fn
}

// Grow 扩展表长度，新表项为空
func (t *Table) Grow(n int) {
	t.elems = append(t.elems, make([]*Function, n)...)
}
