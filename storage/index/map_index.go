package index

import (
	"bytes"
	"sort"

	"github.com/forever-free1/LogKV/storage"
)

// MapIndex 是基于 Go 内置 map 的内存索引实现
// 点查更快，但遍历时需要先对键排序
type MapIndex struct {
	data map[string]*storage.Position
}

// NewMapIndex 创建一个新的 Map 索引实例
func NewMapIndex() *MapIndex {
	return &MapIndex{
		data: make(map[string]*storage.Position),
	}
}

// Put 写入键值对到 Map 索引
func (idx *MapIndex) Put(key []byte, pos *storage.Position) {
	idx.data[string(key)] = pos
}

// Get 根据键从 Map 索引获取位置，不存在返回 nil
func (idx *MapIndex) Get(key []byte) *storage.Position {
	return idx.data[string(key)]
}

// Ascend 按字典序遍历所有键
func (idx *MapIndex) Ascend(fn func(key []byte, pos *storage.Position) bool) {
	idx.AscendPrefix(nil, fn)
}

// AscendPrefix 按字典序遍历以 prefix 开头的键
func (idx *MapIndex) AscendPrefix(prefix []byte, fn func(key []byte, pos *storage.Position) bool) {
	keys := make([]string, 0, len(idx.data))
	for k := range idx.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), idx.data[k]) {
			return
		}
	}
}

// Size 返回 Map 索引中的键数量
func (idx *MapIndex) Size() int {
	return len(idx.data)
}

// Close 关闭 Map 索引
func (idx *MapIndex) Close() {
	// 清空 map，释放内存
	idx.data = nil
}

// 确保 MapIndex 实现了 Index 接口
var _ Index = (*MapIndex)(nil)
