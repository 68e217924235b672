package index

import (
	"github.com/forever-free1/LogKV/storage"
	art "github.com/plar/go-adaptive-radix-tree"
)

// ARTIndex 是基于自适应基数树（Adaptive Radix Tree）的内存索引实现
// 遍历天然有序，适合按前缀列出键
//
// 空键单独保存在 empty 字段中，不进入基数树
type ARTIndex struct {
	tree  art.Tree
	empty *storage.Position
}

// NewARTIndex 创建一个新的 ART 索引实例
func NewARTIndex() *ARTIndex {
	return &ARTIndex{
		tree: art.New(),
	}
}

// Put 写入键值对到 ART 索引
// 参数：
//   - key: 键（内部会复制一份，调用方可以复用缓冲区）
//   - pos: 位置指针
func (idx *ARTIndex) Put(key []byte, pos *storage.Position) {
	if len(key) == 0 {
		idx.empty = pos
		return
	}
	idx.tree.Insert(art.Key(cloneKey(key)), pos)
}

// Get 根据键从 ART 索引获取位置
// 返回：
//   - *storage.Position: 位置指针，不存在返回 nil
func (idx *ARTIndex) Get(key []byte) *storage.Position {
	if len(key) == 0 {
		return idx.empty
	}
	value, found := idx.tree.Search(art.Key(key))
	if !found {
		return nil
	}
	return value.(*storage.Position)
}

// Ascend 按字典序遍历所有键
func (idx *ARTIndex) Ascend(fn func(key []byte, pos *storage.Position) bool) {
	if idx.empty != nil && !fn([]byte{}, idx.empty) {
		return
	}
	idx.tree.ForEach(func(node art.Node) bool {
		return fn(node.Key(), node.Value().(*storage.Position))
	})
}

// AscendPrefix 按字典序遍历以 prefix 开头的键
func (idx *ARTIndex) AscendPrefix(prefix []byte, fn func(key []byte, pos *storage.Position) bool) {
	if len(prefix) == 0 {
		idx.Ascend(fn)
		return
	}
	idx.tree.ForEachPrefix(art.Key(prefix), func(node art.Node) bool {
		return fn(node.Key(), node.Value().(*storage.Position))
	})
}

// Size 返回 ART 索引中的键数量
func (idx *ARTIndex) Size() int {
	n := idx.tree.Size()
	if idx.empty != nil {
		n++
	}
	return n
}

// Close 关闭 ART 索引
func (idx *ARTIndex) Close() {
	// ART 树没有需要关闭的资源，GC 会自动回收
}

func cloneKey(key []byte) []byte {
	return append(make([]byte, 0, len(key)), key...)
}

// 确保 ARTIndex 实现了 Index 接口
var _ Index = (*ARTIndex)(nil)
