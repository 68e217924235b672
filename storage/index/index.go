package index

import "github.com/forever-free1/LogKV/storage"

// Index 是内存索引的抽象接口
// 负责存储键到日志位置（Position）的映射，每次 Load 时从日志重建
//
// 索引只增不删：逻辑删除本身就是一条追加的空值记录，索引仍然指向它
type Index interface {
	// Put 写入键值对到索引，覆盖该键之前的位置（后写者胜）
	// 参数：
	//   - key: 键
	//   - pos: 位置指针
	Put(key []byte, pos *storage.Position)

	// Get 根据键获取位置
	// 参数：
	//   - key: 键
	// 返回：
	//   - *storage.Position: 位置指针，不存在返回 nil
	Get(key []byte) *storage.Position

	// Ascend 按键的字典序遍历索引，fn 返回 false 时停止
	Ascend(fn func(key []byte, pos *storage.Position) bool)

	// AscendPrefix 按字典序遍历所有以 prefix 开头的键
	AscendPrefix(prefix []byte, fn func(key []byte, pos *storage.Position) bool)

	// Size 返回索引中的键数量
	Size() int

	// Close 关闭索引，释放资源
	Close()
}

// Type 定义索引类型
type Type int

const (
	// TypeART 使用自适应基数树作为索引（默认）
	TypeART Type = iota
	// TypeMap 使用内置 Map 作为索引
	TypeMap
)

// New 根据类型创建一个空索引
func New(t Type) Index {
	switch t {
	case TypeMap:
		return NewMapIndex()
	default:
		return NewARTIndex()
	}
}

// String 返回索引类型名称
func (t Type) String() string {
	switch t {
	case TypeMap:
		return "map"
	default:
		return "art"
	}
}
