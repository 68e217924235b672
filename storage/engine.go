package storage

import "errors"

// ErrKeyNotFound 表示键从未写入过
// 注意：被删除的键不会返回该错误，而是返回空值（墓碑记录）
var ErrKeyNotFound = errors.New("key not found")

// Position 表示记录在日志文件中的位置
type Position struct {
	Offset int64  // 记录起始偏移量
	Size   int64  // 记录总大小（头部 + key + value）
}

// Engine 是存储引擎的抽象接口
// 实现了键值存储的基本操作：Put、Get、Delete、Close
type Engine interface {
	// Put 写入键值对
	// 参数：
	//   - key: 键
	//   - value: 值
	// 返回：
	//   - error: 写入错误
	Put(key []byte, value []byte) error

	// Get 根据键获取值
	// 参数：
	//   - key: 键
	// 返回：
	//   - []byte: 值，已删除的键返回空值
	//   - error: 读取错误，如果键不存在返回 ErrKeyNotFound
	Get(key []byte) ([]byte, error)

	// Delete 删除键值对（追加一条空值记录）
	Delete(key []byte) error

	// Close 关闭存储引擎，释放资源
	Close() error
}
