package bitcask

import (
	"errors"

	"github.com/forever-free1/LogKV/internal/lock"
)

// ErrTruncated 表示可用字节少于记录头部声明的长度
// 回放时出现在日志末尾属于正常的结束信号，随机读取时出现则表示文件被外部修改
var ErrTruncated = errors.New("record truncated")

// ErrChecksumMismatch 表示 CRC 校验失败，记录已损坏
var ErrChecksumMismatch = errors.New("CRC checksum mismatch")

// ErrTornTail 表示日志末尾存在残缺记录或写了一半的记录
// 在修复之前拒绝追加，否则新记录会被拼接到残缺记录后面，导致之后的 Load 校验失败
var ErrTornTail = errors.New("log has a torn tail, repair it before writing")

// ErrNotLoaded 表示存储尚未执行 Load
var ErrNotLoaded = errors.New("store is not loaded")

// ErrClosed 表示存储或文件已关闭
var ErrClosed = errors.New("store is closed")

// ErrKeyTooLarge 表示键长度超出 32 位长度字段
var ErrKeyTooLarge = errors.New("key exceeds maximum size")

// ErrValueTooLarge 表示值长度超出 32 位长度字段
var ErrValueTooLarge = errors.New("value exceeds maximum size")

// ErrLocked 表示数据文件已被其它实例打开
var ErrLocked = lock.ErrLocked
