package bitcask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// scanBufferSize 是顺序扫描时的读缓冲区大小
const scanBufferSize = 64 * 1024

// LogFile 表示唯一的追加写日志文件
// 支持追加写入、随机偏移读取和从头顺序扫描
//
// 读取全部使用 ReadAt（pread），不会移动文件的写入位置，
// 外部调用方无法直接 Seek 底层文件
type LogFile struct {
	path     string
	file     *os.File
	writeOff int64
	syncEach bool
	torn     bool // 末尾有残缺字节，拒绝追加
	mu       sync.RWMutex
}

// LogFileOption 定义 LogFile 的配置选项
type LogFileOption func(*LogFile)

// WithSyncEach 设置每次追加后是否立即 fsync
func WithSyncEach(sync bool) LogFileOption {
	return func(lf *LogFile) {
		lf.syncEach = sync
	}
}

// OpenLogFile 打开或创建日志文件
// 参数：
//   - path: 文件路径
//   - opts: 配置选项
//
// 返回：
//   - *LogFile: 日志文件指针
//   - error: 打开错误
func OpenLogFile(path string, opts ...LogFileOption) (*LogFile, error) {
	// O_APPEND: 每次写入从文件末尾开始
	// O_CREATE: 文件不存在时创建
	// O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("获取文件状态失败: %w", err)
	}

	lf := &LogFile{
		path:     path,
		file:     file,
		writeOff: stat.Size(),
	}
	for _, opt := range opts {
		opt(lf)
	}
	return lf, nil
}

// Append 将 data 原子地追加到文件末尾
// 并发调用互斥执行，返回的偏移量不会重叠
//
// 返回：
//   - int64: 本次写入的起始偏移量
//   - error: 写入错误
func (lf *LogFile) Append(data []byte) (int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.file == nil {
		return 0, ErrClosed
	}
	if lf.torn {
		return 0, ErrTornTail
	}

	offset := lf.writeOff
	n, err := lf.file.Write(data)
	if err != nil {
		// 部分写入后以文件实际大小为准，写了一半的记录成为残缺尾部
		if stat, serr := lf.file.Stat(); serr == nil {
			lf.writeOff = stat.Size()
		} else {
			lf.writeOff += int64(n)
		}
		if lf.writeOff > offset {
			lf.torn = true
		}
		return offset, fmt.Errorf("写入数据失败 (offset=%d): %w", offset, err)
	}
	lf.writeOff += int64(n)

	if lf.syncEach {
		if err := lf.file.Sync(); err != nil {
			return offset, fmt.Errorf("同步数据到磁盘失败: %w", err)
		}
	}

	return offset, nil
}

// ReadAt 返回一个定位在 offset 的字节流，供一次 Decode 使用
// 字节流的上界是调用时的写入偏移量
func (lf *LogFile) ReadAt(offset int64) (io.Reader, error) {
	lf.mu.RLock()
	defer lf.mu.RUnlock()

	if lf.file == nil {
		return nil, ErrClosed
	}
	if offset < 0 || offset > lf.writeOff {
		return nil, fmt.Errorf("%w: offset %d beyond end of log %d", ErrTruncated, offset, lf.writeOff)
	}

	section := io.NewSectionReader(lf.file, offset, lf.writeOff-offset)
	return bufio.NewReader(section), nil
}

// markTorn 标记文件末尾存在残缺记录，之后的 Append 返回 ErrTornTail
func (lf *LogFile) markTorn() {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.torn = true
}

// Torn 返回文件末尾是否存在尚未修复的残缺记录
func (lf *LogFile) Torn() bool {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.torn
}

// Scan 从偏移量 0 开始顺序扫描日志
// 每次调用都会重新从头开始，扫描范围是调用时文件的物理末尾
func (lf *LogFile) Scan() *Scanner {
	lf.mu.RLock()
	defer lf.mu.RUnlock()

	if lf.file == nil {
		return &Scanner{err: ErrClosed}
	}

	section := io.NewSectionReader(lf.file, 0, lf.writeOff)
	return &Scanner{
		r:    bufio.NewReaderSize(section, scanBufferSize),
		size: lf.writeOff,
	}
}

// Size 返回当前写入偏移量（即文件大小）
func (lf *LogFile) Size() int64 {
	lf.mu.RLock()
	defer lf.mu.RUnlock()
	return lf.writeOff
}

// Path 返回文件路径
func (lf *LogFile) Path() string {
	return lf.path
}

// Sync 将缓冲区中的数据同步到磁盘
func (lf *LogFile) Sync() error {
	lf.mu.RLock()
	defer lf.mu.RUnlock()

	if lf.file == nil {
		return ErrClosed
	}
	if err := lf.file.Sync(); err != nil {
		return fmt.Errorf("同步数据到磁盘失败: %w", err)
	}
	return nil
}

// Truncate 把文件截断到 size
// 只用于丢弃回放时发现的残缺尾部，size 不能超过当前写入偏移量
func (lf *LogFile) Truncate(size int64) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.file == nil {
		return ErrClosed
	}
	if size < 0 || size > lf.writeOff {
		return fmt.Errorf("截断位置非法 (size=%d, end=%d)", size, lf.writeOff)
	}
	if err := lf.file.Truncate(size); err != nil {
		return fmt.Errorf("截断文件失败: %w", err)
	}
	if err := lf.file.Sync(); err != nil {
		return fmt.Errorf("截断后同步失败: %w", err)
	}
	lf.writeOff = size
	lf.torn = false
	return nil
}

// Close 同步并关闭日志文件，重复调用是安全的
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.file == nil {
		return nil
	}

	if err := lf.file.Sync(); err != nil {
		return fmt.Errorf("关闭前同步数据失败: %w", err)
	}
	if err := lf.file.Close(); err != nil {
		return fmt.Errorf("关闭文件失败: %w", err)
	}
	lf.file = nil
	return nil
}

// Scanner 顺序遍历日志中的记录
//
//	sc := lf.Scan()
//	for sc.Next() {
//		offset, kv := sc.Record()
//	}
//	if err := sc.Err(); err != nil { ... }
//
// 残缺的尾部记录（ErrTruncated）被视为日志结束，不会从 Err 返回
type Scanner struct {
	r      *bufio.Reader
	size   int64
	offset int64

	recOff int64
	kv     *KeyValuePair
	torn   bool
	err    error
}

// Next 解码下一条记录，没有更多记录或出错时返回 false
func (s *Scanner) Next() bool {
	if s.err != nil || s.r == nil {
		return false
	}

	kv, err := Decode(s.r)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.r = nil
		return false
	case errors.Is(err, ErrTruncated):
		s.torn = true
		s.r = nil
		return false
	case errors.Is(err, ErrChecksumMismatch):
		s.err = fmt.Errorf("offset %d: %w", s.offset, err)
		return false
	default:
		s.err = fmt.Errorf("扫描日志失败 (offset=%d): %w", s.offset, err)
		return false
	}

	s.recOff = s.offset
	s.kv = kv
	s.offset += int64(EncodedSize(len(kv.Key), len(kv.Value)))
	return true
}

// Record 返回最近一次 Next 解码的记录及其偏移量
func (s *Scanner) Record() (int64, *KeyValuePair) {
	return s.recOff, s.kv
}

// Err 返回扫描过程中的致命错误（校验失败或 I/O 错误）
func (s *Scanner) Err() error {
	return s.err
}

// Torn 表示扫描是否在一条残缺的尾部记录处结束
func (s *Scanner) Torn() bool {
	return s.torn
}

// End 返回最后一条完整记录之后的偏移量
func (s *Scanner) End() int64 {
	return s.offset
}

// Size 返回扫描开始时文件的物理大小
func (s *Scanner) Size() int64 {
	return s.size
}
