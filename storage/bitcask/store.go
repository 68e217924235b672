package bitcask

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/forever-free1/LogKV/internal/lock"
	"github.com/forever-free1/LogKV/metrics"
	"github.com/forever-free1/LogKV/storage"
	"github.com/forever-free1/LogKV/storage/index"
	"github.com/hashicorp/go-hclog"
)

type state int

const (
	stateUnloaded state = iota
	stateLoaded
	stateClosed
)

// Store 是单文件、追加写的键值存储
// 组合了日志文件和内存索引，文件才是唯一的事实来源，索引随时可以从文件重建
//
// 状态流转：Open → unloaded → Load → loaded → Close → closed
//
// 并发模型：追加和索引更新持有写锁，读操作持有读锁，
// 读与读之间可以并发，但读不会与正在进行的追加并发
type Store struct {
	path      string
	options   *Options
	logFile   *LogFile
	lock      *lock.Lock
	index     index.Index
	bloom     *index.BloomFilter
	liveBytes int64 // 索引指向的记录占用的字节数
	state     state
	logger    hclog.Logger
	metrics   *metrics.Metrics
	mu        sync.RWMutex
}

// Stats 描述存储的容量信息
type Stats struct {
	Keys      int   `json:"keys"`       // 索引中的键数量（包含已删除的键）
	LogBytes  int64 `json:"log_bytes"`  // 日志文件大小
	LiveBytes int64 `json:"live_bytes"` // 最新记录占用的字节数
	DeadBytes int64 `json:"dead_bytes"` // 被覆盖的记录及残缺尾部占用的字节数，永不回收
	TornTail  bool  `json:"torn_tail"`  // 末尾存在残缺记录，写入被拒绝
}

// Open 打开或创建一个存储
// 文件不存在时创建；返回的 Store 处于 unloaded 状态，需要调用 Load 重建索引
//
// 参数：
//   - path: 数据文件路径
//   - opts: 配置选项
//
// 返回：
//   - *Store: 存储指针
//   - error: 打开错误，文件被其它实例占用时返回 ErrLocked
func Open(path string, opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	l, err := lock.Acquire(path + ".lock")
	if err != nil {
		return nil, err
	}

	logFile, err := OpenLogFile(path, WithSyncEach(options.SyncWrites))
	if err != nil {
		l.Release()
		return nil, err
	}

	s := &Store{
		path:    path,
		options: options,
		logFile: logFile,
		lock:    l,
		index:   index.New(options.IndexType),
		bloom:   index.NewBloomFilter(options.BloomFilterN, options.BloomFilterFP),
		state:   stateUnloaded,
		logger:  options.Logger.Named("store"),
		metrics: options.Metrics,
	}
	s.logger.Debug("opened log file", "path", path, "size", logFile.Size(), "index", options.IndexType)

	return s, nil
}

// Load 从偏移量 0 顺序回放日志，重建索引和布隆过滤器
//
// 同一个键出现多次时，后出现的记录覆盖前面的（后写者胜）。
// 残缺的尾部记录视为日志结束；完整记录的校验失败是致命错误，
// 此时原有索引保持不变
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return ErrClosed
	}

	start := time.Now()
	idx := index.New(s.options.IndexType)
	bloom := index.NewBloomFilter(s.options.BloomFilterN, s.options.BloomFilterFP)

	var live int64
	records := 0
	sc := s.logFile.Scan()
	for sc.Next() {
		offset, kv := sc.Record()
		size := int64(EncodedSize(len(kv.Key), len(kv.Value)))

		if old := idx.Get(kv.Key); old != nil {
			live -= old.Size
		}
		idx.Put(kv.Key, &storage.Position{Offset: offset, Size: size})
		bloom.Add(kv.Key)
		live += size
		records++
	}
	if err := sc.Err(); err != nil {
		idx.Close()
		return fmt.Errorf("回放日志失败: %w", err)
	}

	if sc.Torn() {
		s.logger.Warn("torn record at end of log", "offset", sc.End(), "size", sc.Size())
		if s.options.TruncateTornTail {
			if err := s.logFile.Truncate(sc.End()); err != nil {
				idx.Close()
				return fmt.Errorf("截断残缺尾部失败: %w", err)
			}
			s.logger.Info("truncated torn tail", "offset", sc.End(), "discarded", sc.Size()-sc.End())
		} else {
			// 不修改文件，但在修复之前拒绝写入
			s.logFile.markTorn()
			s.logger.Warn("writes disabled until the torn tail is repaired")
		}
	}

	s.index.Close()
	s.index = idx
	s.bloom = bloom
	s.liveBytes = live
	s.state = stateLoaded

	took := time.Since(start)
	s.logger.Info("log replayed", "records", records, "keys", idx.Size(), "took", took)
	s.metrics.ObserveLoad(records, took)
	s.updateSizeMetrics()

	return nil
}

// Get 根据键获取值
// 返回：
//   - []byte: 值；已删除的键返回空值和 nil 错误
//   - error: 键从未写入返回 storage.ErrKeyNotFound；
//     记录读取或校验失败说明文件被外部修改，返回包装后的 ErrTruncated / ErrChecksumMismatch
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLoaded(); err != nil {
		return nil, err
	}

	// 布隆过滤器返回 false，一定不存在
	if !s.bloom.Test(key) {
		s.metrics.ObserveGet(metrics.ResultMiss)
		return nil, storage.ErrKeyNotFound
	}

	pos := s.index.Get(key)
	if pos == nil {
		s.metrics.ObserveGet(metrics.ResultMiss)
		return nil, storage.ErrKeyNotFound
	}

	kv, err := s.readAt(pos.Offset)
	if err != nil {
		s.metrics.ObserveGet(metrics.ResultError)
		return nil, err
	}

	s.metrics.ObserveGet(metrics.ResultHit)
	return kv.Value, nil
}

func (s *Store) readAt(offset int64) (*KeyValuePair, error) {
	r, err := s.logFile.ReadAt(offset)
	if err != nil {
		return nil, err
	}
	kv, err := Decode(r)
	if err != nil {
		// Load 时这条记录是完整的，此时读不全只能是文件被外部截断
		if errors.Is(err, io.EOF) {
			err = ErrTruncated
		}
		return nil, fmt.Errorf("读取记录失败 (offset=%d): %w", offset, err)
	}
	return kv, nil
}

// Insert 追加一条记录并更新索引
// 先追加再更新索引：两步之间中断时，下一次 Load 会从文件恢复这条映射
//
// 日志末尾存在残缺记录时返回 ErrTornTail，需要以 WithTruncateTornTail 重新 Load 修复
func (s *Store) Insert(key, value []byte) error {
	if uint64(len(key)) > MaxFieldSize {
		return ErrKeyTooLarge
	}
	if uint64(len(value)) > MaxFieldSize {
		return ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLoaded(); err != nil {
		return err
	}

	data := Encode(key, value)
	offset, err := s.logFile.Append(data)
	if err != nil {
		return fmt.Errorf("追加记录失败: %w", err)
	}

	size := int64(len(data))
	if old := s.index.Get(key); old != nil {
		s.liveBytes -= old.Size
	}
	s.index.Put(key, &storage.Position{Offset: offset, Size: size})
	s.bloom.Add(key)
	s.liveBytes += size

	s.metrics.ObserveAppend(len(data))
	s.updateSizeMetrics()
	return nil
}

// Update 与 Insert 完全相同：日志没有原地更新，新记录在位置上覆盖旧记录
func (s *Store) Update(key, value []byte) error {
	return s.Insert(key, value)
}

// Delete 追加一条空值记录作为墓碑
// 之后 Get 返回空值而不是 ErrKeyNotFound
func (s *Store) Delete(key []byte) error {
	return s.Insert(key, []byte{})
}

// Put 实现 storage.Engine，等价于 Insert
func (s *Store) Put(key, value []byte) error {
	return s.Insert(key, value)
}

// Keys 按字典序返回所有以 prefix 开头的键（包含已删除的键）
func (s *Store) Keys(prefix []byte) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLoaded(); err != nil {
		return nil, err
	}

	keys := make([][]byte, 0)
	s.index.AscendPrefix(prefix, func(key []byte, _ *storage.Position) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	return keys, nil
}

// Fold 按字典序遍历每个键的最新值，fn 返回错误时停止并返回该错误
// 遍历期间持有读锁，fn 中不能写入同一个 Store
func (s *Store) Fold(fn func(key, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLoaded(); err != nil {
		return err
	}

	var ferr error
	s.index.Ascend(func(key []byte, pos *storage.Position) bool {
		kv, err := s.readAt(pos.Offset)
		if err != nil {
			ferr = err
			return false
		}
		if err := fn(kv.Key, kv.Value); err != nil {
			ferr = err
			return false
		}
		return true
	})
	return ferr
}

// Stats 返回容量统计
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkLoaded(); err != nil {
		return Stats{}, err
	}
	return s.stats(), nil
}

func (s *Store) stats() Stats {
	logBytes := s.logFile.Size()
	return Stats{
		Keys:      s.index.Size(),
		LogBytes:  logBytes,
		LiveBytes: s.liveBytes,
		DeadBytes: logBytes - s.liveBytes,
		TornTail:  s.logFile.Torn(),
	}
}

func (s *Store) updateSizeMetrics() {
	if s.metrics == nil {
		return
	}
	st := s.stats()
	s.metrics.SetSize(st.Keys, st.LogBytes, st.DeadBytes)
}

// Sync 将日志文件同步到磁盘
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == stateClosed {
		return ErrClosed
	}
	return s.logFile.Sync()
}

// Path 返回数据文件路径
func (s *Store) Path() string {
	return s.path
}

// Close 关闭存储，释放文件和锁，重复调用是安全的
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed

	err := s.logFile.Close()
	if lerr := s.lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	s.index.Close()

	if err != nil {
		return fmt.Errorf("关闭存储失败: %w", err)
	}
	s.logger.Debug("closed", "path", s.path)
	return nil
}

func (s *Store) checkLoaded() error {
	switch s.state {
	case stateClosed:
		return ErrClosed
	case stateUnloaded:
		return ErrNotLoaded
	}
	return nil
}

// 确保 Store 实现了 storage.Engine 接口
var _ storage.Engine = (*Store)(nil)
