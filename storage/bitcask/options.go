package bitcask

import (
	"github.com/forever-free1/LogKV/metrics"
	"github.com/forever-free1/LogKV/storage/index"
	"github.com/hashicorp/go-hclog"
)

// Options 定义 Store 的配置选项
type Options struct {
	// IndexType 索引类型，默认使用 ART
	IndexType index.Type

	// BloomFilterN 布隆过滤器预期的键数量
	BloomFilterN uint

	// BloomFilterFP 布隆过滤器的期望误判率
	// 值越小，需要的内存越多
	BloomFilterFP float64

	// SyncWrites 为 true 时每次追加后立即 fsync
	SyncWrites bool

	// TruncateTornTail 为 true 时，Load 发现残缺尾部会把文件截断到最后一条完整记录
	// 默认不截断：已写入的字节永远不会被改写
	TruncateTornTail bool

	// Logger 日志输出，默认丢弃
	Logger hclog.Logger

	// Metrics Prometheus 指标，nil 表示不采集
	Metrics *metrics.Metrics
}

// Option 定义 Options 的配置函数
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		IndexType:     index.TypeART,
		BloomFilterN:  1000000, // 预估最多存储 100 万个 key
		BloomFilterFP: 0.01,    // 默认 1% 误判率
		Logger:        hclog.NewNullLogger(),
	}
}

// WithIndexType 设置索引类型
func WithIndexType(t index.Type) Option {
	return func(o *Options) {
		o.IndexType = t
	}
}

// WithBloomFilter 设置布隆过滤器的容量和期望误判率
func WithBloomFilter(n uint, fp float64) Option {
	return func(o *Options) {
		o.BloomFilterN = n
		o.BloomFilterFP = fp
	}
}

// WithSyncWrites 设置是否每次写入后同步到磁盘
func WithSyncWrites(sync bool) Option {
	return func(o *Options) {
		o.SyncWrites = sync
	}
}

// WithTruncateTornTail 设置 Load 时是否截断残缺的尾部记录
func WithTruncateTornTail(truncate bool) Option {
	return func(o *Options) {
		o.TruncateTornTail = truncate
	}
}

// WithLogger 设置日志输出
func WithLogger(logger hclog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithMetrics 设置 Prometheus 指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}
