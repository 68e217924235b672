// Package metrics 定义存储引擎对外暴露的 Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "logkv"

// Get 结果标签
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Metrics 汇总存储引擎的所有指标
// nil 接收者上的方法全部是空操作，未配置指标时无需判断
type Metrics struct {
	Appends       prometheus.Counter
	AppendedBytes prometheus.Counter
	Gets          *prometheus.CounterVec
	LoadRecords   prometheus.Counter
	LoadDuration  prometheus.Histogram
	Keys          prometheus.Gauge
	LogBytes      prometheus.Gauge
	DeadBytes     prometheus.Gauge
}

// New 创建指标并注册到 reg
// 参数：
//   - reg: 注册器，为 nil 时只创建不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Number of records appended to the log.",
		}),
		AppendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appended_bytes_total",
			Help:      "Bytes appended to the log.",
		}),
		Gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gets_total",
			Help:      "Number of get operations by result.",
		}, []string{"result"}),
		LoadRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_records_total",
			Help:      "Records replayed from the log by load.",
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Time spent replaying the log.",
			Buckets:   prometheus.DefBuckets,
		}),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Keys currently present in the index, tombstones included.",
		}),
		LogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_bytes",
			Help:      "Size of the log file in bytes.",
		}),
		DeadBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_bytes",
			Help:      "Bytes held by superseded records that are never reclaimed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Appends,
			m.AppendedBytes,
			m.Gets,
			m.LoadRecords,
			m.LoadDuration,
			m.Keys,
			m.LogBytes,
			m.DeadBytes,
		)
	}
	return m
}

// ObserveAppend 记录一次追加
func (m *Metrics) ObserveAppend(size int) {
	if m == nil {
		return
	}
	m.Appends.Inc()
	m.AppendedBytes.Add(float64(size))
}

// ObserveGet 记录一次读取的结果
func (m *Metrics) ObserveGet(result string) {
	if m == nil {
		return
	}
	m.Gets.WithLabelValues(result).Inc()
}

// ObserveLoad 记录一次回放
func (m *Metrics) ObserveLoad(records int, took time.Duration) {
	if m == nil {
		return
	}
	m.LoadRecords.Add(float64(records))
	m.LoadDuration.Observe(took.Seconds())
}

// SetSize 更新容量相关的仪表
func (m *Metrics) SetSize(keys int, logBytes, deadBytes int64) {
	if m == nil {
		return
	}
	m.Keys.Set(float64(keys))
	m.LogBytes.Set(float64(logBytes))
	m.DeadBytes.Set(float64(deadBytes))
}
