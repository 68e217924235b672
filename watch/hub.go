// Package watch 提供按前缀订阅的键值变更通知
package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	art "github.com/plar/go-adaptive-radix-tree"
)

// ==================== 事件定义 ====================

// EventType 定义事件类型
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event 表示键值变更事件
type Event struct {
	Type      EventType `json:"type"`                 // 事件类型
	Key       string    `json:"key"`                  // 变更的键
	Value     string    `json:"value,omitempty"`      // 变更后的值，删除事件为空
	PrevValue string    `json:"prev_value,omitempty"` // 变更前的值（调用方可选提供）
}

// ==================== Watcher 定义 ====================

// Watcher 表示一个订阅者
// 事件通过 Ch 推送，Hub 关闭或取消注册时 Ch 被关闭
type Watcher struct {
	Ch     chan *Event
	Prefix string // 为空表示关注所有键

	mu     sync.Mutex
	closed bool
}

// NewWatcher 创建新的 Watcher
//
// 参数：
//   - prefix: 关注的前缀，为空表示关注所有
//   - bufferSize: 事件通道的缓冲区大小
func NewWatcher(prefix string, bufferSize int) *Watcher {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Watcher{
		Ch:     make(chan *Event, bufferSize),
		Prefix: prefix,
	}
}

// IsMatch 检查事件是否匹配该 Watcher 的前缀
func (w *Watcher) IsMatch(event *Event) bool {
	return w.Prefix == "" || strings.HasPrefix(event.Key, w.Prefix)
}

// send 非阻塞投递，通道已满或已关闭时返回 false
func (w *Watcher) send(event *Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	select {
	case w.Ch <- event:
		return true
	default:
		return false
	}
}

// Close 关闭 Watcher，重复调用是安全的
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.Ch)
		w.closed = true
	}
}

// ==================== WatchHub 定义 ====================

// WatchHub 事件通知中心
// 负责管理所有的 Watcher，并将键值变更事件分发到前缀匹配的 Watcher
type WatchHub struct {
	mu sync.RWMutex

	// 关注所有键的 watcher
	all []*Watcher

	// 前缀 → 关注该前缀的 watcher 列表
	prefixTree art.Tree

	count   int64
	dropped atomic.Int64
}

// NewWatchHub 创建新的 WatchHub
func NewWatchHub() *WatchHub {
	return &WatchHub{
		prefixTree: art.New(),
	}
}

// ==================== Watcher 管理 ====================

// Watch 注册一个新的 Watcher
//
// 参数：
//   - prefix: 关注的前缀，为空表示关注所有键
//   - bufferSize: 事件通道的缓冲区大小
//
// 返回：
//   - *Watcher: 注册的 Watcher 实例
func (h *WatchHub) Watch(prefix string, bufferSize int) *Watcher {
	watcher := NewWatcher(prefix, bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if prefix == "" {
		h.all = append(h.all, watcher)
	} else {
		var list []*Watcher
		if val, found := h.prefixTree.Search(art.Key(prefix)); found {
			list = val.([]*Watcher)
		}
		h.prefixTree.Insert(art.Key(prefix), append(list, watcher))
	}
	h.count++

	return watcher
}

// Unregister 取消注册并关闭 Watcher
// 对未注册或已取消注册的 Watcher 调用是安全的
func (h *WatchHub) Unregister(watcher *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	if watcher.Prefix == "" {
		h.all, removed = removeWatcher(h.all, watcher)
	} else if val, found := h.prefixTree.Search(art.Key(watcher.Prefix)); found {
		var list []*Watcher
		list, removed = removeWatcher(val.([]*Watcher), watcher)
		if len(list) > 0 {
			h.prefixTree.Insert(art.Key(watcher.Prefix), list)
		} else {
			h.prefixTree.Delete(art.Key(watcher.Prefix))
		}
	}

	if removed {
		h.count--
	}
	watcher.Close()
}

// ==================== 事件通知 ====================

// Notify 通知所有匹配的 Watcher
// 发送是非阻塞的：缓冲区已满的 Watcher 会丢失这个事件
func (h *WatchHub) Notify(event *Event) {
	for _, watcher := range h.FindWatchers(event.Key) {
		if !watcher.send(event) {
			h.dropped.Add(1)
		}
	}
}

// NotifyInsert 通知插入事件
func (h *WatchHub) NotifyInsert(key, value []byte) {
	h.Notify(&Event{Type: EventInsert, Key: string(key), Value: string(value)})
}

// NotifyUpdate 通知更新事件
func (h *WatchHub) NotifyUpdate(key, value []byte) {
	h.Notify(&Event{Type: EventUpdate, Key: string(key), Value: string(value)})
}

// NotifyDelete 通知删除事件
//
// 参数：
//   - key: 变更的键
//   - prevValue: 删除前的值，可以为 nil
func (h *WatchHub) NotifyDelete(key, prevValue []byte) {
	h.Notify(&Event{Type: EventDelete, Key: string(key), PrevValue: string(prevValue)})
}

// FindWatchers 找到所有关注 key 的 watcher
// 依次在前缀树中查找 key 的每一个前缀
func (h *WatchHub) FindWatchers(key string) []*Watcher {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := append([]*Watcher(nil), h.all...)
	for i := 1; i <= len(key); i++ {
		if val, found := h.prefixTree.Search(art.Key(key[:i])); found {
			result = append(result, val.([]*Watcher)...)
		}
	}
	return result
}

// ==================== 工具方法 ====================

// Count 返回当前注册的 watcher 数量
func (h *WatchHub) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Dropped 返回因缓冲区已满而丢弃的事件数
func (h *WatchHub) Dropped() int64 {
	return h.dropped.Load()
}

// Close 关闭所有 watcher
func (h *WatchHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, watcher := range h.all {
		watcher.Close()
	}
	h.prefixTree.ForEach(func(node art.Node) bool {
		for _, watcher := range node.Value().([]*Watcher) {
			watcher.Close()
		}
		return true
	})
	h.all = nil
	h.prefixTree = art.New()
	h.count = 0
}

// String 返回 WatchHub 的字符串描述
func (h *WatchHub) String() string {
	return fmt.Sprintf("WatchHub{watchers: %d}", h.Count())
}

func removeWatcher(list []*Watcher, w *Watcher) ([]*Watcher, bool) {
	for i, x := range list {
		if x == w {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// EventToJSON 将事件转换为 JSON 字符串
func EventToJSON(event *Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseEventFromJSON 从 JSON 字符串解析事件
func ParseEventFromJSON(data string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, err
	}
	return &event, nil
}
