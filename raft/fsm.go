package raft

import (
	"bytes"
	"fmt"
	"io"

	"github.com/forever-free1/LogKV/storage/bitcask"
	"github.com/forever-free1/LogKV/watch"
	"github.com/golang/snappy"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
)

// Store 是 FSM 需要的存储能力，*bitcask.Store 满足该接口
type Store interface {
	Insert(key, value []byte) error
	Update(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) ([]byte, error)
	Keys(prefix []byte) ([][]byte, error)
	Fold(fn func(key, value []byte) error) error
	Stats() (bitcask.Stats, error)
}

// ==================== FSM 实现 ====================

// StoreFSM 实现 raft.FSM，把已提交的日志应用到本地存储
// 每个节点拥有自己的数据文件，Raft 保证各节点以相同顺序追加相同的记录
type StoreFSM struct {
	store Store
	hub   *watch.WatchHub
}

// NewStoreFSM 创建 FSM
//
// 参数：
//   - store: 本地存储
//   - hub: 可选的事件中心，非 nil 时每条命令应用成功后发出通知
func NewStoreFSM(store Store, hub *watch.WatchHub) *StoreFSM {
	return &StoreFSM{store: store, hub: hub}
}

// Apply 将一条已提交的 Raft 日志应用到存储
// 返回值通过 ApplyFuture.Response 交给发起写入的一方，失败时为 error
func (f *StoreFSM) Apply(log *raft.Log) interface{} {
	var cmd LogCommand
	if err := decodeCommand(log.Data, &cmd); err != nil {
		return err
	}

	switch cmd.Type {
	case CommandInsert:
		if err := f.store.Insert(cmd.Key, cmd.Value); err != nil {
			return fmt.Errorf("Insert 执行失败: %w", err)
		}
		if f.hub != nil {
			f.hub.NotifyInsert(cmd.Key, cmd.Value)
		}
	case CommandUpdate:
		if err := f.store.Update(cmd.Key, cmd.Value); err != nil {
			return fmt.Errorf("Update 执行失败: %w", err)
		}
		if f.hub != nil {
			f.hub.NotifyUpdate(cmd.Key, cmd.Value)
		}
	case CommandDelete:
		if err := f.store.Delete(cmd.Key); err != nil {
			return fmt.Errorf("Delete 执行失败: %w", err)
		}
		if f.hub != nil {
			f.hub.NotifyDelete(cmd.Key, nil)
		}
	default:
		return fmt.Errorf("未知的命令类型: %s", cmd.Type)
	}
	return nil
}

// Snapshot 收集每个键的最新值（包含墓碑）
// Raft 不会与 Apply 并发调用 Snapshot，因此这里读到的是一致的状态
func (f *StoreFSM) Snapshot() (raft.FSMSnapshot, error) {
	var pairs []snapshotPair
	err := f.store.Fold(func(key, value []byte) error {
		pairs = append(pairs, snapshotPair{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("收集快照数据失败: %w", err)
	}
	return &storeSnapshot{pairs: pairs}, nil
}

// Restore 用快照替换本地状态
//
// 日志只能追加，所以恢复的方式是：值不同的键重新写入，
// 本地存在但快照中没有的键写入墓碑
func (f *StoreFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	dec := codec.NewDecoder(snappy.NewReader(snapshot), &codec.MsgpackHandle{})

	var count uint64
	if err := dec.Decode(&count); err != nil {
		return fmt.Errorf("读取快照头失败: %w", err)
	}

	seen := make(map[string]struct{}, count)
	for i := uint64(0); i < count; i++ {
		var pair snapshotPair
		if err := dec.Decode(&pair); err != nil {
			return fmt.Errorf("读取快照第 %d 条记录失败: %w", i, err)
		}
		seen[string(pair.Key)] = struct{}{}

		if cur, err := f.store.Get(pair.Key); err == nil && bytes.Equal(cur, pair.Value) {
			continue
		}
		if err := f.store.Insert(pair.Key, pair.Value); err != nil {
			return fmt.Errorf("恢复键失败: %w", err)
		}
	}

	keys, err := f.store.Keys(nil)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, ok := seen[string(key)]; ok {
			continue
		}
		if cur, err := f.store.Get(key); err == nil && len(cur) == 0 {
			continue
		}
		if err := f.store.Delete(key); err != nil {
			return fmt.Errorf("删除多余的键失败: %w", err)
		}
	}
	return nil
}

// ==================== 快照实现 ====================

type snapshotPair struct {
	Key   []byte `codec:"k"`
	Value []byte `codec:"v"`
}

// storeSnapshot 实现 raft.FSMSnapshot
// 格式：snappy 流中依次是 msgpack 编码的记录数和每一条记录
type storeSnapshot struct {
	pairs []snapshotPair
}

// Persist 将快照写入 sink，失败时取消 sink
func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.write(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *storeSnapshot) write(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	enc := codec.NewEncoder(sw, &codec.MsgpackHandle{})

	if err := enc.Encode(uint64(len(s.pairs))); err != nil {
		return fmt.Errorf("写入快照头失败: %w", err)
	}
	for i := range s.pairs {
		if err := enc.Encode(&s.pairs[i]); err != nil {
			return fmt.Errorf("写入快照记录失败: %w", err)
		}
	}
	return sw.Close()
}

// Release 释放快照持有的数据
func (s *storeSnapshot) Release() {
	s.pairs = nil
}

// 确保 StoreFSM 实现了 raft.FSM 接口
var _ raft.FSM = (*StoreFSM)(nil)
