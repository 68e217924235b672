// Package raft 通过 hashicorp/raft 在多个节点之间复制写操作
// 每个节点拥有自己的数据文件，读操作直接访问本地存储
package raft

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forever-free1/LogKV/storage/bitcask"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

// ==================== 节点配置 ====================

// NodeConfig 定义 Raft 节点的配置
type NodeConfig struct {
	NodeID   raft.ServerID
	BindAddr string // 监听地址
	DataDir  string // 快照目录的父目录

	// 集群配置
	Bootstrap bool          // 是否引导集群
	Peers     []raft.Server // 初始集群节点，为空时只包含自己

	ApplyTimeout time.Duration // 默认 5 秒
	Logger       hclog.Logger
}

// Node Raft 节点封装
type Node struct {
	raft      *raft.Raft
	fsm       *StoreFSM
	store     Store
	transport *raft.NetworkTransport
	config    *NodeConfig
	logger    hclog.Logger
}

// ==================== 节点创建 ====================

// NewNode 创建新的 Raft 节点
//
// 参数：
//   - fsm: 状态机，通常由 NewStoreFSM 创建
//   - store: 本地存储，用于不经过 Raft 的读取
//   - config: 节点配置
//
// 返回：
//   - *Node: Raft 节点
//   - error: 创建错误
func NewNode(fsm *StoreFSM, store Store, config *NodeConfig) (*Node, error) {
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("raft")
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = config.NodeID
	raftConfig.Logger = logger

	// 日志和稳定存储放在内存中；节点重启后从快照和其它节点追赶
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(config.DataDir, "raft-snapshots"), 3, logger)
	if err != nil {
		return nil, fmt.Errorf("创建快照存储失败: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(config.BindAddr, nil, 3, 10*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("创建传输层失败: %w", err)
	}

	ra, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("创建 Raft 实例失败: %w", err)
	}

	if config.Bootstrap {
		servers := config.Peers
		if len(servers) == 0 {
			servers = []raft.Server{{ID: config.NodeID, Address: transport.LocalAddr()}}
		}
		err := ra.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			ra.Shutdown()
			transport.Close()
			return nil, fmt.Errorf("引导集群失败: %w", err)
		}
	}

	logger.Info("raft node started", "id", config.NodeID, "addr", transport.LocalAddr(), "bootstrap", config.Bootstrap)

	return &Node{
		raft:      ra,
		fsm:       fsm,
		store:     store,
		transport: transport,
		config:    config,
		logger:    logger,
	}, nil
}

// ==================== 客户端操作 ====================

// Insert 通过 Raft 写入键值对，命令提交并应用到本地后返回
func (n *Node) Insert(key, value []byte) error {
	return n.apply(&LogCommand{Type: CommandInsert, Key: key, Value: value})
}

// Update 通过 Raft 更新键值对
func (n *Node) Update(key, value []byte) error {
	return n.apply(&LogCommand{Type: CommandUpdate, Key: key, Value: value})
}

// Delete 通过 Raft 删除键
func (n *Node) Delete(key []byte) error {
	return n.apply(&LogCommand{Type: CommandDelete, Key: key})
}

// Get 从本地存储读取值，不经过 Raft
// Follower 上可能读到稍旧的数据
func (n *Node) Get(key []byte) ([]byte, error) {
	return n.store.Get(key)
}

// Keys 从本地存储列出键
func (n *Node) Keys(prefix []byte) ([][]byte, error) {
	return n.store.Keys(prefix)
}

// Stats 返回本地存储的容量统计
func (n *Node) Stats() (bitcask.Stats, error) {
	return n.store.Stats()
}

func (n *Node) apply(cmd *LogCommand) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}

	future := n.raft.Apply(data, n.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("提交到 Raft 失败: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// ==================== 集群管理 ====================

// AddPeer 添加节点到集群
func (n *Node) AddPeer(id raft.ServerID, address string) error {
	return n.raft.AddVoter(id, raft.ServerAddress(address), 0, 0).Error()
}

// RemovePeer 从集群移除节点
func (n *Node) RemovePeer(id raft.ServerID) error {
	return n.raft.RemoveServer(id, 0, 0).Error()
}

// Leader 获取当前 Leader 地址
func (n *Node) Leader() (raft.ServerAddress, bool) {
	leader := n.raft.Leader()
	return leader, leader != ""
}

// IsLeader 判断当前节点是否为 Leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// WaitForLeader 等待集群选出 Leader，超时返回错误
func (n *Node) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := n.Leader(); ok {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("等待 Leader 超时 (%s)", timeout)
}

// Peers 获取集群中的所有节点
func (n *Node) Peers() []raft.ServerID {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}

	var peers []raft.ServerID
	for _, server := range future.Configuration().Servers {
		peers = append(peers, server.ID)
	}
	return peers
}

// Addr 返回传输层实际监听的地址
func (n *Node) Addr() raft.ServerAddress {
	return n.transport.LocalAddr()
}

// Snapshot 立即创建快照
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// ==================== 关闭 ====================

// Close 关闭 Raft 节点和传输层
// 本地存储由调用方负责关闭
func (n *Node) Close() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("关闭 Raft 失败: %w", err)
	}
	if err := n.transport.Close(); err != nil {
		return fmt.Errorf("关闭传输层失败: %w", err)
	}
	n.logger.Info("raft node stopped", "id", n.config.NodeID)
	return nil
}
