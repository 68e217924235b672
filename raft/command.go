package raft

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// ==================== 命令定义 ====================

// CommandType 定义命令类型
type CommandType string

const (
	CommandInsert CommandType = "insert"
	CommandUpdate CommandType = "update"
	CommandDelete CommandType = "delete"
)

// LogCommand 是在 Raft 集群间复制的写操作，作为 Raft 日志的 payload
type LogCommand struct {
	Type  CommandType `codec:"type"`
	Key   []byte      `codec:"key"`
	Value []byte      `codec:"value"` // 删除时为空
}

// ==================== 命令编码/解码 ====================

// encodeCommand 将 LogCommand 编码为 msgpack
func encodeCommand(cmd *LogCommand) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(cmd); err != nil {
		return nil, fmt.Errorf("编码命令失败: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeCommand 从 msgpack 解码 LogCommand
func decodeCommand(data []byte, cmd *LogCommand) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	if err := dec.Decode(cmd); err != nil {
		return fmt.Errorf("解析命令失败: %w", err)
	}
	return nil
}
