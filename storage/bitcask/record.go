package bitcask

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// 记录格式（小端字节序）：
// | CRC32 (4B) | KeySize (4B) | ValueSize (4B) | Key | Value |
//
// CRC 只覆盖 key ++ value，不包含头部
const HeaderSize = 12

// MaxFieldSize 是 key 或 value 的最大长度
const MaxFieldSize = math.MaxUint32

// KeyValuePair 是解码后的记录，头部字段只用于校验和分帧，不对外暴露
type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// EncodedSize 返回一条记录编码后的总字节数
func EncodedSize(keyLen, valueLen int) int {
	return HeaderSize + keyLen + valueLen
}

// Encode 将键值对编码为一条完整的记录
// 调用方需保证 key、value 长度都不超过 MaxFieldSize
//
// 返回：
//   - []byte: 头部 + key + value
func Encode(key, value []byte) []byte {
	buf := make([]byte, EncodedSize(len(key), len(value)))

	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], value)

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[HeaderSize:]))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(value)))

	return buf
}

// Decode 从 r 中读取并校验恰好一条记录
// 不要求 r 支持随机访问，只消费自己需要的字节，
// 因此既能用于顺序扫描，也能用于单次随机偏移读取
//
// 返回：
//   - *KeyValuePair: 解码后的键值对
//   - error: r 中没有任何字节时返回 io.EOF；
//     字节不足返回 ErrTruncated；校验失败返回 ErrChecksumMismatch；
//     其它读取错误原样返回
func Decode(r io.Reader) (*KeyValuePair, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrTruncated)
		}
		return nil, err
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	keySize := binary.LittleEndian.Uint32(header[4:8])
	valueSize := binary.LittleEndian.Uint32(header[8:12])
	bodySize := int64(keySize) + int64(valueSize)

	// 按实际读到的字节增长缓冲区，避免损坏的长度字段触发超大分配
	body, err := io.ReadAll(io.LimitReader(r, bodySize))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) < bodySize {
		return nil, fmt.Errorf("%w: want %d body bytes, got %d", ErrTruncated, bodySize, len(body))
	}

	if crc32.ChecksumIEEE(body) != checksum {
		return nil, ErrChecksumMismatch
	}

	// 三下标切片，保证对 Key 的 append 不会覆盖 Value
	return &KeyValuePair{
		Key:   body[:keySize:keySize],
		Value: body[keySize:],
	}, nil
}
