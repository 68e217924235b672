package bitcask

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"testing"
)

func TestRecord_RoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"text", []byte("language"), []byte("go")},
		{"empty value", []byte("tombstone"), []byte{}},
		{"empty key", []byte{}, []byte("v")},
		{"both empty", []byte{}, []byte{}},
		{"binary", []byte{0x00, 0xff, 0xfe}, []byte{0xc3, 0x28, 0x00}},
		{"large value", []byte("big"), bytes.Repeat([]byte("x"), 1<<20)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := Encode(tc.key, tc.value)
			if len(data) != EncodedSize(len(tc.key), len(tc.value)) {
				t.Fatalf("编码长度不正确: %d", len(data))
			}

			kv, err := Decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Decode 失败: %v", err)
			}
			if !bytes.Equal(tc.key, kv.Key) {
				t.Errorf("key 不匹配: got %x, want %x", kv.Key, tc.key)
			}
			if !bytes.Equal(tc.value, kv.Value) {
				t.Errorf("value 不匹配: got %d 字节, want %d 字节", len(kv.Value), len(tc.value))
			}
			if kv.Value == nil {
				t.Errorf("value 不应为 nil")
			}
		})
	}
}

func TestRecord_ByteLayout(t *testing.T) {
	data := Encode([]byte("ab"), []byte("xyz"))

	if got := binary.LittleEndian.Uint32(data[0:4]); got != crc32.ChecksumIEEE([]byte("abxyz")) {
		t.Errorf("校验和不正确: %x", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 2 {
		t.Errorf("key_len 不正确: %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[8:12]); got != 3 {
		t.Errorf("val_len 不正确: %d", got)
	}
	if got := string(data[12:]); got != "abxyz" {
		t.Errorf("记录体不正确: %q", got)
	}
}

func TestRecord_ChecksumSensitivity(t *testing.T) {
	data := Encode([]byte("key"), []byte("value"))

	for i := HeaderSize; i < len(data); i++ {
		corrupt := append([]byte(nil), data...)
		corrupt[i] ^= 0x01

		_, err := Decode(bytes.NewReader(corrupt))
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("翻转第 %d 字节后期望 ErrChecksumMismatch, 得到: %v", i, err)
		}
	}

	// 校验和字段本身被改写同样判定为损坏
	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0x80
	if _, err := Decode(bytes.NewReader(corrupt)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("期望 ErrChecksumMismatch, 得到: %v", err)
	}
}

func TestRecord_Truncated(t *testing.T) {
	data := Encode([]byte("abc"), []byte("xy"))

	if _, err := Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("空输入期望 io.EOF, 得到: %v", err)
	}

	for i := 1; i < len(data); i++ {
		_, err := Decode(bytes.NewReader(data[:i]))
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("长度 %d 的截断数据期望 ErrTruncated, 得到: %v", i, err)
		}
	}
}

func TestRecord_HugeDeclaredLength(t *testing.T) {
	// 头部声明了接近 8GiB 的长度，但实际只有几个字节
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], 0xffffffff)
	binary.LittleEndian.PutUint32(header[8:12], 0xffffffff)
	data := append(header, []byte("junk")...)

	if _, err := Decode(bytes.NewReader(data)); !errors.Is(err, ErrTruncated) {
		t.Errorf("期望 ErrTruncated, 得到: %v", err)
	}
}

func TestRecord_DecodeConsumesExactlyOneRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode([]byte("a"), []byte("1")))
	buf.Write(Encode([]byte("b"), []byte("2")))

	first, err := Decode(&buf)
	if err != nil {
		t.Fatalf("第一条 Decode 失败: %v", err)
	}
	second, err := Decode(&buf)
	if err != nil {
		t.Fatalf("第二条 Decode 失败: %v", err)
	}
	if _, err := Decode(&buf); err != io.EOF {
		t.Errorf("读完后期望 io.EOF, 得到: %v", err)
	}

	if string(first.Key) != "a" || string(second.Value) != "2" {
		t.Errorf("记录不正确: %q %q", first.Key, second.Value)
	}
}
