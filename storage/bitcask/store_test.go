package bitcask

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/forever-free1/LogKV/metrics"
	"github.com/forever-free1/LogKV/storage"
	"github.com/forever-free1/LogKV/storage/index"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// openLoaded 打开并加载一个存储
func openLoaded(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	if err := s.Load(); err != nil {
		s.Close()
		t.Fatalf("加载存储失败: %v", err)
	}
	return s
}

func mustGet(t *testing.T, s *Store, key string) string {
	t.Helper()
	v, err := s.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get %q 失败: %v", key, err)
	}
	return string(v)
}

func TestStore_InsertAndGet(t *testing.T) {
	s := openLoaded(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()

	key := []byte("test_key")
	value := []byte("test_value")
	if err := s.Insert(key, value); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("值不匹配: got %s, want %s", got, value)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := openLoaded(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()

	_, err := s.Get([]byte("not_exist"))
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("期望 ErrKeyNotFound, 得到: %v", err)
	}
}

func TestStore_DeleteLeavesEmptyValue(t *testing.T) {
	s := openLoaded(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()

	key := []byte("test_key")
	if err := s.Insert(key, []byte("test_value")); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete 失败: %v", err)
	}

	// 删除后返回空值，而不是 ErrKeyNotFound
	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("删除后 Get 应返回空值, 得到错误: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("删除后应返回非 nil 的空值, 得到: %q", got)
	}

	// 从未写入过的键仍然是 ErrKeyNotFound
	if _, err := s.Get([]byte("never")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("期望 ErrKeyNotFound, 得到: %v", err)
	}
}

func TestStore_LastWriteWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s := openLoaded(t, path)
	if err := s.Insert([]byte("K"), []byte("V1")); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}
	if err := s.Update([]byte("K"), []byte("V2")); err != nil {
		t.Fatalf("Update 失败: %v", err)
	}
	if got := mustGet(t, s, "K"); got != "V2" {
		t.Errorf("值不匹配: got %s, want V2", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	s2 := openLoaded(t, path)
	defer s2.Close()
	if got := mustGet(t, s2, "K"); got != "V2" {
		t.Errorf("重新加载后值不匹配: got %s, want V2", got)
	}
}

func TestStore_EndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	check := func(s *Store) {
		t.Helper()
		if got := mustGet(t, s, "a"); got != "3" {
			t.Errorf("a: got %s, want 3", got)
		}
		if got := mustGet(t, s, "b"); got != "2" {
			t.Errorf("b: got %s, want 2", got)
		}
		if _, err := s.Get([]byte("c")); !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("c: 期望 ErrKeyNotFound, 得到: %v", err)
		}
	}

	s := openLoaded(t, path)
	steps := []func() error{
		func() error { return s.Insert([]byte("a"), []byte("1")) },
		func() error { return s.Insert([]byte("b"), []byte("2")) },
		func() error { return s.Update([]byte("a"), []byte("3")) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("第 %d 步失败: %v", i, err)
		}
	}
	check(s)
	s.Close()

	s2 := openLoaded(t, path)
	defer s2.Close()
	check(s2)
}

func TestStore_LoadIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s := openLoaded(t, path)
	defer s.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%d", i%10))
		if err := s.Insert(key, []byte(fmt.Sprintf("value%d", i))); err != nil {
			t.Fatalf("Insert 失败: %v", err)
		}
	}

	snapshot := func() map[string]storage.Position {
		m := make(map[string]storage.Position)
		s.index.Ascend(func(key []byte, pos *storage.Position) bool {
			m[string(key)] = *pos
			return true
		})
		return m
	}

	if err := s.Load(); err != nil {
		t.Fatalf("第一次 Load 失败: %v", err)
	}
	first := snapshot()
	if err := s.Load(); err != nil {
		t.Fatalf("第二次 Load 失败: %v", err)
	}
	second := snapshot()

	if len(first) != 10 || len(first) != len(second) {
		t.Fatalf("索引大小不一致: %d vs %d", len(first), len(second))
	}
	for k, pos := range first {
		if second[k] != pos {
			t.Errorf("键 %s 的位置不一致: %+v vs %+v", k, pos, second[k])
		}
	}
}

func TestStore_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s := openLoaded(t, path)
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Insert([]byte(k), []byte("value-"+k)); err != nil {
			t.Fatalf("Insert 失败: %v", err)
		}
	}
	s.Close()

	// 模拟非正常关机：最后一条记录只写了一半
	partial := Encode([]byte("d"), []byte("value-d"))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("打开文件失败: %v", err)
	}
	f.Write(partial[:len(partial)-2])
	f.Close()

	s2 := openLoaded(t, path)
	defer s2.Close()

	for _, k := range []string{"a", "b", "c"} {
		if got := mustGet(t, s2, k); got != "value-"+k {
			t.Errorf("%s: got %s", k, got)
		}
	}
	if _, err := s2.Get([]byte("d")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("残缺记录不应被索引, 得到: %v", err)
	}

	// 默认不截断文件
	info, _ := os.Stat(path)
	if info.Size() != 3*int64(EncodedSize(1, 7))+int64(len(partial)-2) {
		t.Errorf("文件大小被修改: %d", info.Size())
	}
}

func TestStore_TruncateTornTailOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	whole := Encode([]byte("a"), []byte("1"))
	torn := Encode([]byte("b"), []byte("2"))
	if err := os.WriteFile(path, append(whole, torn[:5]...), 0644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}

	s := openLoaded(t, path, WithTruncateTornTail(true))
	if err := s.Insert([]byte("c"), []byte("3")); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}
	s.Close()

	// 截断后新追加的记录在下一次 Load 时仍然可达
	s2 := openLoaded(t, path)
	defer s2.Close()
	if got := mustGet(t, s2, "c"); got != "3" {
		t.Errorf("c: got %s, want 3", got)
	}
	if got := mustGet(t, s2, "a"); got != "1" {
		t.Errorf("a: got %s, want 1", got)
	}
}

func TestStore_InsertAfterTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s := openLoaded(t, path)
	if err := s.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}
	s.Close()

	// 头部声明 10 字节记录体，实际只写了 2 字节
	torn := Encode([]byte("tornk"), []byte("value"))[:HeaderSize+2]
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("打开文件失败: %v", err)
	}
	f.Write(torn)
	f.Close()

	// 默认不修复：读取正常，写入被拒绝，文件保持原样
	s2 := openLoaded(t, path)
	if err := s2.Insert([]byte("b"), []byte("2")); !errors.Is(err, ErrTornTail) {
		t.Fatalf("残缺尾部未修复时期望 ErrTornTail, 得到: %v", err)
	}
	if got := mustGet(t, s2, "a"); got != "1" {
		t.Errorf("a: got %s, want 1", got)
	}
	stats, err := s2.Stats()
	if err != nil || !stats.TornTail {
		t.Errorf("Stats 应报告残缺尾部: %+v, %v", stats, err)
	}
	s2.Close()

	info, _ := os.Stat(path)
	if info.Size() != int64(EncodedSize(1, 1)+len(torn)) {
		t.Fatalf("被拒绝的写入不应修改文件: %d", info.Size())
	}

	// 再次以默认选项加载不会遇到校验和错误
	s3 := openLoaded(t, path)
	if got := mustGet(t, s3, "a"); got != "1" {
		t.Errorf("a: got %s, want 1", got)
	}
	s3.Close()

	// 开启修复后写入恢复
	s4 := openLoaded(t, path, WithTruncateTornTail(true))
	if err := s4.Insert([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("修复后 Insert 失败: %v", err)
	}
	stats, _ = s4.Stats()
	if stats.TornTail {
		t.Errorf("修复后 TornTail 应为 false")
	}
	s4.Close()

	s5 := openLoaded(t, path)
	defer s5.Close()
	if got := mustGet(t, s5, "b"); got != "2" {
		t.Errorf("b: got %s, want 2", got)
	}
	if got := mustGet(t, s5, "a"); got != "1" {
		t.Errorf("a: got %s, want 1", got)
	}
}

func TestStore_LoadChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	good := Encode([]byte("a"), []byte("1"))
	bad := Encode([]byte("b"), []byte("2"))
	bad[len(bad)-1] ^= 0x01
	if err := os.WriteFile(path, append(good, bad...), 0644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	defer s.Close()

	if err := s.Load(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("期望 ErrChecksumMismatch, 得到: %v", err)
	}
	if _, err := s.Get([]byte("a")); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Load 失败后应保持 unloaded, 得到: %v", err)
	}
}

func TestStore_GetDetectsExternalCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s := openLoaded(t, path)
	defer s.Close()

	if err := s.Insert([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}

	// 绕过 Store 直接改写文件中的一个字节
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("打开文件失败: %v", err)
	}
	f.WriteAt([]byte{'V'}, HeaderSize+3)
	f.Close()

	if _, err := s.Get([]byte("key")); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("期望 ErrChecksumMismatch, 得到: %v", err)
	}
}

func TestStore_StateMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}

	if _, err := s.Get([]byte("a")); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Load 前 Get 期望 ErrNotLoaded, 得到: %v", err)
	}
	if err := s.Insert([]byte("a"), []byte("1")); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Load 前 Insert 期望 ErrNotLoaded, 得到: %v", err)
	}

	if err := s.Load(); err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if s.Path() != path {
		t.Errorf("Path 不正确: %s", s.Path())
	}
	if err := s.Sync(); err != nil {
		t.Errorf("Sync 失败: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("重复关闭应当安全: %v", err)
	}
	if err := s.Sync(); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后 Sync 期望 ErrClosed, 得到: %v", err)
	}
	if err := s.Load(); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后 Load 期望 ErrClosed, 得到: %v", err)
	}
	if _, err := s.Get([]byte("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后 Get 期望 ErrClosed, 得到: %v", err)
	}
}

func TestStore_ExclusiveOpen(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("文件锁仅在 unix 平台实现")
	}
	path := filepath.Join(t.TempDir(), "db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrLocked) {
		t.Errorf("第二次打开期望 ErrLocked, 得到: %v", err)
	}

	s.Close()
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("关闭后重新打开失败: %v", err)
	}
	s2.Close()
}

func TestStore_IndexTypes(t *testing.T) {
	for _, typ := range []index.Type{index.TypeART, index.TypeMap} {
		t.Run(typ.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")
			s := openLoaded(t, path, WithIndexType(typ))
			for i := 0; i < 20; i++ {
				key := []byte(fmt.Sprintf("user:%02d", i))
				if err := s.Insert(key, key); err != nil {
					t.Fatalf("Insert 失败: %v", err)
				}
			}
			s.Insert([]byte("order:1"), []byte("x"))
			s.Close()

			s2 := openLoaded(t, path, WithIndexType(typ))
			defer s2.Close()

			keys, err := s2.Keys([]byte("user:"))
			if err != nil {
				t.Fatalf("Keys 失败: %v", err)
			}
			if len(keys) != 20 || string(keys[0]) != "user:00" || string(keys[19]) != "user:19" {
				t.Errorf("前缀键列表不正确: %q", keys)
			}
		})
	}
}

func TestStore_FoldAndStats(t *testing.T) {
	s := openLoaded(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()

	s.Insert([]byte("a"), []byte("1"))
	s.Insert([]byte("b"), []byte("2"))
	s.Update([]byte("a"), []byte("33"))
	s.Delete([]byte("b"))

	got := map[string]string{}
	err := s.Fold(func(key, value []byte) error {
		got[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("Fold 失败: %v", err)
	}
	if len(got) != 2 || got["a"] != "33" || got["b"] != "" {
		t.Errorf("Fold 结果不正确: %v", got)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats 失败: %v", err)
	}
	wantLive := int64(EncodedSize(1, 2) + EncodedSize(1, 0))
	wantLog := wantLive + int64(EncodedSize(1, 1)*2)
	if st.Keys != 2 || st.LiveBytes != wantLive || st.LogBytes != wantLog || st.DeadBytes != wantLog-wantLive {
		t.Errorf("统计不正确: %+v", st)
	}

	stop := errors.New("stop")
	n := 0
	err = s.Fold(func(key, value []byte) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("Fold 应在回调出错时停止: n=%d err=%v", n, err)
	}
}

func TestStore_BinaryKeysAndValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s := openLoaded(t, path)

	key := []byte{0xff, 0xfe, 0x01, 0x80}
	value := []byte{0xc3, 0x28, 0x00, 0xa0, 0xa1}
	if err := s.Insert(key, value); err != nil {
		t.Fatalf("Insert 失败: %v", err)
	}
	s.Close()

	s2 := openLoaded(t, path)
	defer s2.Close()
	got, err := s2.Get(key)
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("值不匹配: got %x, want %x", got, value)
	}
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s := openLoaded(t, path)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				if err := s.Insert(key, key); err != nil {
					t.Errorf("Insert 失败: %v", err)
					return
				}
				got, err := s.Get(key)
				if err != nil || !bytes.Equal(got, key) {
					t.Errorf("Get %s: got %s, err %v", key, got, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	s.Close()

	s2 := openLoaded(t, path)
	defer s2.Close()
	keys, _ := s2.Keys(nil)
	if len(keys) != 400 {
		t.Errorf("重新加载后键数量不正确: %d", len(keys))
	}
}

func TestStore_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := openLoaded(t, filepath.Join(t.TempDir(), "db"), WithMetrics(m), WithSyncWrites(true))
	defer s.Close()

	s.Insert([]byte("a"), []byte("1"))
	s.Update([]byte("a"), []byte("2"))
	s.Get([]byte("a"))
	s.Get([]byte("missing"))

	if got := testutil.ToFloat64(m.Appends); got != 2 {
		t.Errorf("appends: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Gets.WithLabelValues(metrics.ResultHit)); got != 1 {
		t.Errorf("hits: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Gets.WithLabelValues(metrics.ResultMiss)); got != 1 {
		t.Errorf("misses: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeadBytes); got != float64(EncodedSize(1, 1)) {
		t.Errorf("dead bytes: got %v", got)
	}
}
