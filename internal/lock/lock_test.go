//go:build unix

package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.lock")

	t.Run("second acquire fails while lock is held", func(t *testing.T) {
		l, err := Acquire(path)
		if err != nil {
			t.Fatalf("获取锁失败: %v", err)
		}
		defer l.Release()

		if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
			t.Fatalf("期望 ErrLocked, 得到: %v", err)
		}
	})

	t.Run("lock can be taken again after release", func(t *testing.T) {
		l, err := Acquire(path)
		if err != nil {
			t.Fatalf("获取锁失败: %v", err)
		}
		if err := l.Release(); err != nil {
			t.Fatalf("释放锁失败: %v", err)
		}
		if err := l.Release(); err != nil {
			t.Fatalf("重复释放应当安全: %v", err)
		}

		l2, err := Acquire(path)
		if err != nil {
			t.Fatalf("释放后应当可以重新获取: %v", err)
		}
		l2.Release()
	})
}
