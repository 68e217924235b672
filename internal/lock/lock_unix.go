//go:build unix

package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Acquire 在 path 上获取一个非阻塞的独占 flock(2) 锁
// 锁文件不存在时创建；返回的 Lock 必须在关闭存储时释放
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开锁文件失败: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("获取文件锁失败: %w", err)
	}

	return &Lock{
		path: path,
		release: func() error {
			if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
				f.Close()
				return fmt.Errorf("释放文件锁失败: %w", err)
			}
			return f.Close()
		},
	}, nil
}
