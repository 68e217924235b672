// Package lock 提供基于锁文件的进程级独占锁，保证同一时刻只有一个进程拥有数据文件
package lock

import "errors"

// ErrLocked 表示锁已被其它实例持有
var ErrLocked = errors.New("data file already in use by another instance")

// Lock 表示一个已获取的锁，Release 后失效
type Lock struct {
	path    string
	release func() error
}

// Path 返回锁文件路径
func (l *Lock) Path() string {
	return l.path
}

// Release 释放锁，重复调用是安全的
func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	err := l.release()
	l.release = nil
	return err
}
