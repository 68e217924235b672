// logkv 是操作单个 LogKV 数据文件的命令行工具
//
//	logkv FILE get KEY
//	logkv FILE delete KEY
//	logkv FILE insert KEY VALUE
//	logkv FILE update KEY VALUE
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/forever-free1/LogKV/storage"
	"github.com/forever-free1/LogKV/storage/bitcask"
	"github.com/hashicorp/go-hclog"
)

const usage = `Usage:
    logkv FILE get KEY
    logkv FILE delete KEY
    logkv FILE insert KEY VALUE
    logkv FILE update KEY VALUE
`

// 退出码
const (
	exitOK       = 0
	exitNotFound = 1
	exitError    = 1
	exitUsage    = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行一条命令并返回退出码
// get 把原始值写到 stdout，不追加换行
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	path, action, key := args[0], args[1], []byte(args[2])

	var value []byte
	switch action {
	case "get", "delete":
		if len(args) != 3 {
			fmt.Fprint(stderr, usage)
			return exitUsage
		}
	case "insert", "update":
		if len(args) != 4 {
			fmt.Fprint(stderr, usage)
			return exitUsage
		}
		value = []byte(args[3])
	default:
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "logkv",
		Level:  hclog.Warn,
		Output: stderr,
	})

	store, err := bitcask.Open(path, bitcask.WithLogger(logger), bitcask.WithSyncWrites(true))
	if err != nil {
		fmt.Fprintf(stderr, "failed to open %s: %v\n", path, err)
		return exitError
	}
	defer store.Close()

	if err := store.Load(); err != nil {
		fmt.Fprintf(stderr, "failed to load %s: %v\n", path, err)
		return exitError
	}

	switch action {
	case "get":
		v, err := store.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			fmt.Fprintf(stderr, "%q not found\n", key)
			return exitNotFound
		}
		if err != nil {
			fmt.Fprintf(stderr, "get failed: %v\n", err)
			return exitError
		}
		stdout.Write(v)
		return exitOK
	case "delete":
		err = store.Delete(key)
	case "insert":
		err = store.Insert(key, value)
	case "update":
		err = store.Update(key, value)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", action, err)
		return exitError
	}
	return exitOK
}
