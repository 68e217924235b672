// logkvd 打开一个 LogKV 数据文件并通过 HTTP 对外提供服务，可选地通过 Raft 复制写操作
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/forever-free1/LogKV/api/http"
	"github.com/forever-free1/LogKV/metrics"
	"github.com/forever-free1/LogKV/raft"
	"github.com/forever-free1/LogKV/storage/bitcask"
	"github.com/forever-free1/LogKV/storage/index"
	"github.com/forever-free1/LogKV/watch"
	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type config struct {
	dataPath     string
	httpAddr     string
	indexType    string
	syncWrites   bool
	repairTail   bool
	raftID       string
	raftAddr     string
	raftDir      string
	bootstrap    bool
	logLevel     string
	shutdownWait time.Duration
}

func parseFlags(fs *flag.FlagSet, args []string) (*config, error) {
	cfg := &config{}
	fs.StringVar(&cfg.dataPath, "data", "logkv.db", "path of the log file")
	fs.StringVar(&cfg.httpAddr, "http", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.indexType, "index", "art", "in-memory index: art or map")
	fs.BoolVar(&cfg.syncWrites, "sync", false, "fsync after every append")
	fs.BoolVar(&cfg.repairTail, "repair-tail", false, "truncate a torn record at the end of the log on load")
	fs.StringVar(&cfg.raftID, "raft-id", "", "raft node id; raft is disabled when empty")
	fs.StringVar(&cfg.raftAddr, "raft-addr", "127.0.0.1:7000", "raft bind address")
	fs.StringVar(&cfg.raftDir, "raft-dir", "raft", "raft snapshot directory")
	fs.BoolVar(&cfg.bootstrap, "bootstrap", false, "bootstrap a new single-node raft cluster")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	fs.DurationVar(&cfg.shutdownWait, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.dataPath == "" {
		return nil, errors.New("-data is required")
	}
	return cfg, nil
}

func (c *config) index() (index.Type, error) {
	switch c.indexType {
	case "art":
		return index.TypeART, nil
	case "map":
		return index.TypeMap, nil
	}
	return 0, fmt.Errorf("unknown index type %q", c.indexType)
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "logkvd",
		Level: hclog.LevelFromString(cfg.logLevel),
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := cfg.index()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := bitcask.Open(cfg.dataPath,
		bitcask.WithIndexType(idx),
		bitcask.WithSyncWrites(cfg.syncWrites),
		bitcask.WithTruncateTornTail(cfg.repairTail),
		bitcask.WithLogger(logger),
		bitcask.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	if err := store.Load(); err != nil {
		return fmt.Errorf("加载存储失败: %w", err)
	}
	if stats, err := store.Stats(); err == nil && stats.TornTail {
		logger.Warn("log has a torn tail, writes will fail until restarted with -repair-tail", "path", store.Path())
	}

	hub := watch.NewWatchHub()
	httpConfig := httpapi.Config{
		Hub:          hub,
		NotifyWrites: true,
		Gatherer:     reg,
		Logger:       logger,
	}

	var kv httpapi.KV = store
	if cfg.raftID != "" {
		node, err := raft.NewNode(raft.NewStoreFSM(store, hub), store, &raft.NodeConfig{
			NodeID:    hraft.ServerID(cfg.raftID),
			BindAddr:  cfg.raftAddr,
			DataDir:   cfg.raftDir,
			Bootstrap: cfg.bootstrap,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer node.Close()

		kv = node
		httpConfig.NotifyWrites = false
	}

	server := httpapi.NewServer(cfg.httpAddr, kv, httpConfig)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.httpAddr)
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		hub.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// 先关闭 Hub 结束 SSE 连接，否则 Shutdown 会一直等待
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	if err := store.Sync(); err != nil {
		logger.Error("sync failed", "path", store.Path(), "error", err)
	}
	return <-errCh
}
