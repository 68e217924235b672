// Package http 通过 Gin 对外提供键值存储的 HTTP 接口
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forever-free1/LogKV/storage"
	"github.com/forever-free1/LogKV/storage/bitcask"
	"github.com/forever-free1/LogKV/watch"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ==================== Handler 定义 ====================

// KV 是 HTTP 层需要的存储能力
// *bitcask.Store 和 *raft.Node 都满足该接口
type KV interface {
	Insert(key, value []byte) error
	Update(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) ([]byte, error)
}

// keyLister 是可选能力，用于 /v1/keys
type keyLister interface {
	Keys(prefix []byte) ([][]byte, error)
}

// statser 是可选能力，用于 /v1/stats
type statser interface {
	Stats() (bitcask.Stats, error)
}

// Config 定义 Handler 的可选配置
type Config struct {
	// 事件通知中心，为 nil 时 /v1/watch 不可用
	Hub *watch.WatchHub

	// 写入成功后是否由 HTTP 层发出事件
	// 写入经过 Raft 时由 FSM 负责通知，这里应设为 false
	NotifyWrites bool

	// 单个值的最大字节数，默认 64MiB
	MaxValueSize int64

	// /metrics 使用的指标来源，默认 prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	Logger hclog.Logger
}

// Handler HTTP 请求处理器
type Handler struct {
	kv     KV
	config Config
	logger hclog.Logger
}

// NewHandler 创建新的 Handler
//
// 参数：
//   - kv: 存储，可以是本地 Store 或 Raft Node
//   - config: 可选配置
func NewHandler(kv KV, config Config) *Handler {
	if config.MaxValueSize <= 0 {
		config.MaxValueSize = 64 << 20
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{
		kv:     kv,
		config: config,
		logger: logger.Named("http"),
	}
}

// ==================== API 路由 ====================

// RegisterRoutes 注册所有路由
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/health", h.HealthCheck)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	{
		// 键中可以包含 '/'
		kv := v1.Group("/kv")
		{
			kv.GET("/*key", h.Get)
			kv.POST("/*key", h.Insert)
			kv.PUT("/*key", h.Update)
			kv.DELETE("/*key", h.Delete)
		}

		v1.GET("/keys", h.Keys)
		v1.GET("/stats", h.Stats)

		// Watch API (SSE 长连接)
		v1.GET("/watch", h.Watch)
	}
}

// ==================== API 处理函数 ====================

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Get 读取原始值
// GET /v1/kv/:key
// 已删除的键返回 200 和空响应体
func (h *Handler) Get(c *gin.Context) {
	key, ok := h.key(c)
	if !ok {
		return
	}

	value, err := h.kv.Get(key)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", value)
}

// Insert 写入键值对，请求体是原始值
// POST /v1/kv/:key
func (h *Handler) Insert(c *gin.Context) {
	h.write(c, watch.EventInsert, h.kv.Insert)
}

// Update 更新键值对
// PUT /v1/kv/:key
func (h *Handler) Update(c *gin.Context) {
	h.write(c, watch.EventUpdate, h.kv.Update)
}

func (h *Handler) write(c *gin.Context, typ watch.EventType, fn func(key, value []byte) error) {
	key, ok := h.key(c)
	if !ok {
		return
	}

	value, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.config.MaxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "value too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	if err := fn(key, value); err != nil {
		h.fail(c, err)
		return
	}

	if h.notifying() {
		h.config.Hub.Notify(&watch.Event{Type: typ, Key: string(key), Value: string(value)})
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"key":     string(key),
	})
}

// Delete 删除键
// DELETE /v1/kv/:key
func (h *Handler) Delete(c *gin.Context) {
	key, ok := h.key(c)
	if !ok {
		return
	}

	// 先获取旧值（用于事件通知）
	var prevValue []byte
	if h.notifying() {
		prevValue, _ = h.kv.Get(key)
	}

	if err := h.kv.Delete(key); err != nil {
		h.fail(c, err)
		return
	}

	if h.notifying() {
		h.config.Hub.NotifyDelete(key, prevValue)
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"key":     string(key),
	})
}

// Keys 按前缀列出键
// GET /v1/keys?prefix=xxx
func (h *Handler) Keys(c *gin.Context) {
	lister, ok := h.kv.(keyLister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "listing keys is not supported"})
		return
	}

	keys, err := lister.Keys([]byte(c.Query("prefix")))
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// Stats 返回容量统计
// GET /v1/stats
func (h *Handler) Stats(c *gin.Context) {
	s, ok := h.kv.(statser)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stats are not supported"})
		return
	}

	stats, err := s.Stats()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) key(c *gin.Context) ([]byte, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return nil, false
	}
	return []byte(key), true
}

func (h *Handler) notifying() bool {
	return h.config.NotifyWrites && h.config.Hub != nil
}

// fail 把存储错误映射为 HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bitcask.ErrKeyTooLarge), errors.Is(err, bitcask.ErrValueTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, bitcask.ErrNotLoaded), errors.Is(err, bitcask.ErrClosed),
		errors.Is(err, bitcask.ErrTornTail):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ==================== Watch (SSE) ====================

// Watch 处理 Watch 请求
// GET /v1/watch?prefix=xxx
// 使用 Server-Sent Events (SSE) 实现长连接
func (h *Handler) Watch(c *gin.Context) {
	if h.config.Hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "watch is not enabled"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	prefix := c.DefaultQuery("prefix", "")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	watcher := h.config.Hub.Watch(prefix, 1000)
	defer h.config.Hub.Unregister(watcher)

	clientGone := c.Request.Context().Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-clientGone:
			return

		case event, ok := <-watcher.Ch:
			if !ok {
				// Hub 已关闭
				return
			}
			data, err := watch.EventToJSON(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// ==================== 服务器 ====================

// Server HTTP 服务器
type Server struct {
	engine  *gin.Engine
	handler *Handler
	srv     *http.Server
}

// NewServer 创建新的 Server
func NewServer(addr string, kv KV, config Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	handler := NewHandler(kv, config)
	engine.Use(gin.Recovery(), requestLogger(handler.logger))
	handler.RegisterRoutes(engine)

	return &Server{
		engine:  engine,
		handler: handler,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start 启动服务器，阻塞直到服务器关闭
// 通过 Shutdown 正常关闭时返回 nil
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接收新连接并等待进行中的请求完成
// SSE 连接需要先关闭 Hub 才会结束
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ServeHTTP 实现 http.Handler 接口
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// requestLogger 以 debug 级别记录每个请求
func requestLogger(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}
