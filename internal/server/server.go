package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaocaoooo/html-fetch-worker/internal/fetch"
)

const requestIDHeader = "X-Request-ID"

type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

type PoolStats interface {
	Capacity() int
	Free() int
}

// BrowserStatus reports whether the browser connection is still usable.
type BrowserStatus interface {
	Alive() bool
}

type Options struct {
	Fetcher            Fetcher
	Pool               PoolStats
	Browser            BrowserStatus
	Logger             *zap.Logger
	Metrics            http.Handler
	BrowserEndpoint    string
	FallbackConfigured bool
	// BodyLimit caps POST bodies in bytes; <= 0 disables the cap.
	BodyLimit int64
}

type Server struct {
	opts   Options
	router *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(opts.Logger))

	s := &Server{opts: opts, router: r}
	r.GET("/health", s.health)
	r.GET("/fetch-html", s.fetchHTML)
	r.POST("/fetch-html", bodyLimit(opts.BodyLimit), s.fetchHTML)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) fetchHTML(c *gin.Context) {
	req, err := parseRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.opts.Fetcher.Fetch(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error":   fetch.Outcome(nil, err),
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) health(c *gin.Context) {
	capacity, free := 0, 0
	if s.opts.Pool != nil {
		capacity, free = s.opts.Pool.Capacity(), s.opts.Pool.Free()
	}

	alive := s.opts.Browser == nil || s.opts.Browser.Alive()

	status := http.StatusOK
	state := "ok"
	if capacity == 0 || !alive {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	c.JSON(status, gin.H{
		"status":              state,
		"time":                time.Now().UTC().Format(time.RFC3339),
		"pool_capacity":       capacity,
		"pool_free":           free,
		"browser_endpoint":    s.opts.BrowserEndpoint,
		"browser_alive":       alive,
		"fallback_configured": s.opts.FallbackConfigured,
	})
}

// statusFor 把错误映射成 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, fetch.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, fetch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, fetch.ErrFallbackConfig):
		return http.StatusInternalServerError
	case errors.Is(err, fetch.ErrFallbackRequest), errors.Is(err, fetch.ErrNavigation):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// 客户端已断开，状态码只出现在日志里
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(fetch.WithRequestID(c.Request.Context(), id))
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
