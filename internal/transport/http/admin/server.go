package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"botfleet/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 暴露运维接口：bot 启停、会话查询、bandit/quota 只读视图与 /metrics。
type Server struct {
	addr   string
	router *gin.Engine
}

type ServerConfig struct {
	Addr string
	API  *Router
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.API == nil {
		return nil, errors.New("admin http server requires a router")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	return &Server{addr: cfg.Addr, router: newEngine(cfg.API)}, nil
}

func newEngine(api *Router) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/healthz", api.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.Register(router.Group("/api"))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("admin http listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
