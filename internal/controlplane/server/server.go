package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
)

var log = logrus.WithField("component", "controlplane")

// Trader 交易控制器（execution.Controller）
type Trader interface {
	Start(wallet common.Address, params domain.TradeParams) (*execution.Attempt, error)
	Attempt(id string) (*execution.Attempt, bool)
	Current(wallet common.Address) *execution.Attempt
	Positions(ctx context.Context, wallet common.Address) ([]domain.PositionView, error)
}

type Config struct {
	DBPath string
	// DefaultWallet 请求未指定 wallet 时使用
	DefaultWallet common.Address
	// ReconcileInterval 后台刷新待确认仓位的周期，<=0 关闭
	ReconcileInterval time.Duration
	// StreamPollInterval 钱包无在途 attempt 时 stream 检查新 attempt 的周期
	StreamPollInterval time.Duration
}

type Server struct {
	cfg    Config
	db     *sql.DB
	trader Trader

	upgrader websocket.Upgrader

	bgCancel func()
	bgWG     sync.WaitGroup
}

// New 打开（或创建）journal 数据库。trader 可以在之后通过 Attach 绑定，
// 以便先把 Server 作为 Observer 交给控制器。
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 500 * time.Millisecond
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Server{
		cfg: cfg,
		db:  db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Attach 绑定控制器并启动后台任务
func (s *Server) Attach(t Trader) {
	s.trader = t
	s.startBackground()
}

func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(s.handleHealthz))

	api := r.Group("/api")

	trades := api.Group("/trades")
	trades.POST("", s.wrap(s.handleTradeCreate))
	trades.GET("/:attemptID", s.wrap(s.handleTradeGet))
	trades.POST("/:attemptID/cancel", s.wrap(s.handleTradeCancel))

	wallets := api.Group("/wallets/:wallet")
	wallets.GET("/state", s.wrap(s.handleWalletState))
	wallets.GET("/stream", s.wrap(s.handleWalletStream))
	wallets.GET("/positions", s.wrap(s.handleWalletPositions))
	wallets.GET("/attempts", s.wrap(s.handleWalletAttempts))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "perpexec_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeTradeError 按错误类型映射 HTTP 状态码
func writeTradeError(w http.ResponseWriter, err error) {
	te := domain.AsTradeError(err, domain.KindBuild)
	status := http.StatusUnprocessableEntity
	switch te.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindTradeInProgress, domain.KindNotCancellable:
		status = http.StatusConflict
	case domain.KindCircuitOpen, domain.KindCancelled:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": te})
}
