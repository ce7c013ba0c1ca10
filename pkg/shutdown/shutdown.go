package shutdown

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/betbot/perpexec/pkg/logger"
)

// Handler 关闭回调；ctx 携带整体关闭期限
type Handler func(ctx context.Context) error

type hook struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序串行执行：先注册的资源（如数据库）最后关闭。
type Manager struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, fn Handler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown 执行全部回调，只生效一次。
// ctx 超时后剩余回调不再执行，返回值汇总各回调的错误。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	hooks := m.hooks
	m.mu.Unlock()

	logger.Infof("开始优雅关闭，共 %d 个回调", len(hooks))
	var errs error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := ctx.Err(); err != nil {
			logger.Warnf("关闭超时，跳过 %s", h.name)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		if err := h.fn(ctx); err != nil {
			logger.WithField("hook", h.name).Warnf("关闭回调失败: %v", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errs
}
