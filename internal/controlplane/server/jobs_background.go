package server

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// unsettledLookback 只刷新最近有更新的待确认记录
const unsettledLookback = 30 * time.Minute

func (s *Server) startBackground() {
	if s.trader == nil || s.cfg.ReconcileInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.reconcileLoop(ctx, s.cfg.ReconcileInterval)
	}()
}

// reconcileLoop 周期性为仍有待确认仓位的钱包拉取仓位，驱动乐观仓位的匹配与过期清理
func (s *Server) reconcileLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Server) reconcileOnce(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	wallets, err := s.unsettledWallets(qctx, time.Now().Add(-unsettledLookback))
	cancel()
	if err != nil {
		log.WithError(err).Warn("list unsettled wallets failed")
		return
	}
	for _, w := range wallets {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.trader.Positions(pctx, common.HexToAddress(w))
		cancel()
		if err != nil {
			log.WithError(err).WithField("wallet", w).Debug("background reconcile failed")
		}
	}
}
