package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/perpexec/internal/domain"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("db: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// parseWallet 空字符串回落到默认钱包
func (s *Server) parseWallet(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if s.cfg.DefaultWallet == (common.Address{}) {
			return common.Address{}, fmt.Errorf("wallet is required")
		}
		return s.cfg.DefaultWallet, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid wallet address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *Server) handleTradeCreate(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	wallet, err := s.parseWallet(req.Wallet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.trader.Start(wallet, req.TradeParams)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.Snapshot())
}

func (s *Server) handleTradeGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(pathParam(r, "attemptID"))
	if a, ok := s.trader.Attempt(id); ok {
		writeJSON(w, http.StatusOK, a.Snapshot())
		return
	}
	// 内存中已清理的 attempt 从 journal 读取
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snap, err := s.getAttemptSnapshot(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTradeCancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(pathParam(r, "attemptID"))
	a, ok := s.trader.Attempt(id)
	if !ok {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err := a.Cancel(); err != nil {
		writeTradeError(w, err)
		return
	}
	// 取消是异步生效的，短暂等待终态
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	snap, _ := a.Wait(ctx)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWalletState(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.parseWallet(pathParam(r, "wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a := s.trader.Current(wallet)
	if a == nil {
		writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "state": domain.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

func (s *Server) handleWalletPositions(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.parseWallet(pathParam(r, "wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	views, err := s.trader.Positions(ctx, wallet)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("positions: %v", err))
		return
	}
	if views == nil {
		views = []domain.PositionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleWalletAttempts(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.parseWallet(pathParam(r, "wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	recs, err := s.listAttempts(ctx, wallet.Hex(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db list: %v", err))
		return
	}
	if recs == nil {
		recs = []AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
