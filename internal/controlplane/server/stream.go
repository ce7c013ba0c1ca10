package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/perpexec/internal/execution"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleWalletStream 推送钱包 attempt 的快照：先推当前 attempt（含终态），
// 之后每出现新的 attempt 就订阅它。客户端只需读。
func (s *Server) handleWalletStream(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.parseWallet(pathParam(r, "wallet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()
	entry := log.WithField("wallet", wallet.Hex())
	entry.Debug("stream connected")

	// 读循环只用于感知断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	poll := time.NewTicker(s.cfg.StreamPollInterval)
	defer poll.Stop()

	var streamed string
	for {
		a := s.trader.Current(wallet)
		if a == nil || a.ID() == streamed {
			select {
			case <-done:
				return
			case <-ping.C:
				if err := writePing(conn); err != nil {
					return
				}
			case <-poll.C:
			}
			continue
		}

		ch, unsubscribe := a.Subscribe()
		streamed = a.ID()
		ok := pumpSnapshots(conn, ch, done, ping.C)
		unsubscribe()
		if !ok {
			entry.Debug("stream closed")
			return
		}
	}
}

// pumpSnapshots 转发直到通道关闭（终态）；客户端断开或写失败时返回 false
func pumpSnapshots(conn *websocket.Conn, ch <-chan execution.Snapshot, done <-chan struct{}, ping <-chan time.Time) bool {
	for {
		select {
		case <-done:
			return false
		case <-ping:
			if err := writePing(conn); err != nil {
				return false
			}
		case snap, open := <-ch:
			if !open {
				return true
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return false
			}
		}
	}
}

func writePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout))
}
