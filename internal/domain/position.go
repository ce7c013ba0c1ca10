package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OptimisticPosition 已提交但未确认的本地仓位
type OptimisticPosition struct {
	AttemptID          string         `json:"attemptId"`
	Wallet             common.Address `json:"wallet"`
	PairID             int            `json:"pairId"`
	IsLong             bool           `json:"isLong"`
	Collateral         *big.Int       `json:"collateral"`
	Leverage           int64          `json:"leverage"`
	EntryPriceEstimate *big.Int       `json:"entryPriceEstimate"`
	TxID               string         `json:"txId,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	Matched            bool           `json:"matched"`
}

// ConfirmedPosition 数据源返回的链上仓位
type ConfirmedPosition struct {
	Wallet     common.Address `json:"wallet"`
	PairID     int            `json:"pairId"`
	Index      int            `json:"index"`
	IsLong     bool           `json:"isLong"`
	Collateral *big.Int       `json:"collateral"`
	Leverage   int64          `json:"leverage"`
	EntryPrice *big.Int       `json:"entryPrice"`
	OpenedAt   time.Time      `json:"openedAt"`
	TxHash     string         `json:"txHash,omitempty"`
}

// Key 链上仓位唯一标识
func (p ConfirmedPosition) Key() string {
	return fmt.Sprintf("%s:%d:%d", strings.ToLower(p.Wallet.Hex()), p.PairID, p.Index)
}

// PositionStatus 合并视图中的仓位状态
type PositionStatus string

const (
	PositionConfirmed PositionStatus = "confirmed"
	PositionPending   PositionStatus = "pending"
)

// PositionView 对 UI 暴露的合并仓位
type PositionView struct {
	Status     PositionStatus      `json:"status"`
	Confirmed  *ConfirmedPosition  `json:"confirmed,omitempty"`
	Optimistic *OptimisticPosition `json:"optimistic,omitempty"`
}
