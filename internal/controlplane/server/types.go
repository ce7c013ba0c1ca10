package server

import (
	"time"

	"github.com/betbot/perpexec/internal/domain"
)

// AttemptRecord trade_attempts 中的一行（不含完整快照）
type AttemptRecord struct {
	ID            string            `json:"id"`
	Wallet        string            `json:"wallet"`
	PairID        int               `json:"pair_id"`
	State         domain.TradeState `json:"state"`
	ErrorKind     *string           `json:"error_kind,omitempty"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	TxID          *string           `json:"tx_id,omitempty"`
	TxHash        *string           `json:"tx_hash,omitempty"`
	NeedsApproval bool              `json:"needs_approval"`
	LateConfirmed bool              `json:"late_confirmed"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type createTradeRequest struct {
	Wallet string `json:"wallet"`
	domain.TradeParams
}
