package domain

// TradeState 单次交易尝试的状态
type TradeState string

const (
	StateIdle                TradeState = "idle"
	StateValidating          TradeState = "validating"
	StateCheckingBalances    TradeState = "checkingBalances"
	StateFetchingPrice       TradeState = "fetchingPrice"
	StateBuildingBatch       TradeState = "buildingBatch"
	StateAwaitingSignature   TradeState = "awaitingSignature"
	StateSubmitting          TradeState = "submitting"
	StatePendingConfirmation TradeState = "pendingConfirmation"
	StateConfirmed           TradeState = "confirmed"
	StateFailed              TradeState = "failed"
)

// IsTerminal idle/confirmed/failed 时允许开始新的尝试
func (s TradeState) IsTerminal() bool {
	switch s {
	case StateIdle, StateConfirmed, StateFailed:
		return true
	}
	return false
}

// Cancellable 进入 submitting 之前可以取消
func (s TradeState) Cancellable() bool {
	switch s {
	case StateIdle, StateValidating, StateCheckingBalances, StateFetchingPrice,
		StateBuildingBatch, StateAwaitingSignature:
		return true
	}
	return false
}

var nextState = map[TradeState]TradeState{
	StateIdle:                StateValidating,
	StateValidating:          StateCheckingBalances,
	StateCheckingBalances:    StateFetchingPrice,
	StateFetchingPrice:       StateBuildingBatch,
	StateBuildingBatch:       StateAwaitingSignature,
	StateAwaitingSignature:   StateSubmitting,
	StateSubmitting:          StatePendingConfirmation,
	StatePendingConfirmation: StateConfirmed,
}

// CanTransition 状态机只允许前进一步，或从非终态直接进入 failed
func (s TradeState) CanTransition(to TradeState) bool {
	if to == StateFailed {
		return s != StateConfirmed && s != StateFailed
	}
	return nextState[s] == to
}
