package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallBatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		kinds   []CallKind
		wantErr bool
	}{
		{name: "approve deposit open", kinds: []CallKind{CallApprove, CallDeposit, CallOpen}},
		{name: "deposit open", kinds: []CallKind{CallDeposit, CallOpen}},
		{name: "open before deposit", kinds: []CallKind{CallOpen, CallDeposit}, wantErr: true},
		{name: "approve after deposit", kinds: []CallKind{CallDeposit, CallApprove, CallOpen}, wantErr: true},
		{name: "missing open", kinds: []CallKind{CallApprove, CallDeposit}, wantErr: true},
		{name: "duplicate deposit", kinds: []CallKind{CallDeposit, CallDeposit, CallOpen}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b CallBatch
			for _, k := range tt.kinds {
				b.Calls = append(b.Calls, Call{Kind: k})
			}
			err := b.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTradeStateTransitions(t *testing.T) {
	path := []TradeState{
		StateIdle, StateValidating, StateCheckingBalances, StateFetchingPrice, StateBuildingBatch,
		StateAwaitingSignature, StateSubmitting, StatePendingConfirmation, StateConfirmed,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransition(path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.True(t, path[i].CanTransition(StateFailed), "%s -> failed", path[i])
	}
	assert.False(t, StateValidating.CanTransition(StateFetchingPrice))
	assert.False(t, StateConfirmed.CanTransition(StateFailed))
	assert.False(t, StateFailed.CanTransition(StateFailed))

	for _, s := range []TradeState{StateIdle, StateConfirmed, StateFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.True(t, StateAwaitingSignature.Cancellable())
	assert.False(t, StateSubmitting.Cancellable())
	assert.False(t, StatePendingConfirmation.Cancellable())
}

func TestTradeErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(KindTradeInProgress, nil, "wallet busy"))
	require.True(t, errors.Is(err, ErrTradeInProgress))
	require.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, KindTradeInProgress, KindOf(err))

	verr := ValidationError("leverage", "out of range")
	assert.Equal(t, "ValidationError(leverage): out of range", verr.Error())

	plain := errors.New("boom")
	te := AsTradeError(plain, KindBuild)
	assert.Equal(t, KindBuild, te.Kind)
	assert.ErrorIs(t, te, plain)
}

func TestPairRegistry(t *testing.T) {
	_, err := NewPairRegistry([]PairSpec{{ID: 0, FeedID: "0xabc", MinLeverage: 2, MaxLeverage: 1}})
	require.Error(t, err)

	reg, err := NewPairRegistry([]PairSpec{
		{ID: 1, Name: "ETH/USD", FeedID: "0xeth", MinLeverage: 2, MaxLeverage: 100},
		{ID: 0, Name: "BTC/USD", FeedID: "0xbtc", MinLeverage: 2, MaxLeverage: 150},
	})
	require.NoError(t, err)
	p, ok := reg.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, "BTC/USD", p.Name)
	assert.Equal(t, 0, reg.All()[0].ID)
	_, ok = reg.Lookup(7)
	assert.False(t, ok)
}
