package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/batch"
	"github.com/betbot/perpexec/internal/chain"
	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/order"
	"github.com/betbot/perpexec/internal/preflight"
	"github.com/betbot/perpexec/internal/reconcile"
	"github.com/betbot/perpexec/internal/risk"
)

var (
	testWallet     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testStable     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testSettlement = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeReader struct {
	bal domain.WalletBalances
}

func (f *fakeReader) ReadBalances(ctx context.Context, wallet, token, spender common.Address) (domain.WalletBalances, error) {
	return f.bal, nil
}

type fakeOracle struct {
	err   error
	calls atomic.Int32
}

func (f *fakeOracle) FetchUpdate(ctx context.Context, pair domain.PairSpec) (*domain.PriceUpdate, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.PriceUpdate{FeedID: pair.FeedID, Hex: "0x504e4155", Price: big.NewInt(6_500_000_000_000), PublishTime: time.Now()}, nil
}

type fakeSubmitter struct {
	signGate      chan struct{}
	broadcastGate chan struct{}
	broadcastErr  error
	statusErr     error

	signCalls      atomic.Int32
	broadcastCalls atomic.Int32

	mu   sync.Mutex
	seen domain.CallBatch
}

func (f *fakeSubmitter) Sign(ctx context.Context, wallet common.Address, b domain.CallBatch) (domain.SignedBatch, error) {
	f.signCalls.Add(1)
	if f.signGate != nil {
		select {
		case <-f.signGate:
		case <-ctx.Done():
			return domain.SignedBatch{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.seen = b
	f.mu.Unlock()
	return domain.SignedBatch{Wallet: wallet, Batch: b, Nonce: "1"}, nil
}

func (f *fakeSubmitter) Broadcast(ctx context.Context, signed domain.SignedBatch) (domain.Submission, error) {
	f.broadcastCalls.Add(1)
	if f.broadcastGate != nil {
		<-f.broadcastGate
	}
	if f.broadcastErr != nil {
		return domain.Submission{}, f.broadcastErr
	}
	return domain.Submission{ID: "relay-1", State: "STATE_NEW"}, nil
}

func (f *fakeSubmitter) Status(ctx context.Context, id string) (domain.Submission, error) {
	return domain.Submission{ID: id}, f.statusErr
}

func (f *fakeSubmitter) batch() domain.CallBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

// fakePositions 从第 visibleFrom 次调用开始返回一个与尝试匹配的仓位；visibleFrom <= 0 表示永不出现。
// 第 errAt 次调用返回错误。
type fakePositions struct {
	visibleFrom int32
	errAt       int32
	calls       atomic.Int32
}

func (f *fakePositions) OpenPositions(ctx context.Context, wallet common.Address) ([]domain.ConfirmedPosition, error) {
	n := f.calls.Add(1)
	if f.errAt > 0 && n == f.errAt {
		return nil, errors.New("positions api 502")
	}
	if f.visibleFrom <= 0 || n < f.visibleFrom {
		return nil, nil
	}
	return []domain.ConfirmedPosition{{
		Wallet:     wallet,
		PairID:     0,
		Index:      0,
		IsLong:     true,
		Collateral: big.NewInt(4_970_000),
		Leverage:   10,
		EntryPrice: big.NewInt(6_500_100_000_000),
		OpenedAt:   time.Now(),
		TxHash:     "0xfeed",
	}}, nil
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) OnSnapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

type harness struct {
	ctrl       *Controller
	reader     *fakeReader
	oracle     *fakeOracle
	submitter  *fakeSubmitter
	positions  *fakePositions
	reconciler *reconcile.Reconciler
	breaker    *risk.CircuitBreaker
	rec        *recorder
}

func newHarness(t *testing.T, mutate func(h *harness, cfg *Config)) *harness {
	t.Helper()
	pairs, err := domain.NewPairRegistry([]domain.PairSpec{
		{ID: 0, Name: "BTC/USD", FeedID: "0xbtc", MinLeverage: 2, MaxLeverage: 150},
	})
	require.NoError(t, err)

	h := &harness{
		reader: &fakeReader{bal: domain.WalletBalances{
			Stablecoin: big.NewInt(100_000_000),
			Allowance:  big.NewInt(0),
			Native:     big.NewInt(1e18),
		}},
		oracle:     &fakeOracle{},
		submitter:  &fakeSubmitter{},
		positions:  &fakePositions{visibleFrom: 2},
		reconciler: reconcile.New(reconcile.Config{}),
		breaker:    risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveRejections: 3}),
		rec:        &recorder{},
	}
	cfg := Config{
		Quote:   order.QuoteOptions{MinSlippageBps: 10, MaxSlippageBps: 500},
		Confirm: ConfirmConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
	if mutate != nil {
		mutate(h, &cfg)
	}

	h.ctrl = NewController(Deps{
		Validator: order.NewValidator(pairs, order.Limits{
			MinCollateral:      big.NewInt(1_000_000),
			MaxCollateral:      big.NewInt(100_000_000_000),
			MaxSlippageBps:     500,
			CollateralDecimals: 6,
			PriceDecimals:      8,
		}),
		Preflight: preflight.NewChecker(h.reader, preflight.Config{
			Stablecoin:    testStable,
			Settlement:    testSettlement,
			MinGasReserve: big.NewInt(1e15),
		}),
		Oracle:     h.oracle,
		Builder:    batch.NewBuilder(testStable, testSettlement, big.NewInt(100)),
		Submitter:  h.submitter,
		Positions:  h.positions,
		Reconciler: h.reconciler,
		Breaker:    h.breaker,
		Observer:   h.rec,
	}, cfg)
	t.Cleanup(h.ctrl.Close)
	return h
}

func scenarioParams() domain.TradeParams {
	return domain.TradeParams{PairID: 0, Collateral: "5", Leverage: 10, IsLong: true, SlippageBps: 100}
}

func states(s Snapshot) []domain.TradeState {
	out := make([]domain.TradeState, 0, len(s.History))
	for _, tr := range s.History {
		out = append(out, tr.To)
	}
	return out
}

func waitState(t *testing.T, a *Attempt, want domain.TradeState) {
	t.Helper()
	require.Eventually(t, func() bool { return a.State() == want }, 2*time.Second, time.Millisecond)
}

func TestExecuteHappyPathScenario(t *testing.T) {
	h := newHarness(t, nil)

	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, snap.State)
	assert.Equal(t, []domain.TradeState{
		domain.StateValidating, domain.StateCheckingBalances, domain.StateFetchingPrice,
		domain.StateBuildingBatch, domain.StateAwaitingSignature, domain.StateSubmitting,
		domain.StatePendingConfirmation, domain.StateConfirmed,
	}, states(snap))
	require.NotNil(t, snap.Confirmed)
	assert.Equal(t, "relay-1", snap.TxID)
	assert.True(t, snap.NeedsApproval)
	assert.Empty(t, h.reconciler.Pending(testWallet))
	assert.EqualValues(t, 1, h.submitter.broadcastCalls.Load())

	calls := h.submitter.batch()
	require.True(t, calls.HasApproval())
	open := calls.Calls[len(calls.Calls)-1]
	args, err := chain.Settlement().Methods["openTrade"].Inputs.Unpack(open.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, "50000000", args[5].(*big.Int).String(), "notional = 50 USDC")
	assert.Equal(t, "6565000000000", args[6].(*big.Int).String(), "long bound = 65650")

	assert.Equal(t, domain.StateConfirmed, h.rec.last().State)
}

func TestApprovalOmittedWhenAllowanceSufficient(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.reader.bal.Allowance = big.NewInt(5_000_000)
	})
	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.NoError(t, err)
	assert.False(t, snap.NeedsApproval)
	assert.False(t, h.submitter.batch().HasApproval())
}

func TestGasReserveFailsBeforeOracle(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.reader.bal.Native = big.NewInt(1)
	})
	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficientGas, domain.KindOf(err))
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.NotContains(t, states(snap), domain.StateFetchingPrice)
	assert.Zero(t, h.oracle.calls.Load())
	assert.Zero(t, h.submitter.signCalls.Load())
}

func TestInsufficientBalanceFailsFast(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.reader.bal.Stablecoin = big.NewInt(4_999_999)
	})
	_, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	assert.Equal(t, domain.KindInsufficientBalance, domain.KindOf(err))
	assert.Zero(t, h.oracle.calls.Load())
}

func TestOracleUnavailableNeverSubmits(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.oracle.err = domain.NewError(domain.KindPriceOracle, errors.New("both endpoints 503"), "no price")
	})
	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.Equal(t, domain.KindPriceOracle, snap.Error.Kind)
	assert.Zero(t, h.submitter.signCalls.Load())
	assert.Zero(t, h.submitter.broadcastCalls.Load())
}

func TestValidationErrorCarriesField(t *testing.T) {
	h := newHarness(t, nil)
	p := scenarioParams()
	p.Leverage = 500
	snap, err := h.ctrl.Execute(context.Background(), testWallet, p)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, snap.Error.Kind)
	assert.Equal(t, "leverage", snap.Error.Field)
}

func TestConfirmationTimeoutKeepsOptimisticPending(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.positions.visibleFrom = 0
	})
	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.Equal(t, domain.KindConfirmationTimeout, snap.Error.Kind)
	require.NotNil(t, snap.Optimistic)

	views, err := h.ctrl.Positions(context.Background(), testWallet)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.PositionPending, views[0].Status)
	assert.Equal(t, snap.AttemptID, views[0].Optimistic.AttemptID)
	// 广播前快照 + 1 次初始调用 + 3 次重试 + Positions()
	assert.EqualValues(t, 6, h.positions.calls.Load())
}

func TestLateConfirmationAfterTimeout(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.positions.visibleFrom = 6
		cfg.Background = ConfirmConfig{MaxRetries: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	})
	a, err := h.ctrl.Start(testWallet, scenarioParams())
	require.NoError(t, err)
	snap, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.KindConfirmationTimeout, snap.Error.Kind)

	require.Eventually(t, func() bool { return h.rec.last().LateConfirmed }, 2*time.Second, time.Millisecond)
	final := a.Snapshot()
	assert.Equal(t, domain.StateFailed, final.State, "terminal state is not rewritten")
	assert.NotNil(t, final.Confirmed)
	assert.Empty(t, h.reconciler.Pending(testWallet))
}

func TestSecondAttemptRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.submitter.signGate = make(chan struct{})
	})
	a, err := h.ctrl.Start(testWallet, scenarioParams())
	require.NoError(t, err)
	waitState(t, a, domain.StateAwaitingSignature)

	other := scenarioParams()
	other.IsLong = false
	other.Collateral = "20"
	_, err = h.ctrl.Start(testWallet, other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTradeInProgress))

	// 其他钱包不受影响
	b, err := h.ctrl.Start(common.HexToAddress("0xdd"), scenarioParams())
	require.NoError(t, err)

	close(h.submitter.signGate)
	_, err = a.Wait(context.Background())
	require.NoError(t, err)
	_, err = b.Wait(context.Background())
	require.NoError(t, err)

	next, err := h.ctrl.Start(testWallet, scenarioParams())
	require.NoError(t, err, "terminal attempt no longer blocks")
	assert.Same(t, next, h.ctrl.Current(testWallet))
}

func TestCancelBeforeSubmission(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.submitter.signGate = make(chan struct{})
	})
	a, err := h.ctrl.Start(testWallet, scenarioParams())
	require.NoError(t, err)
	waitState(t, a, domain.StateAwaitingSignature)

	require.NoError(t, a.Cancel())
	snap, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, snap.State)
	assert.Equal(t, domain.KindCancelled, snap.Error.Kind)
	assert.Zero(t, h.submitter.broadcastCalls.Load())
	assert.Empty(t, h.reconciler.Pending(testWallet))
}

func TestNotCancellableOnceSubmitting(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.submitter.broadcastGate = make(chan struct{})
	})
	a, err := h.ctrl.Start(testWallet, scenarioParams())
	require.NoError(t, err)
	waitState(t, a, domain.StateSubmitting)

	err = a.Cancel()
	assert.Equal(t, domain.KindNotCancellable, domain.KindOf(err))

	close(h.submitter.broadcastGate)
	snap, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, snap.State)
}

func TestSubmissionRejectedTripsBreaker(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.submitter.broadcastErr = domain.NewError(domain.KindSubmissionRejected, nil, "execution reverted")
		h.breaker.SetConfig(risk.CircuitBreakerConfig{MaxConsecutiveRejections: 1})
	})
	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.Error(t, err)
	assert.Equal(t, domain.KindSubmissionRejected, snap.Error.Kind)
	assert.Nil(t, snap.Optimistic)

	_, err = h.ctrl.Start(testWallet, scenarioParams())
	assert.True(t, errors.Is(err, domain.ErrCircuitOpen))
}

func TestRelayerFailureDuringConfirmationDropsOptimistic(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.positions.visibleFrom = 0
		h.submitter.statusErr = domain.NewError(domain.KindSubmissionRejected, nil, "relayer state STATE_FAILED")
	})
	snap, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
	require.Error(t, err)
	assert.Equal(t, domain.KindSubmissionRejected, snap.Error.Kind)
	assert.Nil(t, snap.Optimistic)
	assert.Empty(t, h.reconciler.Pending(testWallet))
	assert.EqualValues(t, 1, h.positions.calls.Load(), "only the pre-broadcast snapshot")
}

func TestSubscribeDeliversTerminalSnapshot(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.submitter.signGate = make(chan struct{})
	})
	a, err := h.ctrl.Start(testWallet, scenarioParams())
	require.NoError(t, err)
	ch, unsubscribe := a.Subscribe()
	defer unsubscribe()
	close(h.submitter.signGate)

	var last Snapshot
	for s := range ch {
		last = s
	}
	assert.Equal(t, domain.StateConfirmed, last.State)

	found, ok := h.ctrl.Attempt(a.ID())
	require.True(t, ok)
	assert.Same(t, a, found)
}

// 同一钱包连续两笔相同参数的交易，数据源只出现过一个仓位：只能确认第一笔
func TestIdenticalAttemptsDoNotShareAPosition(t *testing.T) {
	tests := []struct {
		name  string
		errAt int32
	}{
		{"snapshot excludes earlier position", 0},
		// 第二笔的广播前快照失败，仍由认领记录阻止重复确认
		{"claim blocks reuse without snapshot", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(h *harness, cfg *Config) {
				h.positions.errAt = tt.errAt
			})

			first, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
			require.NoError(t, err)
			require.Equal(t, domain.StateConfirmed, first.State)
			require.NotNil(t, first.Confirmed)

			second, err := h.ctrl.Execute(context.Background(), testWallet, scenarioParams())
			require.Error(t, err)
			assert.Equal(t, domain.StateFailed, second.State)
			assert.Equal(t, domain.KindConfirmationTimeout, second.Error.Kind)
			assert.Nil(t, second.Confirmed)

			pending := h.reconciler.Pending(testWallet)
			require.Len(t, pending, 1)
			assert.Equal(t, second.AttemptID, pending[0].AttemptID)
		})
	}
}
