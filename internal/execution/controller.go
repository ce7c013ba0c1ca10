package execution

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/batch"
	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/metrics"
	"github.com/betbot/perpexec/internal/order"
	"github.com/betbot/perpexec/internal/preflight"
	"github.com/betbot/perpexec/internal/reconcile"
)

var log = logrus.WithField("component", "trade_controller")

// 以下接口在消费方定义，由 internal/order、preflight、oracle、batch、wallet、positions 实现。

type TradeValidator interface {
	Validate(p domain.TradeParams) (domain.NormalizedTrade, error)
}

type BalanceChecker interface {
	Check(ctx context.Context, wallet common.Address, required *big.Int) (preflight.Result, error)
}

type PriceSource interface {
	FetchUpdate(ctx context.Context, pair domain.PairSpec) (*domain.PriceUpdate, error)
}

type BatchBuilder interface {
	Build(in batch.Input) (domain.CallBatch, error)
}

// Submitter 智能钱包签名/广播。Broadcast 是唯一有链上副作用的调用。
type Submitter interface {
	Sign(ctx context.Context, wallet common.Address, b domain.CallBatch) (domain.SignedBatch, error)
	Broadcast(ctx context.Context, signed domain.SignedBatch) (domain.Submission, error)
	Status(ctx context.Context, id string) (domain.Submission, error)
}

type PositionSource interface {
	OpenPositions(ctx context.Context, wallet common.Address) ([]domain.ConfirmedPosition, error)
}

// Breaker 进程级提交断路器（internal/risk.CircuitBreaker）
type Breaker interface {
	AllowTrading() error
	OnSuccess()
	OnRejected()
}

// Observer 接收每一次快照（日志/落库），同步调用，不应阻塞
type Observer interface {
	OnSnapshot(s Snapshot)
}

// ConfirmConfig 确认轮询预算（指数退避）
type ConfirmConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	Quote order.QuoteOptions
	// Confirm pendingConfirmation 阶段的预算，耗尽后进入 failed(ConfirmationTimeout)
	Confirm ConfirmConfig
	// Background 超时后后台继续观察的预算；MaxRetries 为 0 表示不启用
	Background ConfirmConfig
	// Retention 终态 attempt 在内存中保留的时长
	Retention time.Duration
}

type Deps struct {
	Validator  TradeValidator
	Preflight  BalanceChecker
	Oracle     PriceSource
	Builder    BatchBuilder
	Submitter  Submitter
	Positions  PositionSource
	Reconciler *reconcile.Reconciler
	Breaker    Breaker
	Observer   Observer
}

// Controller 驱动交易尝试的状态机。
//
// 每个 attempt 一个 goroutine 顺序执行各步骤；同一钱包的并发请求由 AccountGuard 串行化。
type Controller struct {
	deps  Deps
	cfg   Config
	guard *AccountGuard
	now   func() time.Time
	newID func() string

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	mu       sync.RWMutex
	attempts map[string]*Attempt
}

func NewController(deps Deps, cfg Config) *Controller {
	if cfg.Confirm.MaxRetries == 0 {
		cfg.Confirm.MaxRetries = 8
	}
	if cfg.Confirm.InitialInterval <= 0 {
		cfg.Confirm.InitialInterval = time.Second
	}
	if cfg.Confirm.MaxInterval <= 0 {
		cfg.Confirm.MaxInterval = 15 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(reconcile.Config{})
	}
	if deps.Breaker == nil {
		deps.Breaker = noBreaker{}
	}
	root, stop := context.WithCancel(context.Background())
	return &Controller{
		deps:     deps,
		cfg:      cfg,
		guard:    NewAccountGuard(64),
		now:      time.Now,
		newID:    uuid.NewString,
		root:     root,
		stop:     stop,
		attempts: make(map[string]*Attempt),
	}
}

// Start 创建并异步运行一个 attempt。
// 钱包已有在途 attempt 时返回 TradeInProgress；断路器打开时返回 CircuitOpen。
func (c *Controller) Start(wallet common.Address, params domain.TradeParams) (*Attempt, error) {
	if err := c.deps.Breaker.AllowTrading(); err != nil {
		metrics.AttemptsRejected.Add(1)
		return nil, domain.AsTradeError(err, domain.KindCircuitOpen)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewError(domain.KindCancelled, nil, "controller is shut down")
	}
	a := newAttempt(c.root, c.newID(), wallet, params, c.now, c.observe)
	if err := c.guard.TryAcquire(wallet, a); err != nil {
		c.mu.Unlock()
		metrics.AttemptsRejected.Add(1)
		log.WithFields(logrus.Fields{"wallet": wallet.Hex()}).Info("rejected: trade in progress")
		return nil, err
	}
	c.pruneLocked()
	c.attempts[a.id] = a
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.AttemptsStarted.Add(1)
	c.observe(a.Snapshot())
	go func() {
		defer c.wg.Done()
		c.run(a)
	}()
	return a, nil
}

// Execute Start + Wait。ctx 结束时尝试取消（仅提交前有效），并返回当前快照。
func (c *Controller) Execute(ctx context.Context, wallet common.Address, params domain.TradeParams) (Snapshot, error) {
	a, err := c.Start(wallet, params)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := a.Wait(ctx)
	if err != nil {
		_ = a.Cancel()
		return snap, err
	}
	if snap.Error != nil {
		return snap, snap.Error
	}
	return snap, nil
}

// Attempt 按 ID 查找
func (c *Controller) Attempt(id string) (*Attempt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.attempts[id]
	return a, ok
}

// Current 钱包当前（或最近一次）attempt
func (c *Controller) Current(wallet common.Address) *Attempt {
	return c.guard.Current(wallet)
}

// Positions 拉取已确认仓位并与乐观仓位合并
func (c *Controller) Positions(ctx context.Context, wallet common.Address) ([]domain.PositionView, error) {
	confirmed, err := c.deps.Positions.OpenPositions(ctx, wallet)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		return nil, err
	}
	return c.deps.Reconciler.Reconcile(wallet, confirmed), nil
}

// Close 停止后台确认并等待所有 attempt goroutine 退出。
// 已广播的交易不受影响，只是不再观察其结果。
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Controller) run(a *Attempt) {
	entry := log.WithFields(logrus.Fields{"attempt": a.id, "wallet": a.wallet.Hex(), "pair": a.params.PairID})
	ctx := a.ctx

	step := func(to domain.TradeState) bool {
		if err := a.advance(to); err != nil {
			c.finishFailed(entry, a, err)
			return false
		}
		entry.WithField("state", to).Debug("state advanced")
		return true
	}

	if !step(domain.StateValidating) {
		return
	}
	trade, err := c.deps.Validator.Validate(a.params)
	if err != nil {
		c.finishFailed(entry, a, err)
		return
	}

	// 余额不足/gas 不足在任何预言机或签名调用之前失败
	if !step(domain.StateCheckingBalances) {
		return
	}
	pre, err := c.deps.Preflight.Check(ctx, a.wallet, trade.Collateral)
	if err != nil {
		c.finishFailed(entry, a, err)
		return
	}
	a.update(func(a *Attempt) { a.needsApproval = pre.NeedsApproval })

	if !step(domain.StateFetchingPrice) {
		return
	}
	upd, err := c.deps.Oracle.FetchUpdate(ctx, trade.Pair)
	if err != nil {
		c.finishFailed(entry, a, err)
		return
	}

	if !step(domain.StateBuildingBatch) {
		return
	}
	quote, err := order.Quote(trade, upd.Price, c.cfg.Quote)
	if err != nil {
		c.finishFailed(entry, a, domain.NewError(domain.KindBuild, err, "quote"))
		return
	}
	calls, err := c.deps.Builder.Build(batch.Input{
		Wallet:        a.wallet,
		Trade:         trade,
		Quote:         quote,
		Update:        upd,
		NeedsApproval: pre.NeedsApproval,
	})
	if err != nil {
		c.finishFailed(entry, a, err)
		return
	}
	if calls.HasApproval() {
		metrics.ApprovalsInserted.Add(1)
	}

	if !step(domain.StateAwaitingSignature) {
		return
	}
	signed, err := c.deps.Submitter.Sign(ctx, a.wallet, calls)
	if err != nil {
		c.finishFailed(entry, a, err)
		return
	}

	// 广播前已有的仓位不可能属于本次交易，确认匹配时排除
	existing, err := c.deps.Positions.OpenPositions(ctx, a.wallet)
	if err != nil {
		entry.WithError(err).Warn("positions snapshot before broadcast unavailable")
		existing = nil
	}

	// 从这里开始不可取消：广播使用脱离取消的 ctx
	if !step(domain.StateSubmitting) {
		return
	}
	sub, err := c.deps.Submitter.Broadcast(context.WithoutCancel(ctx), signed)
	if err != nil {
		c.finishFailed(entry, a, err)
		return
	}

	opt := domain.OptimisticPosition{
		AttemptID:          a.id,
		Wallet:             a.wallet,
		PairID:             trade.Pair.ID,
		IsLong:             trade.IsLong,
		Collateral:         new(big.Int).Set(trade.Collateral),
		Leverage:           trade.Leverage,
		EntryPriceEstimate: new(big.Int).Set(quote.MidPrice),
		TxID:               sub.TxHash,
		CreatedAt:          c.now(),
	}
	c.deps.Reconciler.Track(opt, existing)
	a.update(func(a *Attempt) {
		a.txID = sub.ID
		a.txHash = sub.TxHash
		a.optimistic = &opt
	})
	entry.WithField("tx", sub.ID).Info("batch broadcast")

	if !step(domain.StatePendingConfirmation) {
		return
	}
	c.awaitConfirmation(entry, a, opt, sub)
}

// finishFailed 记账完成后才关闭 Done，等待方看到的断路器状态已更新
func (c *Controller) finishFailed(entry *logrus.Entry, a *Attempt, err error) {
	defer a.finish()
	te, changed := a.fail(err)
	if !changed {
		return
	}
	if te.Kind == domain.KindSubmissionRejected {
		c.deps.Breaker.OnRejected()
	}
	metrics.AttemptsFailed.Add(string(te.Kind), 1)
	entry.WithField("kind", te.Kind).WithError(te).Warn("attempt failed")
}

func (c *Controller) observe(s Snapshot) {
	if c.deps.Observer != nil {
		c.deps.Observer.OnSnapshot(s)
	}
}

// pruneLocked 清理超过保留期的终态 attempt（钱包的当前 attempt 由 guard 持有，不受影响）
func (c *Controller) pruneLocked() {
	cutoff := c.now().Add(-c.cfg.Retention)
	for id, a := range c.attempts {
		if a.Live() {
			continue
		}
		if a.Snapshot().UpdatedAt.Before(cutoff) {
			delete(c.attempts, id)
		}
	}
}

type noBreaker struct{}

func (noBreaker) AllowTrading() error { return nil }
func (noBreaker) OnSuccess()          {}
func (noBreaker) OnRejected()         {}
