package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/perpexec/internal/domain"
)

// Transition 一次状态迁移
type Transition struct {
	From domain.TradeState `json:"from"`
	To   domain.TradeState `json:"to"`
	At   time.Time         `json:"at"`
}

// Snapshot Attempt 的只读快照，供 UI 轮询/订阅
type Snapshot struct {
	AttemptID     string                     `json:"attemptId"`
	Wallet        common.Address             `json:"wallet"`
	Params        domain.TradeParams         `json:"params"`
	State         domain.TradeState          `json:"state"`
	Error         *domain.TradeError         `json:"error,omitempty"`
	TxID          string                     `json:"txId,omitempty"`
	TxHash        string                     `json:"txHash,omitempty"`
	NeedsApproval bool                       `json:"needsApproval"`
	Optimistic    *domain.OptimisticPosition `json:"optimistic,omitempty"`
	Confirmed     *domain.ConfirmedPosition  `json:"confirmed,omitempty"`
	LateConfirmed bool                       `json:"lateConfirmed"`
	History       []Transition               `json:"history"`
	CreatedAt     time.Time                  `json:"createdAt"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
}

// Terminal confirmed/failed
func (s Snapshot) Terminal() bool {
	return s.State == domain.StateConfirmed || s.State == domain.StateFailed
}

const subscriberBuffer = 16

// Attempt 每个钱包一次交易尝试的显式状态令牌。
// 状态只由 Controller 推进；调用方只能读取、订阅或在提交前取消。
type Attempt struct {
	id     string
	wallet common.Address
	params domain.TradeParams
	now    func() time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	finishOnce sync.Once
	notify     func(Snapshot)

	mu            sync.Mutex
	state         domain.TradeState
	err           *domain.TradeError
	txID          string
	txHash        string
	needsApproval bool
	optimistic    *domain.OptimisticPosition
	confirmed     *domain.ConfirmedPosition
	lateConfirmed bool
	cancelled     bool
	history       []Transition
	createdAt     time.Time
	updatedAt     time.Time
	subs          map[int]chan Snapshot
	nextSub       int
}

func newAttempt(parent context.Context, id string, wallet common.Address, params domain.TradeParams, now func() time.Time, notify func(Snapshot)) *Attempt {
	ctx, cancel := context.WithCancel(parent)
	t := now()
	return &Attempt{
		id:        id,
		wallet:    wallet,
		params:    params,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		notify:    notify,
		state:     domain.StateIdle,
		createdAt: t,
		updatedAt: t,
		subs:      make(map[int]chan Snapshot),
	}
}

func (a *Attempt) ID() string             { return a.id }
func (a *Attempt) Wallet() common.Address { return a.wallet }

// Done 在进入 confirmed/failed 后关闭
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Finished 是否已进入终态
func (a *Attempt) Finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Attempt) State() domain.TradeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Attempt) snapshotLocked() Snapshot {
	s := Snapshot{
		AttemptID:     a.id,
		Wallet:        a.wallet,
		Params:        a.params,
		State:         a.state,
		Error:         a.err,
		TxID:          a.txID,
		TxHash:        a.txHash,
		NeedsApproval: a.needsApproval,
		LateConfirmed: a.lateConfirmed,
		History:       append([]Transition(nil), a.history...),
		CreatedAt:     a.createdAt,
		UpdatedAt:     a.updatedAt,
	}
	if a.optimistic != nil {
		cp := *a.optimistic
		s.Optimistic = &cp
	}
	if a.confirmed != nil {
		cp := *a.confirmed
		s.Confirmed = &cp
	}
	return s
}

// Subscribe 立即推送当前快照，之后每次状态变化推送一次；终态后关闭通道。
// 慢消费者会丢失中间快照，但总能通过 Snapshot() 读到最新状态。
func (a *Attempt) Subscribe() (<-chan Snapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan Snapshot, subscriberBuffer)
	s := a.snapshotLocked()
	ch <- s
	if s.Terminal() {
		close(ch)
		return ch, func() {}
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
	}
}

// Live 尚未进入 confirmed/failed（新建的 idle attempt 也算在途）
func (a *Attempt) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state != domain.StateConfirmed && a.state != domain.StateFailed
}

// Wait 阻塞直到终态或 ctx 结束
func (a *Attempt) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-a.done:
		return a.Snapshot(), nil
	case <-ctx.Done():
		return a.Snapshot(), ctx.Err()
	}
}

// Cancel 仅在进入 submitting 之前有效；之后只能等待结果
func (a *Attempt) Cancel() error {
	a.mu.Lock()
	if !a.state.Cancellable() {
		state := a.state
		a.mu.Unlock()
		return domain.NewError(domain.KindNotCancellable, nil, "attempt %s is %s", a.id, state)
	}
	a.cancelled = true
	a.mu.Unlock()
	a.cancel()
	return nil
}

// advance 前进一步；取消后拒绝继续推进
func (a *Attempt) advance(to domain.TradeState) error {
	a.mu.Lock()
	if a.cancelled {
		a.mu.Unlock()
		return domain.NewError(domain.KindCancelled, nil, "cancelled before %s", to)
	}
	if !a.state.CanTransition(to) {
		from := a.state
		a.mu.Unlock()
		return domain.NewError(domain.KindBuild, nil, "illegal transition %s -> %s", from, to)
	}
	a.transitionLocked(to)
	s := a.broadcastLocked()
	a.mu.Unlock()
	a.emit(s)
	return nil
}

// fail 进入 failed；对已终态的 attempt 返回 false。Done 由调用方 finish 关闭。
func (a *Attempt) fail(err error) (*domain.TradeError, bool) {
	a.mu.Lock()
	if a.state == domain.StateConfirmed || a.state == domain.StateFailed {
		te := a.err
		a.mu.Unlock()
		return te, false
	}
	te := a.classifyLocked(err)
	a.err = te
	a.transitionLocked(domain.StateFailed)
	s := a.broadcastLocked()
	a.mu.Unlock()
	a.emit(s)
	return te, true
}

func (a *Attempt) confirm(pos domain.ConfirmedPosition) bool {
	a.mu.Lock()
	if !a.state.CanTransition(domain.StateConfirmed) {
		a.mu.Unlock()
		return false
	}
	a.confirmed = &pos
	if a.txHash == "" {
		a.txHash = pos.TxHash
	}
	a.transitionLocked(domain.StateConfirmed)
	s := a.broadcastLocked()
	a.mu.Unlock()
	a.emit(s)
	return true
}

// markLate 确认超时后后台观察到仓位；终态不变
func (a *Attempt) markLate(pos domain.ConfirmedPosition) {
	a.mu.Lock()
	a.confirmed = &pos
	a.lateConfirmed = true
	if a.txHash == "" {
		a.txHash = pos.TxHash
	}
	a.updatedAt = a.now()
	s := a.snapshotLocked()
	a.mu.Unlock()
	a.emit(s)
}

func (a *Attempt) update(fn func(a *Attempt)) {
	a.mu.Lock()
	fn(a)
	a.updatedAt = a.now()
	s := a.broadcastLocked()
	a.mu.Unlock()
	a.emit(s)
}

func (a *Attempt) classifyLocked(err error) *domain.TradeError {
	if a.cancelled && (errors.Is(err, context.Canceled) || domain.KindOf(err) == domain.KindCancelled) {
		return domain.NewError(domain.KindCancelled, nil, "cancelled in %s", a.state)
	}
	fallback := domain.KindBuild
	switch a.state {
	case domain.StateCheckingBalances:
		fallback = domain.KindBalanceUnavailable
	case domain.StateFetchingPrice:
		fallback = domain.KindPriceOracle
	case domain.StateAwaitingSignature, domain.StateSubmitting:
		fallback = domain.KindSubmissionRejected
	case domain.StatePendingConfirmation:
		fallback = domain.KindConfirmationTimeout
	}
	return domain.AsTradeError(err, fallback)
}

func (a *Attempt) transitionLocked(to domain.TradeState) {
	t := a.now()
	a.history = append(a.history, Transition{From: a.state, To: to, At: t})
	a.state = to
	a.updatedAt = t
}

// broadcastLocked 非阻塞推送给订阅者；终态时关闭并清空订阅
func (a *Attempt) broadcastLocked() Snapshot {
	s := a.snapshotLocked()
	for id, c := range a.subs {
		select {
		case c <- s:
		default:
			if s.Terminal() {
				// 终态快照必须送达：挤掉最旧的一条
				select {
				case <-c:
				default:
				}
				select {
				case c <- s:
				default:
				}
			}
		}
		if s.Terminal() {
			close(c)
			delete(a.subs, id)
		}
	}
	return s
}

func (a *Attempt) emit(s Snapshot) {
	if a.notify != nil {
		a.notify(s)
	}
}

// finish 关闭 Done，可重复调用
func (a *Attempt) finish() {
	a.finishOnce.Do(func() {
		a.cancel()
		close(a.done)
	})
}
