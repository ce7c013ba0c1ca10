package reconcile

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/metrics"
	"github.com/betbot/perpexec/pkg/marketmath"
)

var log = logrus.WithField("component", "reconcile")

type Config struct {
	// CollateralToleranceBps 数据源上的保证金可能已扣除开仓费
	CollateralToleranceBps int64
	// RecencyWindow 确认仓位的开仓时间须落在 [CreatedAt-ClockSkew, CreatedAt+RecencyWindow]
	RecencyWindow time.Duration
	ClockSkew     time.Duration
	// MatchTimeout 乐观仓位最长保留时间，超过后在下一次 Reconcile 中移除。
	// 应明显长于确认轮询预算，保证确认超时后仓位仍以 pending 展示。
	MatchTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CollateralToleranceBps <= 0 {
		c.CollateralToleranceBps = 100
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = 10 * time.Minute
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 30 * time.Second
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 30 * time.Minute
	}
}

// Reconciler 维护每个钱包的乐观仓位，并与数据源返回的已确认仓位合并。
// 一个已确认仓位只能被一个 attempt 认领。
type Reconciler struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	optimistic map[string]*tracked // attemptID -> position
	claimed    map[string]string   // position key -> attemptID
}

type tracked struct {
	pos domain.OptimisticPosition
	// existing 广播前已存在的仓位，不可能是本次交易
	existing map[string]struct{}
}

func New(cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		cfg:        cfg,
		now:        time.Now,
		optimistic: make(map[string]*tracked),
		claimed:    make(map[string]string),
	}
}

// Track 记录一笔已提交的乐观仓位；existing 为广播前读取的钱包仓位
func (r *Reconciler) Track(p domain.OptimisticPosition, existing []domain.ConfirmedPosition) {
	t := &tracked{pos: p, existing: make(map[string]struct{}, len(existing))}
	for _, c := range existing {
		t.existing[claimKey(p.Wallet, c)] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimistic[p.AttemptID] = t
}

// Drop 移除乐观仓位（中继明确拒绝时）
func (r *Reconciler) Drop(attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.optimistic, attemptID)
}

// Resolve 调用方已确认某个 attempt 的仓位：移除乐观仓位并登记认领
func (r *Reconciler) Resolve(attemptID string, pos domain.ConfirmedPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet := pos.Wallet
	t, ok := r.optimistic[attemptID]
	if ok {
		wallet = t.pos.Wallet
	}
	r.claimed[claimKey(wallet, pos)] = attemptID
	if ok {
		delete(r.optimistic, attemptID)
		metrics.ReconcileMatches.Add(1)
	}
}

// Pending 返回钱包尚未匹配的乐观仓位
func (r *Reconciler) Pending(wallet common.Address) []domain.OptimisticPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked(wallet)
}

func (r *Reconciler) pendingLocked(wallet common.Address) []domain.OptimisticPosition {
	var out []domain.OptimisticPosition
	for _, t := range r.optimistic {
		if t.pos.Wallet == wallet {
			out = append(out, t.pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Find 在已确认列表中查找属于该乐观仓位的一项。
// 已被其他 attempt 认领或广播前已存在的仓位不参与匹配；认领在 Resolve 时登记。
func (r *Reconciler) Find(p domain.OptimisticPosition, confirmed []domain.ConfirmedPosition) (domain.ConfirmedPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneClaimsLocked(p.Wallet, confirmed)

	t, ok := r.optimistic[p.AttemptID]
	if !ok {
		t = &tracked{pos: p}
	}
	for _, c := range confirmed {
		if r.matches(t, c) {
			return c, true
		}
	}
	return domain.ConfirmedPosition{}, false
}

// Reconcile 合并视图：已确认仓位 + 仍在等待的乐观仓位（pending）。
// 匹配成功或超过 MatchTimeout 的乐观仓位被移除。
func (r *Reconciler) Reconcile(wallet common.Address, confirmed []domain.ConfirmedPosition) []domain.PositionView {
	metrics.ReconcileRuns.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneClaimsLocked(wallet, confirmed)

	now := r.now()
	// 按创建时间依次认领，较早的尝试优先
	for _, p := range r.pendingLocked(wallet) {
		t := r.optimistic[p.AttemptID]
		for _, c := range confirmed {
			if !r.matches(t, c) {
				continue
			}
			r.claimed[claimKey(wallet, c)] = p.AttemptID
			delete(r.optimistic, p.AttemptID)
			metrics.ReconcileMatches.Add(1)
			log.WithFields(logrus.Fields{"wallet": wallet.Hex(), "attempt": p.AttemptID, "position": c.Key()}).Info("optimistic position matched")
			break
		}
	}

	views := make([]domain.PositionView, 0, len(confirmed))
	for i := range confirmed {
		c := confirmed[i]
		views = append(views, domain.PositionView{Status: domain.PositionConfirmed, Confirmed: &c})
	}
	for _, p := range r.pendingLocked(wallet) {
		p := p
		if now.Sub(p.CreatedAt) > r.cfg.MatchTimeout {
			delete(r.optimistic, p.AttemptID)
			metrics.ReconcileExpired.Add(1)
			log.WithFields(logrus.Fields{"wallet": wallet.Hex(), "attempt": p.AttemptID}).Warn("optimistic position expired unmatched")
			continue
		}
		views = append(views, domain.PositionView{Status: domain.PositionPending, Optimistic: &p})
	}
	return views
}

// pruneClaimsLocked 已平仓的仓位不再占用认领；协议会复用仓位 index
func (r *Reconciler) pruneClaimsLocked(wallet common.Address, confirmed []domain.ConfirmedPosition) {
	open := make(map[string]struct{}, len(confirmed))
	for _, c := range confirmed {
		open[claimKey(wallet, c)] = struct{}{}
	}
	prefix := strings.ToLower(wallet.Hex()) + ":"
	for key := range r.claimed {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := open[key]; !ok {
			delete(r.claimed, key)
		}
	}
}

func (r *Reconciler) matches(t *tracked, c domain.ConfirmedPosition) bool {
	p := t.pos
	if c.Wallet != (common.Address{}) && c.Wallet != p.Wallet {
		return false
	}
	if c.PairID != p.PairID || c.IsLong != p.IsLong {
		return false
	}
	// 双方都有交易哈希时只按哈希判定
	if p.TxID != "" && c.TxHash != "" {
		return strings.EqualFold(p.TxID, c.TxHash)
	}
	key := claimKey(p.Wallet, c)
	if _, ok := t.existing[key]; ok {
		return false
	}
	if owner, ok := r.claimed[key]; ok && owner != p.AttemptID {
		return false
	}
	if c.Collateral == nil || p.Collateral == nil ||
		!marketmath.WithinBps(c.Collateral, p.Collateral, p.Collateral, r.cfg.CollateralToleranceBps) {
		return false
	}
	lo := p.CreatedAt.Add(-r.cfg.ClockSkew)
	hi := p.CreatedAt.Add(r.cfg.RecencyWindow)
	return !c.OpenedAt.Before(lo) && !c.OpenedAt.After(hi)
}

// claimKey 以 attempt 所属钱包为准，数据源可能不回填 wallet
func claimKey(wallet common.Address, c domain.ConfirmedPosition) string {
	c.Wallet = wallet
	return c.Key()
}
