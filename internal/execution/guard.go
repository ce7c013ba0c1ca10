package execution

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/perpexec/internal/domain"
)

// AccountGuard 每个钱包同一时刻最多一个在途 attempt。
//
// 分片 map，key 为小写地址；终态 attempt 保留为该钱包的“当前”状态，
// 直到下一次尝试替换它。
type AccountGuard struct {
	shards []guardShard
}

type guardShard struct {
	mu sync.Mutex
	m  map[string]*Attempt
}

func NewAccountGuard(shardCount int) *AccountGuard {
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]guardShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]*Attempt)
	}
	return &AccountGuard{shards: shards}
}

// TryAcquire 钱包已有在途 attempt 时返回 TradeInProgress，与参数无关
func (g *AccountGuard) TryAcquire(wallet common.Address, a *Attempt) error {
	key := walletKey(wallet)
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.m[key]; ok && cur.Live() {
		return domain.NewError(domain.KindTradeInProgress, nil,
			"attempt %s is %s", cur.ID(), cur.State())
	}
	sh.m[key] = a
	return nil
}

// Current 钱包最近一次 attempt（可能已终态），没有时返回 nil
func (g *AccountGuard) Current(wallet common.Address) *Attempt {
	key := walletKey(wallet)
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.m[key]
}

func (g *AccountGuard) shard(key string) *guardShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.shards[h.Sum32()%uint32(len(g.shards))]
}

func walletKey(wallet common.Address) string {
	return strings.ToLower(wallet.Hex())
}
