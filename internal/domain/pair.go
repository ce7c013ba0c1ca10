package domain

import (
	"fmt"
	"sort"
)

// PairSpec 交易对配置
type PairSpec struct {
	ID          int
	Name        string
	FeedID      string // 预言机 feed id（hex）
	MinLeverage int64
	MaxLeverage int64
}

// PairRegistry 交易对注册表（只读）
type PairRegistry struct {
	pairs map[int]PairSpec
}

// NewPairRegistry 创建注册表，重复 ID 或杠杆区间非法会报错
func NewPairRegistry(pairs []PairSpec) (*PairRegistry, error) {
	r := &PairRegistry{pairs: make(map[int]PairSpec, len(pairs))}
	for _, p := range pairs {
		if _, dup := r.pairs[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pair id %d", p.ID)
		}
		if p.MinLeverage < 1 || p.MaxLeverage < p.MinLeverage {
			return nil, fmt.Errorf("pair %d: invalid leverage range [%d,%d]", p.ID, p.MinLeverage, p.MaxLeverage)
		}
		if p.FeedID == "" {
			return nil, fmt.Errorf("pair %d: feed id is required", p.ID)
		}
		r.pairs[p.ID] = p
	}
	return r, nil
}

// Lookup 按 ID 查找交易对
func (r *PairRegistry) Lookup(id int) (PairSpec, bool) {
	if r == nil {
		return PairSpec{}, false
	}
	p, ok := r.pairs[id]
	return p, ok
}

// All 按 ID 升序返回全部交易对
func (r *PairRegistry) All() []PairSpec {
	out := make([]PairSpec, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
