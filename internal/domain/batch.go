package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CallKind 批次内调用类型
type CallKind string

const (
	CallApprove CallKind = "approve"
	CallDeposit CallKind = "deposit"
	CallOpen    CallKind = "open"
)

// Call 单个合约调用
type Call struct {
	Kind   CallKind
	Target common.Address
	Data   []byte
	Value  *big.Int
}

// CallBatch 原子提交的调用序列
type CallBatch struct {
	Calls []Call
}

// HasApproval 批次是否包含授权调用
func (b CallBatch) HasApproval() bool {
	for _, c := range b.Calls {
		if c.Kind == CallApprove {
			return true
		}
	}
	return false
}

// TotalValue 批次需要附带的原生代币总量
func (b CallBatch) TotalValue() *big.Int {
	total := new(big.Int)
	for _, c := range b.Calls {
		if c.Value != nil {
			total.Add(total, c.Value)
		}
	}
	return total
}

// Validate 检查顺序约束：approve（可选）→ deposit → open，每种最多一次
func (b CallBatch) Validate() error {
	order := map[CallKind]int{CallApprove: 0, CallDeposit: 1, CallOpen: 2}
	last := -1
	seen := make(map[CallKind]bool, len(b.Calls))
	for i, c := range b.Calls {
		rank, ok := order[c.Kind]
		if !ok {
			return fmt.Errorf("call %d: unknown kind %q", i, c.Kind)
		}
		if seen[c.Kind] {
			return fmt.Errorf("call %d: duplicate %s call", i, c.Kind)
		}
		if rank <= last {
			return fmt.Errorf("call %d: %s out of order", i, c.Kind)
		}
		seen[c.Kind] = true
		last = rank
	}
	if !seen[CallDeposit] || !seen[CallOpen] {
		return fmt.Errorf("batch must contain deposit and open calls")
	}
	return nil
}

// SignedBatch 已签名、待广播的批次
type SignedBatch struct {
	Wallet    common.Address
	Batch     CallBatch
	Nonce     string
	To        common.Address
	Value     *big.Int
	Data      []byte
	Operation uint8
	Signature string
}

// Submission 广播结果
type Submission struct {
	ID     string // 中继返回的交易 ID
	TxHash string // 可能为空（中继尚未上链）
	State  string
}
