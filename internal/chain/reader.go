package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/betbot/perpexec/internal/domain"
)

// Backend 只读链访问（*ethclient.Client 满足该接口）
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Reader 在同一区块读取稳定币余额、授权额度与原生 gas 余额
type Reader struct {
	backend Backend
}

func NewReader(backend Backend) *Reader {
	return &Reader{backend: backend}
}

// ReadBalances 先取最新区块头，再把三次读取固定在该区块上
func (r *Reader) ReadBalances(ctx context.Context, wallet, token, spender common.Address) (domain.WalletBalances, error) {
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.WalletBalances{}, fmt.Errorf("read head: %w", err)
	}
	block := head.Number

	bal, err := r.callUint(ctx, token, block, "balanceOf", wallet)
	if err != nil {
		return domain.WalletBalances{}, err
	}
	allowance, err := r.callUint(ctx, token, block, "allowance", wallet, spender)
	if err != nil {
		return domain.WalletBalances{}, err
	}
	native, err := r.backend.BalanceAt(ctx, wallet, block)
	if err != nil {
		return domain.WalletBalances{}, fmt.Errorf("read native balance: %w", err)
	}

	return domain.WalletBalances{
		Wallet:      wallet,
		Stablecoin:  bal,
		Allowance:   allowance,
		Spender:     spender,
		Native:      native,
		BlockNumber: block.Uint64(),
		ObservedAt:  time.Unix(int64(head.Time), 0).UTC(),
	}, nil
}

func (r *Reader) callUint(ctx context.Context, token common.Address, block *big.Int, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	var v *big.Int
	if err := erc20ABI.UnpackIntoInterface(&v, method, out); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return v, nil
}
