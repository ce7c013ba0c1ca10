package preflight

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

var log = logrus.WithField("component", "preflight")

// BalanceReader 钱包余额读取（internal/chain.Reader 实现）
type BalanceReader interface {
	ReadBalances(ctx context.Context, wallet, token, spender common.Address) (domain.WalletBalances, error)
}

// Result 预检结论
type Result struct {
	Balances      domain.WalletBalances
	NeedsApproval bool
}

type Config struct {
	Stablecoin         common.Address
	Settlement         common.Address // 授权对象
	MinGasReserve      *big.Int       // 原生代币最低保留（wei）
	ExecutionFee       *big.Int       // openTrade 附带的执行费，由钱包原生余额支付
	CollateralDecimals int32
}

// Checker 每次尝试都重新读取余额，不缓存
type Checker struct {
	reader BalanceReader
	cfg    Config
}

func NewChecker(reader BalanceReader, cfg Config) *Checker {
	if cfg.MinGasReserve == nil {
		cfg.MinGasReserve = new(big.Int)
	}
	if cfg.ExecutionFee == nil {
		cfg.ExecutionFee = new(big.Int)
	}
	if cfg.CollateralDecimals <= 0 {
		cfg.CollateralDecimals = 6
	}
	return &Checker{reader: reader, cfg: cfg}
}

// Check 顺序：稳定币余额 -> gas 保留 -> 授权判断。
// 授权不足不是错误，由批次插入 approve(max) 解决。
func (c *Checker) Check(ctx context.Context, wallet common.Address, required *big.Int) (Result, error) {
	bal, err := c.reader.ReadBalances(ctx, wallet, c.cfg.Stablecoin, c.cfg.Settlement)
	if err != nil {
		return Result{}, domain.NewError(domain.KindBalanceUnavailable, err, "read wallet balances")
	}
	fields := logrus.Fields{"wallet": wallet.Hex(), "block": bal.BlockNumber}

	if bal.Stablecoin.Cmp(required) < 0 {
		log.WithFields(fields).Info("insufficient stablecoin balance")
		return Result{Balances: bal}, domain.NewError(domain.KindInsufficientBalance, nil,
			"balance %s < required %s",
			marketmath.FormatUnits(bal.Stablecoin, c.cfg.CollateralDecimals),
			marketmath.FormatUnits(required, c.cfg.CollateralDecimals))
	}
	// 执行费随批次转出，之后仍须留足 gas
	needNative := new(big.Int).Add(c.cfg.MinGasReserve, c.cfg.ExecutionFee)
	if bal.Native.Cmp(needNative) < 0 {
		log.WithFields(fields).Info("native balance below gas reserve")
		return Result{Balances: bal}, domain.NewError(domain.KindInsufficientGas, nil,
			"native balance %s wei < reserve %s wei + execution fee %s wei", bal.Native, c.cfg.MinGasReserve, c.cfg.ExecutionFee)
	}

	res := Result{Balances: bal, NeedsApproval: NeedsApproval(bal.Allowance, required)}
	log.WithFields(fields).WithField("needs_approval", res.NeedsApproval).Debug("preflight passed")
	return res, nil
}

// NeedsApproval allowance < required
func NeedsApproval(allowance, required *big.Int) bool {
	if allowance == nil {
		return true
	}
	return allowance.Cmp(required) < 0
}
