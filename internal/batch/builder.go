package batch

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/perpexec/internal/chain"
	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

// Builder 组装 approve -> depositCollateral -> openTrade 原子批次
type Builder struct {
	stablecoin   common.Address
	settlement   common.Address
	executionFee *big.Int
}

func NewBuilder(stablecoin, settlement common.Address, executionFee *big.Int) *Builder {
	if executionFee == nil {
		executionFee = new(big.Int)
	}
	return &Builder{stablecoin: stablecoin, settlement: settlement, executionFee: executionFee}
}

// Input 构建所需的全部上游结果
type Input struct {
	Wallet        common.Address
	Trade         domain.NormalizedTrade
	Quote         domain.ExposureQuote
	Update        *domain.PriceUpdate
	NeedsApproval bool
}

// Build 只在内部不变量被破坏时失败（BuildError）
func (b *Builder) Build(in Input) (domain.CallBatch, error) {
	if in.Update == nil || len(in.Update.Bytes()) == 0 {
		return domain.CallBatch{}, domain.NewError(domain.KindBuild, nil, "missing price update")
	}
	if in.Trade.Collateral == nil || in.Trade.Collateral.Sign() <= 0 {
		return domain.CallBatch{}, domain.NewError(domain.KindBuild, nil, "missing collateral")
	}
	if in.Quote.Notional == nil || in.Quote.PriceBound == nil {
		return domain.CallBatch{}, domain.NewError(domain.KindBuild, nil, "missing exposure quote")
	}

	erc20 := chain.ERC20()
	settlement := chain.Settlement()
	var calls []domain.Call

	if in.NeedsApproval {
		data, err := erc20.Pack("approve", b.settlement, marketmath.MaxUint256)
		if err != nil {
			return domain.CallBatch{}, domain.NewError(domain.KindBuild, err, "encode approve")
		}
		calls = append(calls, domain.Call{Kind: domain.CallApprove, Target: b.stablecoin, Data: data, Value: new(big.Int)})
	}

	data, err := settlement.Pack("depositCollateral", in.Trade.Collateral)
	if err != nil {
		return domain.CallBatch{}, domain.NewError(domain.KindBuild, err, "encode depositCollateral")
	}
	calls = append(calls, domain.Call{Kind: domain.CallDeposit, Target: b.settlement, Data: data, Value: new(big.Int)})

	data, err = settlement.Pack("openTrade",
		in.Wallet,
		big.NewInt(int64(in.Trade.Pair.ID)),
		in.Trade.IsLong,
		in.Trade.Collateral,
		big.NewInt(in.Trade.Leverage),
		in.Quote.Notional,
		in.Quote.PriceBound,
		orZero(in.Trade.TakeProfit),
		orZero(in.Trade.StopLoss),
		[][]byte{in.Update.Bytes()},
	)
	if err != nil {
		return domain.CallBatch{}, domain.NewError(domain.KindBuild, err, "encode openTrade")
	}
	calls = append(calls, domain.Call{Kind: domain.CallOpen, Target: b.settlement, Data: data, Value: new(big.Int).Set(b.executionFee)})

	out := domain.CallBatch{Calls: calls}
	if err := out.Validate(); err != nil {
		return domain.CallBatch{}, domain.NewError(domain.KindBuild, err, "invalid batch")
	}
	return out, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
