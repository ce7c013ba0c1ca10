package order

import (
	"math/big"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

// Limits 协议级下单限制
type Limits struct {
	MinCollateral      *big.Int // 抵押品精度
	MaxCollateral      *big.Int // 抵押品精度
	MaxSlippageBps     int64
	CollateralDecimals int32
	PriceDecimals      int32
}

// Validator 纯函数式参数校验器，无副作用
type Validator struct {
	pairs  *domain.PairRegistry
	limits Limits
}

// NewValidator 创建校验器
func NewValidator(pairs *domain.PairRegistry, limits Limits) *Validator {
	return &Validator{pairs: pairs, limits: limits}
}

// Validate 校验并归一化 TradeParams。
// 失败时返回 *domain.TradeError（Kind=ValidationError，Field 指明字段）。
func (v *Validator) Validate(p domain.TradeParams) (domain.NormalizedTrade, error) {
	pair, ok := v.pairs.Lookup(p.PairID)
	if !ok {
		return domain.NormalizedTrade{}, domain.ValidationError("pairId", "unknown pair")
	}

	lev := int64(p.Leverage)
	if lev < pair.MinLeverage || lev > pair.MaxLeverage {
		return domain.NormalizedTrade{}, domain.ValidationError("leverage",
			formatRange(lev, pair.MinLeverage, pair.MaxLeverage))
	}

	collateral, err := marketmath.ParseUnits(p.Collateral, v.limits.CollateralDecimals)
	if err != nil {
		return domain.NormalizedTrade{}, domain.ValidationError("collateral", err.Error())
	}
	if collateral.Sign() <= 0 {
		return domain.NormalizedTrade{}, domain.ValidationError("collateral", "must be positive")
	}
	if v.limits.MinCollateral != nil && collateral.Cmp(v.limits.MinCollateral) < 0 {
		return domain.NormalizedTrade{}, domain.ValidationError("collateral",
			"below minimum "+marketmath.FormatUnits(v.limits.MinCollateral, v.limits.CollateralDecimals))
	}
	if v.limits.MaxCollateral != nil && collateral.Cmp(v.limits.MaxCollateral) > 0 {
		return domain.NormalizedTrade{}, domain.ValidationError("collateral",
			"above maximum "+marketmath.FormatUnits(v.limits.MaxCollateral, v.limits.CollateralDecimals))
	}

	slip := int64(p.SlippageBps)
	if slip < 0 || slip > v.limits.MaxSlippageBps {
		return domain.NormalizedTrade{}, domain.ValidationError("slippageBps",
			formatRange(slip, 0, v.limits.MaxSlippageBps))
	}

	tp, err := v.optionalPrice(p.TakeProfit)
	if err != nil {
		return domain.NormalizedTrade{}, domain.ValidationError("takeProfit", err.Error())
	}
	sl, err := v.optionalPrice(p.StopLoss)
	if err != nil {
		return domain.NormalizedTrade{}, domain.ValidationError("stopLoss", err.Error())
	}
	// 多单止盈必须高于止损，空单相反
	if tp != nil && sl != nil {
		if (p.IsLong && tp.Cmp(sl) <= 0) || (!p.IsLong && tp.Cmp(sl) >= 0) {
			return domain.NormalizedTrade{}, domain.ValidationError("takeProfit", "inconsistent with stopLoss for direction")
		}
	}

	return domain.NormalizedTrade{
		Pair:        pair,
		Collateral:  collateral,
		Leverage:    lev,
		IsLong:      p.IsLong,
		SlippageBps: slip,
		TakeProfit:  tp,
		StopLoss:    sl,
	}, nil
}

func (v *Validator) optionalPrice(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	px, err := marketmath.ParseUnits(s, v.limits.PriceDecimals)
	if err != nil {
		return nil, err
	}
	if px.Sign() <= 0 {
		return nil, errNonPositive
	}
	return px, nil
}
