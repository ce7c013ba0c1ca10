package order

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

var errNonPositive = errors.New("must be positive")

func formatRange(v, min, max int64) string {
	return fmt.Sprintf("%d not in [%d, %d]", v, min, max)
}

// QuoteOptions 计算报价时的协议滑点区间
type QuoteOptions struct {
	MinSlippageBps int64
	MaxSlippageBps int64
}

// Quote 计算名义敞口与滑点价格边界（纯函数）。
// midPrice 为预言机中间价（价格精度），必须为正。
func Quote(trade domain.NormalizedTrade, midPrice *big.Int, opts QuoteOptions) (domain.ExposureQuote, error) {
	if midPrice == nil || midPrice.Sign() <= 0 {
		return domain.ExposureQuote{}, fmt.Errorf("invalid mid price")
	}
	slip := marketmath.ClampSlippage(trade.SlippageBps, opts.MinSlippageBps, opts.MaxSlippageBps)
	return domain.ExposureQuote{
		Notional:    marketmath.Exposure(trade.Collateral, trade.Leverage),
		MidPrice:    new(big.Int).Set(midPrice),
		PriceBound:  marketmath.PriceBound(midPrice, slip, trade.IsLong),
		SlippageBps: slip,
	}, nil
}
