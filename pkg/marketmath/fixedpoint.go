package marketmath

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// BpsDenominator 基点分母（1 bps = 1/10000）。
const BpsDenominator = 10000

// MaxUint256 ERC-20 无限授权值。
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseUnits 将十进制字符串转换为指定精度的定点整数。
//
// 说明：
// - 超出精度的小数位会直接报错，不做截断（截断会让用户以为下单的是另一个金额）。
// - 允许前后空白，不允许科学计数法以外的非法字符（由 decimal 解析保证）。
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", s, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits 定点整数转十进制字符串（固定 decimals 位小数）。
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromBigInt(v, -decimals).StringFixed(decimals)
}

// MulDiv 计算 a*b/c，roundUp=true 时向上取整，否则向下取整。
// 只接受非负输入；c 必须为正。
func MulDiv(a, b, c *big.Int, roundUp bool) *big.Int {
	if c.Sign() <= 0 {
		panic("marketmath: MulDiv by non-positive divisor")
	}
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, c, new(big.Int))
	if roundUp && r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Exposure 名义敞口 = collateral × leverage，精度与 collateral 相同，无舍入。
func Exposure(collateral *big.Int, leverage int64) *big.Int {
	return new(big.Int).Mul(collateral, big.NewInt(leverage))
}

// ClampSlippage 将滑点限制在 [min, max]。
// 0 滑点会被提升到 min：预言机价格与成交价格不可能完全一致，精确价单必然失败。
func ClampSlippage(bps, min, max int64) int64 {
	if bps < min {
		bps = min
	}
	if max > 0 && bps > max {
		bps = max
	}
	return bps
}

// PriceBound 计算滑点保护后的可接受成交价。
//
// - 多单：上限 = ceil(P × (10000+S) / 10000)
// - 空单：下限 = floor(P × (10000−S) / 10000)
//
// 取整方向总是放宽边界（有利于结算成功），而不是有利于交易者；
// 反方向取整会在边界价格上产生无意义的链上 revert。
func PriceBound(price *big.Int, slippageBps int64, isLong bool) *big.Int {
	den := big.NewInt(BpsDenominator)
	if isLong {
		return MulDiv(price, big.NewInt(BpsDenominator+slippageBps), den, true)
	}
	factor := BpsDenominator - slippageBps
	if factor <= 0 {
		return new(big.Int)
	}
	return MulDiv(price, big.NewInt(factor), den, false)
}

// RescaleExpo 将 mantissa × 10^expo 转换为 decimals 位定点整数（向下取整）。
// expo 由调用方限定范围，10 的幂按 |decimals+expo| 计算。
func RescaleExpo(mantissa *big.Int, expo int32, decimals int32) *big.Int {
	shift := int64(decimals) + int64(expo)
	switch {
	case shift == 0:
		return new(big.Int).Set(mantissa)
	case shift > 0:
		return new(big.Int).Mul(mantissa, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	default:
		return new(big.Int).Quo(mantissa, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	}
}

// WithinBps |a-b| <= ref × tolBps / 10000
func WithinBps(a, b, ref *big.Int, tolBps int64) bool {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	lhs := new(big.Int).Mul(diff, big.NewInt(BpsDenominator))
	rhs := new(big.Int).Mul(new(big.Int).Abs(ref), big.NewInt(tolBps))
	return lhs.Cmp(rhs) <= 0
}
