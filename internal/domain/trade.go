package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeParams 用户输入的开仓意图（未校验，金额均为十进制字符串）
type TradeParams struct {
	PairID      int    `json:"pairId"`
	Collateral  string `json:"collateral"`           // 保证金（USDC，用户单位，例如 "5" 或 "12.5"）
	Leverage    int    `json:"leverage"`             // 杠杆倍数
	IsLong      bool   `json:"isLong"`               // 方向
	SlippageBps int    `json:"slippageBps"`          // 滑点容忍度（基点）
	TakeProfit  string `json:"takeProfit,omitempty"` // 止盈价（可选）
	StopLoss    string `json:"stopLoss,omitempty"`   // 止损价（可选）
}

// NormalizedTrade 校验通过后的交易参数，所有数值均为定点整数。
// 一旦生成不再修改，后续阶段只派生新值。
type NormalizedTrade struct {
	Pair        PairSpec
	Collateral  *big.Int // 抵押品精度（USDC 6 位）
	Leverage    int64
	IsLong      bool
	SlippageBps int64
	TakeProfit  *big.Int // 价格精度（8 位），nil 表示未设置
	StopLoss    *big.Int // 价格精度（8 位），nil 表示未设置
}

// ExposureQuote 单次提交尝试的敞口与价格边界，不跨尝试缓存
type ExposureQuote struct {
	Notional    *big.Int // collateral × leverage（抵押品精度）
	MidPrice    *big.Int // 预言机中间价（价格精度）
	PriceBound  *big.Int // 多单为最高可接受价，空单为最低可接受价
	SlippageBps int64    // 实际生效的滑点（已按协议下限钳制）
}

// WalletBalances 预检时读取的钱包快照，只在本次尝试内有效
type WalletBalances struct {
	Wallet      common.Address
	Stablecoin  *big.Int
	Allowance   *big.Int
	Spender     common.Address
	Native      *big.Int
	BlockNumber uint64
	ObservedAt  time.Time
}

// PriceUpdate 归一化后的预言机价格更新（一次性使用）
type PriceUpdate struct {
	FeedID      string
	Hex         string   // 0x 前缀的十六进制 update 数据
	Price       *big.Int // 价格精度
	PublishTime time.Time
	Source      string // 来源端点名称
}

// Bytes 返回 update 的原始字节
func (u *PriceUpdate) Bytes() []byte {
	if u == nil {
		return nil
	}
	return common.FromHex(u.Hex)
}
