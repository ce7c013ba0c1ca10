package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC20ABI 余额、授权与 approve
const ERC20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// SettlementABI 永续结算合约中本引擎调用的部分
const SettlementABI = `[
	{"inputs":[{"name":"amount","type":"uint256"}],"name":"depositCollateral","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[
		{"name":"trader","type":"address"},
		{"name":"pairIndex","type":"uint256"},
		{"name":"buy","type":"bool"},
		{"name":"collateral","type":"uint256"},
		{"name":"leverage","type":"uint256"},
		{"name":"positionSize","type":"uint256"},
		{"name":"priceBound","type":"uint256"},
		{"name":"takeProfit","type":"uint256"},
		{"name":"stopLoss","type":"uint256"},
		{"name":"priceUpdateData","type":"bytes[]"}
	],"name":"openTrade","outputs":[],"stateMutability":"payable","type":"function"}
]`

var (
	erc20ABI      = mustParse(ERC20ABI)
	settlementABI = mustParse(SettlementABI)
)

// ERC20 已解析的 ERC20 ABI
func ERC20() abi.ABI { return erc20ABI }

// Settlement 已解析的结算合约 ABI
func Settlement() abi.ABI { return settlementABI }

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
