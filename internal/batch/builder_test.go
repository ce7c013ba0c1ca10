package batch

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/chain"
	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

var (
	stable     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	settlement = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	wallet     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func scenarioInput(needsApproval bool) Input {
	return Input{
		Wallet: wallet,
		Trade: domain.NormalizedTrade{
			Pair:        domain.PairSpec{ID: 0, Name: "BTC/USD"},
			Collateral:  big.NewInt(5_000_000),
			Leverage:    10,
			IsLong:      true,
			SlippageBps: 100,
		},
		Quote: domain.ExposureQuote{
			Notional:    big.NewInt(50_000_000),
			MidPrice:    big.NewInt(6_500_000_000_000),
			PriceBound:  big.NewInt(6_565_000_000_000),
			SlippageBps: 100,
		},
		Update:        &domain.PriceUpdate{Hex: "0x504e4155"},
		NeedsApproval: needsApproval,
	}
}

func TestBuildOrdersCalls(t *testing.T) {
	b := NewBuilder(stable, settlement, big.NewInt(1000))

	withApproval, err := b.Build(scenarioInput(true))
	require.NoError(t, err)
	require.Len(t, withApproval.Calls, 3)
	assert.Equal(t, []domain.CallKind{domain.CallApprove, domain.CallDeposit, domain.CallOpen},
		[]domain.CallKind{withApproval.Calls[0].Kind, withApproval.Calls[1].Kind, withApproval.Calls[2].Kind})
	assert.Equal(t, stable, withApproval.Calls[0].Target)
	assert.Equal(t, "1000", withApproval.TotalValue().String())

	without, err := b.Build(scenarioInput(false))
	require.NoError(t, err)
	require.Len(t, without.Calls, 2)
	assert.False(t, without.HasApproval())
}

func TestBuildApprovesMax(t *testing.T) {
	out, err := NewBuilder(stable, settlement, nil).Build(scenarioInput(true))
	require.NoError(t, err)

	args, err := chain.ERC20().Methods["approve"].Inputs.Unpack(out.Calls[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, settlement, args[0].(common.Address))
	assert.Equal(t, 0, marketmath.MaxUint256.Cmp(args[1].(*big.Int)))
}

func TestBuildEncodesOpenTrade(t *testing.T) {
	in := scenarioInput(false)
	in.Trade.TakeProfit = big.NewInt(7_000_000_000_000)
	out, err := NewBuilder(stable, settlement, big.NewInt(1)).Build(in)
	require.NoError(t, err)

	open := out.Calls[1]
	method := chain.Settlement().Methods["openTrade"]
	assert.Equal(t, method.ID, open.Data[:4])
	args, err := method.Inputs.Unpack(open.Data[4:])
	require.NoError(t, err)

	assert.Equal(t, wallet, args[0].(common.Address))
	assert.Equal(t, int64(0), args[1].(*big.Int).Int64())
	assert.Equal(t, true, args[2].(bool))
	assert.Equal(t, "5000000", args[3].(*big.Int).String())
	assert.Equal(t, int64(10), args[4].(*big.Int).Int64())
	assert.Equal(t, "50000000", args[5].(*big.Int).String())
	assert.Equal(t, "6565000000000", args[6].(*big.Int).String())
	assert.Equal(t, "7000000000000", args[7].(*big.Int).String())
	assert.Equal(t, int64(0), args[8].(*big.Int).Int64())
	assert.Equal(t, [][]byte{{0x50, 0x4e, 0x41, 0x55}}, args[9].([][]byte))
}

func TestBuildMissingUpdate(t *testing.T) {
	in := scenarioInput(false)
	in.Update = nil
	_, err := NewBuilder(stable, settlement, nil).Build(in)
	require.Error(t, err)
	assert.Equal(t, domain.KindBuild, domain.KindOf(err))
}
