package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	head      uint64
	balance   *big.Int
	allowance *big.Int
	native    *big.Int
	callErr   error
	blocks    []*big.Int
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: new(big.Int).SetUint64(f.head), Time: 1_700_000_000}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, blockNumber)
	if f.callErr != nil {
		return nil, f.callErr
	}
	m := erc20ABI.Methods
	switch {
	case bytes.HasPrefix(call.Data, m["balanceOf"].ID):
		return m["balanceOf"].Outputs.Pack(f.balance)
	case bytes.HasPrefix(call.Data, m["allowance"].ID):
		return m["allowance"].Outputs.Pack(f.allowance)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.blocks = append(f.blocks, blockNumber)
	return f.native, nil
}

func TestReadBalancesPinsBlock(t *testing.T) {
	fb := &fakeBackend{head: 123, balance: big.NewInt(5_000_000), allowance: big.NewInt(0), native: big.NewInt(1e15)}
	wallet := common.HexToAddress("0x1")
	spender := common.HexToAddress("0x2")

	got, err := NewReader(fb).ReadBalances(context.Background(), wallet, common.HexToAddress("0x3"), spender)
	require.NoError(t, err)
	assert.Equal(t, "5000000", got.Stablecoin.String())
	assert.Equal(t, "0", got.Allowance.String())
	assert.Equal(t, int64(1e15), got.Native.Int64())
	assert.EqualValues(t, 123, got.BlockNumber)
	assert.Equal(t, spender, got.Spender)
	require.Len(t, fb.blocks, 3)
	for _, b := range fb.blocks {
		assert.EqualValues(t, 123, b.Int64())
	}
}

func TestReadBalancesPropagatesCallError(t *testing.T) {
	fb := &fakeBackend{head: 1, callErr: errors.New("rpc down")}
	_, err := NewReader(fb).ReadBalances(context.Background(), common.Address{}, common.Address{}, common.Address{})
	assert.ErrorContains(t, err, "rpc down")
}
