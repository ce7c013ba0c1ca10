package wallet

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/sdk/relayer"
)

func newSubmitter(t *testing.T, handler http.HandlerFunc) *SafeSubmitter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := relayer.NewClient(key, relayer.Config{
		BaseURL:   srv.URL,
		ChainID:   42161,
		MultiSend: common.HexToAddress("0x40A2aCCbd92BCA938b02010E17A5b8929b49130D"),
	})
	require.NoError(t, err)
	return NewSafeSubmitter(c)
}

func batch() domain.CallBatch {
	return domain.CallBatch{Calls: []domain.Call{
		{Kind: domain.CallDeposit, Target: common.HexToAddress("0xb"), Data: []byte{1}, Value: new(big.Int)},
		{Kind: domain.CallOpen, Target: common.HexToAddress("0xb"), Data: []byte{2}, Value: big.NewInt(10)},
	}}
}

func TestSignAndBroadcast(t *testing.T) {
	s := newSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nonce":
			_, _ = w.Write([]byte(`{"nonce":"0"}`))
		case "/submit":
			_, _ = w.Write([]byte(`{"id":"abc","state":"STATE_NEW"}`))
		case "/transaction":
			_, _ = w.Write([]byte(`{"id":"abc","state":"STATE_FAILED","error":"reverted"}`))
		}
	})
	wallet := common.HexToAddress("0xcc")

	signed, err := s.Sign(context.Background(), wallet, batch())
	require.NoError(t, err)
	assert.Equal(t, relayer.OperationDelegateCall, signed.Operation)
	assert.Equal(t, "0", signed.Nonce)

	sub, err := s.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "abc", sub.ID)

	_, err = s.Status(context.Background(), "abc")
	assert.Equal(t, domain.KindSubmissionRejected, domain.KindOf(err))
}

func TestBroadcastRejection(t *testing.T) {
	s := newSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`simulation reverted`))
	})
	_, err := s.Broadcast(context.Background(), domain.SignedBatch{Wallet: common.HexToAddress("0xcc")})
	require.Error(t, err)
	assert.Equal(t, domain.KindSubmissionRejected, domain.KindOf(err))
	assert.Contains(t, err.Error(), "simulation reverted")
}
