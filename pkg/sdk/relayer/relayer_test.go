package relayer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	multiSendAddr = common.HexToAddress("0xA238CBeb142c10Ef7Ad8442C6D1f9E89e07e7761")
	safeAddr      = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func sampleTxns() []Transaction {
	return []Transaction{
		{To: common.HexToAddress("0xa"), Data: []byte{0x09, 0x5e, 0xa7, 0xb3}},
		{To: common.HexToAddress("0xb"), Data: []byte{0x01, 0x02}},
		{To: common.HexToAddress("0xb"), Data: []byte{0x03}, Value: big.NewInt(1000)},
	}
}

func TestEncodeMultiSendRoundTrip(t *testing.T) {
	env, err := EncodeMultiSend(multiSendAddr, sampleTxns())
	require.NoError(t, err)
	assert.Equal(t, multiSendAddr, env.To)
	assert.Equal(t, OperationDelegateCall, env.Operation)
	assert.Zero(t, env.Value.Sign())

	got, err := DecodeMultiSend(env.Data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, tx := range sampleTxns() {
		assert.Equal(t, tx.To, got[i].To)
		assert.Equal(t, tx.Data, got[i].Data)
		assert.Equal(t, valueOf(tx).String(), got[i].Value.String())
	}
}

func TestEncodeMultiSendSinglePassthrough(t *testing.T) {
	tx := Transaction{To: common.HexToAddress("0xb"), Data: []byte{0x01}, Value: big.NewInt(7)}
	env, err := EncodeMultiSend(common.Address{}, []Transaction{tx})
	require.NoError(t, err)
	assert.Equal(t, tx.To, env.To)
	assert.Equal(t, OperationCall, env.Operation)
	assert.Equal(t, "7", env.Value.String())

	_, err = EncodeMultiSend(common.Address{}, sampleTxns())
	assert.Error(t, err, "multisend address required for batches")
	_, err = EncodeMultiSend(multiSendAddr, nil)
	assert.Error(t, err)
}

func TestSafeTxHashDependsOnNonce(t *testing.T) {
	env, err := EncodeMultiSend(multiSendAddr, sampleTxns())
	require.NoError(t, err)
	h1, err := SafeTxHash(137, safeAddr, env, big.NewInt(1))
	require.NoError(t, err)
	h2, err := SafeTxHash(137, safeAddr, env, big.NewInt(2))
	require.NoError(t, err)
	assert.Len(t, h1, 32)
	assert.NotEqual(t, h1, h2)
}

func TestPrepareAndSubmit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	var submitted TransactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-BUILDER-SIGNATURE"))
		switch r.URL.Path {
		case "/nonce":
			assert.Equal(t, signer.Hex(), r.URL.Query().Get("address"))
			_, _ = w.Write([]byte(`{"nonce":"5"}`))
		case "/submit":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_, _ = w.Write([]byte(`{"id":"tx-1","transactionHash":"","state":"STATE_NEW"}`))
		case "/transaction":
			assert.Equal(t, "tx-1", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(`{"id":"tx-1","transactionHash":"0xabc","state":"STATE_MINED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(key, Config{
		BaseURL:   srv.URL,
		ChainID:   137,
		MultiSend: multiSendAddr,
		Creds:     &BuilderCreds{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"},
	})
	require.NoError(t, err)

	req, env, err := c.Prepare(context.Background(), safeAddr, sampleTxns(), "open")
	require.NoError(t, err)
	assert.Equal(t, "5", req.Nonce)

	hash, err := SafeTxHash(137, safeAddr, env, big.NewInt(5))
	require.NoError(t, err)
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, signer, crypto.PubkeyToAddress(*pub))

	resp, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", resp.ID)
	assert.Equal(t, safeAddr.Hex(), submitted.ProxyWallet)
	assert.Equal(t, OperationDelegateCall, submitted.Operation)

	status, err := c.Transaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.True(t, status.Mined())
}

func TestSubmitRejected(t *testing.T) {
	key, _ := crypto.GenerateKey()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"execution reverted: slippage"}`))
	}))
	defer srv.Close()

	c, err := NewClient(key, Config{BaseURL: srv.URL, ChainID: 137})
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), &TransactionRequest{Type: "SAFE"})
	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "execution reverted: slippage", se.Reason)
}
