package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/sdk/relayer"
)

const submitMetadata = "perp:openTrade"

// SafeSubmitter 通过 Safe 中继签名并广播批次
type SafeSubmitter struct {
	client *relayer.Client
}

func NewSafeSubmitter(client *relayer.Client) *SafeSubmitter {
	return &SafeSubmitter{client: client}
}

// Sign 编码 MultiSend 并签名 SafeTx，不产生链上副作用
func (s *SafeSubmitter) Sign(ctx context.Context, wallet common.Address, batch domain.CallBatch) (domain.SignedBatch, error) {
	txns := make([]relayer.Transaction, 0, len(batch.Calls))
	for _, c := range batch.Calls {
		txns = append(txns, relayer.Transaction{To: c.Target, Operation: relayer.OperationCall, Data: c.Data, Value: c.Value})
	}
	req, env, err := s.client.Prepare(ctx, wallet, txns, submitMetadata)
	if err != nil {
		return domain.SignedBatch{}, err
	}
	return domain.SignedBatch{
		Wallet:    wallet,
		Batch:     batch,
		Nonce:     req.Nonce,
		To:        env.To,
		Value:     env.Value,
		Data:      env.Data,
		Operation: env.Operation,
		Signature: req.Signature,
	}, nil
}

// Broadcast 提交已签名批次；中继明确拒绝时返回 SubmissionRejected
func (s *SafeSubmitter) Broadcast(ctx context.Context, signed domain.SignedBatch) (domain.Submission, error) {
	value := signed.Value
	if value == nil {
		value = new(big.Int)
	}
	resp, err := s.client.Submit(ctx, &relayer.TransactionRequest{
		Type:        "SAFE",
		From:        s.client.Signer().Hex(),
		To:          signed.To.Hex(),
		ProxyWallet: signed.Wallet.Hex(),
		Data:        "0x" + hex.EncodeToString(signed.Data),
		Value:       value.String(),
		Operation:   signed.Operation,
		Nonce:       signed.Nonce,
		Signature:   signed.Signature,
		SignatureParams: &relayer.SignatureParams{
			GasPrice:   "0",
			SafeTxnGas: "0",
			BaseGas:    "0",
		},
		Metadata: submitMetadata,
	})
	if err != nil {
		return domain.Submission{}, classify(err)
	}
	return domain.Submission{ID: resp.ID, TxHash: resp.TransactionHash, State: resp.State}, nil
}

// Status 查询中继状态；STATE_FAILED / STATE_INVALID 视为 SubmissionRejected
func (s *SafeSubmitter) Status(ctx context.Context, id string) (domain.Submission, error) {
	resp, err := s.client.Transaction(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	sub := domain.Submission{ID: resp.ID, TxHash: resp.TransactionHash, State: resp.State}
	if resp.Failed() {
		return sub, domain.NewError(domain.KindSubmissionRejected, nil, "relayer state %s: %s", resp.State, resp.Error)
	}
	return sub, nil
}

func classify(err error) error {
	var se *relayer.SubmitError
	if errors.As(err, &se) {
		return domain.NewError(domain.KindSubmissionRejected, nil, "%s", se.Reason)
	}
	return domain.NewError(domain.KindSubmissionRejected, err, "broadcast failed")
}
