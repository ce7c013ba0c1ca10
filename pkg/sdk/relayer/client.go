// Package relayer submits Safe wallet transactions through a gasless relayer.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	sdkhttp "github.com/betbot/perpexec/pkg/sdk/http"
)

// Relayer transaction states.
const (
	StateNew       = "STATE_NEW"
	StateExecuted  = "STATE_EXECUTED"
	StateMined     = "STATE_MINED"
	StateConfirmed = "STATE_CONFIRMED"
	StateFailed    = "STATE_FAILED"
	StateInvalid   = "STATE_INVALID"
)

// BuilderCreds holds the builder API credentials used for HMAC request signing.
type BuilderCreds struct {
	Key        string
	Secret     string
	Passphrase string
}

type Config struct {
	BaseURL   string
	ChainID   int64
	MultiSend common.Address
	Creds     *BuilderCreds
	Timeout   time.Duration
}

// Client signs Safe transactions locally and talks to the relayer HTTP API.
type Client struct {
	http       *sdkhttp.Client
	chainID    int64
	multiSend  common.Address
	privateKey *ecdsa.PrivateKey
	signerAddr common.Address
	creds      *BuilderCreds
	now        func() time.Time
}

// TransactionRequest is the request body for /submit.
type TransactionRequest struct {
	Type            string           `json:"type"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	ProxyWallet     string           `json:"proxyWallet,omitempty"`
	Data            string           `json:"data"`
	Value           string           `json:"value,omitempty"`
	Operation       uint8            `json:"operation"`
	Nonce           string           `json:"nonce,omitempty"`
	Signature       string           `json:"signature"`
	SignatureParams *SignatureParams `json:"signatureParams"`
	Metadata        string           `json:"metadata,omitempty"`
}

// SignatureParams contains Safe transaction gas parameters.
type SignatureParams struct {
	GasPrice   string `json:"gasPrice"`
	SafeTxnGas string `json:"safeTxnGas"`
	BaseGas    string `json:"baseGas"`
}

// Response is returned by /submit and /transaction.
type Response struct {
	ID              string `json:"id"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
}

// Failed reports a terminal relayer failure.
func (r *Response) Failed() bool {
	return r.State == StateFailed || r.State == StateInvalid
}

// Mined reports that the transaction is included on chain.
func (r *Response) Mined() bool {
	return r.State == StateMined || r.State == StateConfirmed
}

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

func NewClient(privateKey *ecdsa.PrivateKey, cfg Config) (*Client, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("relayer: private key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("relayer: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		http: sdkhttp.NewClient(cfg.BaseURL, sdkhttp.Options{
			Timeout:       cfg.Timeout,
			RetryCount:    2,
			RetryOnStatus: func(status int) bool { return status == http.StatusTooManyRequests || status >= 500 },
		}),
		chainID:    cfg.ChainID,
		multiSend:  cfg.MultiSend,
		privateKey: privateKey,
		signerAddr: crypto.PubkeyToAddress(privateKey.PublicKey),
		creds:      cfg.Creds,
		now:        time.Now,
	}, nil
}

// Signer returns the Safe owner address.
func (c *Client) Signer() common.Address { return c.signerAddr }

// builderHeaders signs timestamp + method + path + body with the builder secret.
func (c *Client) builderHeaders(method, path string, body []byte) (map[string]string, error) {
	if c.creds == nil {
		return nil, nil
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	message := timestamp + method + path + string(body)

	secret, err := base64.URLEncoding.DecodeString(c.creds.Secret)
	if err != nil {
		if secret, err = base64.StdEncoding.DecodeString(c.creds.Secret); err != nil {
			return nil, fmt.Errorf("decode builder secret: %w", err)
		}
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))

	return map[string]string{
		"X-BUILDER-API-KEY":    c.creds.Key,
		"X-BUILDER-PASSPHRASE": c.creds.Passphrase,
		"X-BUILDER-SIGNATURE":  base64.URLEncoding.EncodeToString(h.Sum(nil)),
		"X-BUILDER-TIMESTAMP":  timestamp,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]any, out any) error {
	headers, err := c.builderHeaders(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	_, err = c.http.DoRequest(ctx, http.MethodGet, path, &sdkhttp.RequestOptions{Headers: headers, Params: params}, out)
	return err
}

// Nonce returns the next Safe nonce for the signer.
func (c *Client) Nonce(ctx context.Context) (*big.Int, error) {
	var resp nonceResponse
	if err := c.get(ctx, "/nonce", map[string]any{"address": c.signerAddr.Hex(), "type": "SAFE"}, &resp); err != nil {
		return nil, fmt.Errorf("nonce request failed: %w", err)
	}
	nonce, ok := new(big.Int).SetString(resp.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce %q", resp.Nonce)
	}
	return nonce, nil
}

// Prepare fetches a nonce, encodes txns for the Safe and signs the SafeTx hash.
// Nothing is sent to chain.
func (c *Client) Prepare(ctx context.Context, safe common.Address, txns []Transaction, metadata string) (*TransactionRequest, Envelope, error) {
	env, err := EncodeMultiSend(c.multiSend, txns)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("failed to encode transactions: %w", err)
	}
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return nil, Envelope{}, err
	}
	hash, err := SafeTxHash(c.chainID, safe, env, nonce)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("failed to create typed data hash: %w", err)
	}
	signature, err := signHash(hash, c.privateKey)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return &TransactionRequest{
		Type:        "SAFE",
		From:        c.signerAddr.Hex(),
		To:          env.To.Hex(),
		ProxyWallet: safe.Hex(),
		Data:        "0x" + hex.EncodeToString(env.Data),
		Value:       env.Value.String(),
		Operation:   env.Operation,
		Nonce:       nonce.String(),
		Signature:   signature,
		SignatureParams: &SignatureParams{
			GasPrice:   "0",
			SafeTxnGas: "0",
			BaseGas:    "0",
		},
		Metadata: metadata,
	}, env, nil
}

// Submit posts a prepared request. A relayer-side rejection is returned as *SubmitError.
func (c *Client) Submit(ctx context.Context, req *TransactionRequest) (*Response, error) {
	const path = "/submit"
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	headers, err := c.builderHeaders(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	var resp Response
	_, err = c.http.DoRequest(ctx, http.MethodPost, path, &sdkhttp.RequestOptions{Headers: headers, Data: body}, &resp)
	if err != nil {
		var se *sdkhttp.StatusError
		if errors.As(err, &se) && se.Status < 500 {
			return nil, &SubmitError{Status: se.Status, Reason: se.Message()}
		}
		return nil, fmt.Errorf("submit failed: %w", err)
	}
	if resp.Failed() {
		return &resp, &SubmitError{Status: http.StatusOK, Reason: resp.Error}
	}
	return &resp, nil
}

// Transaction returns the relayer's current view of a submitted transaction.
func (c *Client) Transaction(ctx context.Context, id string) (*Response, error) {
	var resp Response
	if err := c.get(ctx, "/transaction", map[string]any{"id": id}, &resp); err != nil {
		return nil, fmt.Errorf("transaction status failed: %w", err)
	}
	return &resp, nil
}

// SubmitError is a definitive rejection (simulation revert, bad signature, ...).
type SubmitError struct {
	Status int
	Reason string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("relayer rejected transaction (%d): %s", e.Status, e.Reason)
}
