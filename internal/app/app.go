package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/batch"
	"github.com/betbot/perpexec/internal/chain"
	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/internal/oracle"
	"github.com/betbot/perpexec/internal/order"
	"github.com/betbot/perpexec/internal/positions"
	"github.com/betbot/perpexec/internal/preflight"
	"github.com/betbot/perpexec/internal/reconcile"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/internal/wallet"
	"github.com/betbot/perpexec/pkg/config"
	"github.com/betbot/perpexec/pkg/sdk/relayer"
)

var log = logrus.WithField("component", "app")

// App 组装好的交易引擎及其外部连接
type App struct {
	Controller *execution.Controller
	Breaker    *risk.CircuitBreaker
	Signer     common.Address
	Wallet     common.Address // 默认 Safe，可能为空

	eth *ethclient.Client
}

// Build 按配置连接 RPC、预言机、中继与仓位数据源并创建控制器。
// observer 可为 nil。
func Build(ctx context.Context, cfg *config.Config, observer execution.Observer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	key, err := cfg.ResolveSigner()
	if err != nil {
		return nil, err
	}
	pairs, err := cfg.PairRegistry()
	if err != nil {
		return nil, err
	}
	minCollateral, _ := cfg.MinCollateral()
	maxCollateral, _ := cfg.MaxCollateral()
	gasReserve, _ := cfg.MinGasReserve()
	execFee, _ := cfg.ExecutionFee()

	stablecoin := common.HexToAddress(cfg.Chain.Stablecoin)
	settlement := common.HexToAddress(cfg.Chain.Settlement)

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	oc, err := oracle.NewClient(oracle.Config{
		Primary:       oracle.Endpoint{Name: "primary", BaseURL: cfg.Oracle.PrimaryURL, Legacy: cfg.Oracle.PrimaryLegacy},
		Secondary:     oracle.Endpoint{Name: "secondary", BaseURL: cfg.Oracle.SecondaryURL, Legacy: cfg.Oracle.SecondaryLegacy},
		Timeout:       cfg.OracleTimeout(),
		MaxStaleness:  time.Duration(cfg.Oracle.MaxStalenessSeconds) * time.Second,
		PriceDecimals: cfg.Chain.PriceDecimals,
	})
	if err != nil {
		eth.Close()
		return nil, err
	}

	var creds *relayer.BuilderCreds
	if cfg.Relayer.BuilderKey != "" {
		creds = &relayer.BuilderCreds{
			Key:        cfg.Relayer.BuilderKey,
			Secret:     cfg.Relayer.BuilderSecret,
			Passphrase: cfg.Relayer.BuilderPassphrase,
		}
	}
	rc, err := relayer.NewClient(key, relayer.Config{
		BaseURL:   cfg.Relayer.URL,
		ChainID:   cfg.Chain.ChainID,
		MultiSend: common.HexToAddress(cfg.Chain.MultiSend),
		Creds:     creds,
		Timeout:   cfg.RelayerTimeout(),
	})
	if err != nil {
		eth.Close()
		return nil, err
	}

	ps, err := positions.NewSource(positions.Config{
		BaseURL: cfg.Positions.URL,
		Timeout: cfg.PositionsTimeout(),
		RPS:     cfg.Positions.RPS,
		Burst:   cfg.Positions.Burst,
	})
	if err != nil {
		eth.Close()
		return nil, err
	}

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveRejections: cfg.Risk.MaxConsecutiveRejections,
	})

	t := cfg.Trading
	ctrl := execution.NewController(execution.Deps{
		Validator: order.NewValidator(pairs, order.Limits{
			MinCollateral:      minCollateral,
			MaxCollateral:      maxCollateral,
			MaxSlippageBps:     t.MaxSlippageBps,
			CollateralDecimals: cfg.Chain.CollateralDecimals,
			PriceDecimals:      cfg.Chain.PriceDecimals,
		}),
		Preflight: preflight.NewChecker(chain.NewReader(eth), preflight.Config{
			Stablecoin:         stablecoin,
			Settlement:         settlement,
			MinGasReserve:      gasReserve,
			ExecutionFee:       execFee,
			CollateralDecimals: cfg.Chain.CollateralDecimals,
		}),
		Oracle:    oc,
		Builder:   batch.NewBuilder(stablecoin, settlement, execFee),
		Submitter: wallet.NewSafeSubmitter(rc),
		Positions: ps,
		Reconciler: reconcile.New(reconcile.Config{
			CollateralToleranceBps: t.MatchToleranceBps,
			RecencyWindow:          time.Duration(t.RecencyWindowSec) * time.Second,
			ClockSkew:              time.Duration(t.ClockSkewSec) * time.Second,
			MatchTimeout:           time.Duration(t.MatchTimeoutMinutes) * time.Minute,
		}),
		Breaker:  breaker,
		Observer: observer,
	}, execution.Config{
		Quote: order.QuoteOptions{MinSlippageBps: t.MinSlippageBps, MaxSlippageBps: t.MaxSlippageBps},
		Confirm: execution.ConfirmConfig{
			MaxRetries:      uint64(t.ConfirmRetries),
			InitialInterval: cfg.ConfirmInitialInterval(),
			MaxInterval:     cfg.ConfirmMaxInterval(),
		},
		Background: execution.ConfirmConfig{
			MaxRetries:      uint64(t.BackgroundRetries),
			InitialInterval: cfg.ConfirmMaxInterval(),
			MaxInterval:     4 * cfg.ConfirmMaxInterval(),
		},
		Retention: time.Duration(t.RetentionMinutes) * time.Minute,
	})

	a := &App{
		Controller: ctrl,
		Breaker:    breaker,
		Signer:     rc.Signer(),
		eth:        eth,
	}
	if cfg.Wallet.SafeAddress != "" {
		a.Wallet = common.HexToAddress(cfg.Wallet.SafeAddress)
	}
	log.WithFields(logrus.Fields{
		"signer": a.Signer.Hex(),
		"wallet": a.Wallet.Hex(),
		"chain":  cfg.Chain.ChainID,
		"pairs":  len(pairs.All()),
	}).Info("trade engine ready")
	return a, nil
}

// Close 停止控制器并断开 RPC
func (a *App) Close() {
	if a == nil {
		return
	}
	a.Controller.Close()
	if a.eth != nil {
		a.eth.Close()
	}
}
