package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/app"
	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/pkg/config"
	"github.com/betbot/perpexec/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("PERPEXEC_CONFIG"), "config file (.yaml/.yml/.json)")
		walletHex  = flag.String("wallet", "", "Safe address (defaults to wallet.safe_address)")
		pairID     = flag.Int("pair", 0, "pair id")
		collateral = flag.String("collateral", "", "collateral in USDC, e.g. 5 or 12.5")
		leverage   = flag.Int("leverage", 0, "leverage multiplier")
		side       = flag.String("side", "long", "long or short")
		slippage   = flag.Int("slippage", 100, "slippage tolerance in bps")
		takeProfit = flag.String("tp", "", "take-profit price (optional)")
		stopLoss   = flag.String("sl", "", "stop-loss price (optional)")
		timeout    = flag.Duration("timeout", 5*time.Minute, "overall wait limit")
		asJSON     = flag.Bool("json", false, "print snapshots as JSON lines")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, OutputFile: cfg.Log.File}); err != nil {
		fatal("init logger: %v", err)
	}
	defer logger.Close()
	if !*asJSON {
		// 状态逐行打印到 stdout，日志只保留告警
		logrus.SetLevel(logrus.WarnLevel)
	}

	var isLong bool
	switch strings.ToLower(*side) {
	case "long", "buy":
		isLong = true
	case "short", "sell":
	default:
		fatal("side must be long or short, got %q", *side)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	engine, err := app.Build(ctx, cfg, nil)
	if err != nil {
		fatal("build engine: %v", err)
	}
	defer engine.Close()

	wallet := engine.Wallet
	if *walletHex != "" {
		if !common.IsHexAddress(*walletHex) {
			fatal("invalid wallet %q", *walletHex)
		}
		wallet = common.HexToAddress(*walletHex)
	}
	if wallet == (common.Address{}) {
		fatal("wallet is required (-wallet or wallet.safe_address)")
	}

	a, err := engine.Controller.Start(wallet, domain.TradeParams{
		PairID:      *pairID,
		Collateral:  *collateral,
		Leverage:    *leverage,
		IsLong:      isLong,
		SlippageBps: *slippage,
		TakeProfit:  *takeProfit,
		StopLoss:    *stopLoss,
	})
	if err != nil {
		fatal("start: %v", err)
	}

	final := follow(ctx, a, *asJSON)
	if final.State != domain.StateConfirmed {
		os.Exit(1)
	}
}

// follow 打印每个状态直到终态；ctx 结束时在提交前取消，提交后只报告当前状态
func follow(ctx context.Context, a *execution.Attempt, asJSON bool) execution.Snapshot {
	ch, unsubscribe := a.Subscribe()
	defer unsubscribe()

	var last execution.Snapshot
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return last
			}
			last = snap
			printSnapshot(snap, asJSON)
		case <-ctx.Done():
			if err := a.Cancel(); err != nil {
				fmt.Fprintf(os.Stderr, "stopped waiting in %s: %v\n", a.State(), err)
				return a.Snapshot()
			}
			snap, _ := a.Wait(context.Background())
			printSnapshot(snap, asJSON)
			return snap
		}
	}
}

func printSnapshot(s execution.Snapshot, asJSON bool) {
	if asJSON {
		b, _ := json.Marshal(s)
		fmt.Println(string(b))
		return
	}
	line := fmt.Sprintf("%s  %-20s", s.UpdatedAt.Format("15:04:05.000"), s.State)
	if s.TxID != "" {
		line += "  tx=" + s.TxID
	}
	if s.Error != nil {
		line += "  error=" + s.Error.Error()
	}
	if s.Confirmed != nil {
		line += "  position=" + s.Confirmed.Key()
	}
	fmt.Println(line)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
