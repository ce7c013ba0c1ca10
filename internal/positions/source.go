package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/betbot/perpexec/internal/domain"
	sdkhttp "github.com/betbot/perpexec/pkg/sdk/http"
)

var log = logrus.WithField("component", "positions_source")

type Config struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Source 按钱包查询已确认仓位，请求经 rate.Limiter 节流。
// NOTE: 数据源有索引延迟，调用方应视为最终一致。
type Source struct {
	http    *sdkhttp.Client
	limiter *rate.Limiter
}

func NewSource(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("positions: base url is required")
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Source{
		http: sdkhttp.NewClient(cfg.BaseURL, sdkhttp.Options{
			Timeout:       cfg.Timeout,
			RetryCount:    1,
			RetryOnStatus: func(status int) bool { return status == http.StatusTooManyRequests || status >= 500 },
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}, nil
}

type positionsResponse struct {
	Positions []positionDTO `json:"positions"`
}

type positionDTO struct {
	PairIndex  int    `json:"pairIndex"`
	Index      int    `json:"index"`
	Buy        bool   `json:"buy"`
	Leverage   int64  `json:"leverage"`
	Collateral amount `json:"collateral"`
	OpenPrice  amount `json:"openPrice"`
	Timestamp  int64  `json:"timestamp"`
	TxHash     string `json:"txHash"`
}

// amount 接受字符串或数字形式的整数
type amount struct{ *big.Int }

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		a.Int = new(big.Int)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer amount %q", s)
	}
	a.Int = v
	return nil
}

// OpenPositions 返回钱包当前所有已确认仓位
func (s *Source) OpenPositions(ctx context.Context, wallet common.Address) ([]domain.ConfirmedPosition, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := s.http.GetRaw(ctx, "/v1/positions", map[string]any{"trader": wallet.Hex()})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	var resp positionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	out := make([]domain.ConfirmedPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		if p.Collateral.Int == nil || p.Collateral.Sign() <= 0 {
			log.WithFields(logrus.Fields{"wallet": wallet.Hex(), "pair": p.PairIndex, "index": p.Index}).Debug("skip empty position")
			continue
		}
		entry := p.OpenPrice.Int
		if entry == nil {
			entry = new(big.Int)
		}
		out = append(out, domain.ConfirmedPosition{
			Wallet:     wallet,
			PairID:     p.PairIndex,
			Index:      p.Index,
			IsLong:     p.Buy,
			Collateral: p.Collateral.Int,
			Leverage:   p.Leverage,
			EntryPrice: entry,
			OpenedAt:   time.Unix(p.Timestamp, 0).UTC(),
			TxHash:     p.TxHash,
		})
	}
	return out, nil
}
