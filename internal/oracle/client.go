package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/metrics"
	sdkhttp "github.com/betbot/perpexec/pkg/sdk/http"
)

var log = logrus.WithField("component", "price_oracle")

const (
	batchPath  = "/v2/updates/price/latest"
	legacyPath = "/api/latest_price_feeds"
)

// Endpoint 预言机端点。Legacy 决定请求路径，响应形态始终按内容识别。
type Endpoint struct {
	Name    string
	BaseURL string
	Legacy  bool
}

type Config struct {
	Primary       Endpoint
	Secondary     Endpoint
	Timeout       time.Duration
	MaxStaleness  time.Duration // 0 表示不检查
	PriceDecimals int32
}

type endpoint struct {
	Endpoint
	http *sdkhttp.Client
}

// Client 主/备端点价格更新客户端。不做缓存：每次调用都重新拉取。
type Client struct {
	endpoints     []endpoint
	maxStaleness  time.Duration
	priceDecimals int32
	now           func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Primary.BaseURL == "" {
		return nil, fmt.Errorf("oracle: primary endpoint is required")
	}
	if cfg.PriceDecimals <= 0 {
		cfg.PriceDecimals = 8
	}
	c := &Client{
		maxStaleness:  cfg.MaxStaleness,
		priceDecimals: cfg.PriceDecimals,
		now:           time.Now,
	}
	for i, ep := range []Endpoint{cfg.Primary, cfg.Secondary} {
		if ep.BaseURL == "" {
			continue
		}
		if ep.Name == "" {
			ep.Name = []string{"primary", "secondary"}[i]
		}
		c.endpoints = append(c.endpoints, endpoint{
			Endpoint: ep,
			http:     sdkhttp.NewClient(ep.BaseURL, sdkhttp.Options{Timeout: cfg.Timeout}),
		})
	}
	return c, nil
}

// FetchUpdate 依次尝试主、备端点，全部失败时返回 PriceOracleUnavailable
func (c *Client) FetchUpdate(ctx context.Context, pair domain.PairSpec) (*domain.PriceUpdate, error) {
	var errs error
	for i, ep := range c.endpoints {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if i > 0 {
			metrics.OracleFallbacks.Add(1)
			log.WithFields(logrus.Fields{"pair": pair.ID, "endpoint": ep.Name}).Warn("falling over to next oracle endpoint")
		}
		upd, err := c.fetchFrom(ctx, ep, pair.FeedID)
		if err == nil {
			upd.Source = ep.Name
			return upd, nil
		}
		log.WithError(err).WithFields(logrus.Fields{"pair": pair.ID, "endpoint": ep.Name}).Warn("oracle endpoint failed")
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", ep.Name, err))
	}
	return nil, domain.NewError(domain.KindPriceOracle, errs, "no price update for pair %d", pair.ID)
}

func (c *Client) fetchFrom(ctx context.Context, ep endpoint, feedID string) (*domain.PriceUpdate, error) {
	metrics.OracleRequests.Add(1)
	path, params := batchPath, map[string]any{
		"ids[]":    []string{feedID},
		"encoding": "hex",
		"parsed":   "true",
	}
	if ep.Legacy {
		path, params = legacyPath, map[string]any{
			"ids[]":  []string{feedID},
			"binary": "true",
		}
	}
	body, err := ep.http.GetRaw(ctx, path, params)
	if err != nil {
		return nil, err
	}
	p, err := decodePayload(body)
	if err != nil {
		return nil, err
	}
	upd, err := p.normalize(feedID, c.priceDecimals)
	if err != nil {
		return nil, err
	}
	if c.maxStaleness > 0 {
		if age := c.now().Sub(upd.PublishTime); age > c.maxStaleness {
			return nil, fmt.Errorf("stale price update: published %s ago", age.Truncate(time.Second))
		}
	}
	return upd, nil
}
