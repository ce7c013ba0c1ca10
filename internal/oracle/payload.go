package oracle

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
)

type payloadKind int

const (
	kindBatch payloadKind = iota + 1
	kindLegacy
)

// payload 预言机响应的两种形态，只在本包内可见
type payload struct {
	kind   payloadKind
	batch  *batchPayload
	legacy []legacyFeed
}

type batchPayload struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []parsedFeed `json:"parsed"`
}

type parsedFeed struct {
	ID    string     `json:"id"`
	Price priceField `json:"price"`
}

type legacyFeed struct {
	ID    string     `json:"id"`
	Price priceField `json:"price"`
	VAA   string     `json:"vaa"`
}

type priceField struct {
	Price       string `json:"price"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

var errMalformed = fmt.Errorf("malformed oracle payload")

// maxExpo 价格指数绝对值上限，超出视为格式错误
const maxExpo = 32

// decodePayload 按首个非空白字节区分形态：'{' 批量，'[' 旧版
func decodePayload(body []byte) (payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return payload{}, fmt.Errorf("%w: empty body", errMalformed)
	}
	switch body[0] {
	case '{':
		var b batchPayload
		if err := json.Unmarshal(body, &b); err != nil {
			return payload{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return payload{kind: kindBatch, batch: &b}, nil
	case '[':
		var l []legacyFeed
		if err := json.Unmarshal(body, &l); err != nil {
			return payload{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return payload{kind: kindLegacy, legacy: l}, nil
	default:
		return payload{}, fmt.Errorf("%w: unexpected leading byte %q", errMalformed, body[0])
	}
}

// normalize 把任一形态转换为 domain.PriceUpdate
func (p payload) normalize(feedID string, priceDecimals int32) (*domain.PriceUpdate, error) {
	want := normalizeFeedID(feedID)
	switch p.kind {
	case kindBatch:
		return p.batch.normalize(want, priceDecimals)
	case kindLegacy:
		for _, f := range p.legacy {
			if normalizeFeedID(f.ID) != want {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(f.VAA)
			if err != nil || len(raw) == 0 {
				return nil, fmt.Errorf("%w: bad attestation for %s", errMalformed, feedID)
			}
			return buildUpdate(feedID, "0x"+hex.EncodeToString(raw), f.Price, priceDecimals)
		}
		return nil, fmt.Errorf("%w: feed %s not in response", errMalformed, feedID)
	default:
		return nil, errMalformed
	}
}

func (b *batchPayload) normalize(want string, priceDecimals int32) (*domain.PriceUpdate, error) {
	if enc := strings.ToLower(b.Binary.Encoding); enc != "" && enc != "hex" {
		return nil, fmt.Errorf("%w: unsupported encoding %q", errMalformed, b.Binary.Encoding)
	}
	if len(b.Binary.Data) != 1 {
		return nil, fmt.Errorf("%w: expected 1 update, got %d", errMalformed, len(b.Binary.Data))
	}
	data := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(b.Binary.Data[0], "0x"), "0X"))
	if data == "" {
		return nil, fmt.Errorf("%w: empty update", errMalformed)
	}
	if _, err := hex.DecodeString(data); err != nil {
		return nil, fmt.Errorf("%w: update is not hex", errMalformed)
	}
	for _, f := range b.Parsed {
		if normalizeFeedID(f.ID) == want {
			return buildUpdate(f.ID, "0x"+data, f.Price, priceDecimals)
		}
	}
	return nil, fmt.Errorf("%w: feed %s not in parsed section", errMalformed, want)
}

func buildUpdate(feedID, hexData string, pf priceField, priceDecimals int32) (*domain.PriceUpdate, error) {
	mantissa, ok := new(big.Int).SetString(pf.Price, 10)
	if !ok || mantissa.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad price %q", errMalformed, pf.Price)
	}
	if pf.Expo > maxExpo || pf.Expo < -maxExpo {
		return nil, fmt.Errorf("%w: price exponent %d out of range", errMalformed, pf.Expo)
	}
	price := marketmath.RescaleExpo(mantissa, pf.Expo, priceDecimals)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price underflows %d decimals", errMalformed, priceDecimals)
	}
	return &domain.PriceUpdate{
		FeedID:      "0x" + normalizeFeedID(feedID),
		Hex:         hexData,
		Price:       price,
		PublishTime: time.Unix(pf.PublishTime, 0).UTC(),
	}, nil
}

func normalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}
