package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
)

const (
	SourceREST = "binance_rest"

	testnetRestURL = "https://testnet.binance.vision"
)

// TickerSource REST /api/v3/ticker/price
type TickerSource struct {
	client *binance.Client
}

// NewTickerSource 行情接口无需密钥
func NewTickerSource(restURL string, testnet bool) *TickerSource {
	return &TickerSource{client: newClient("", "", restURL, testnet)}
}

func newClient(apiKey, secretKey, restURL string, testnet bool) *binance.Client {
	c := binance.NewClient(apiKey, secretKey)
	switch {
	case strings.TrimSpace(restURL) != "":
		c.BaseURL = strings.TrimRight(strings.TrimSpace(restURL), "/")
	case testnet:
		c.BaseURL = testnetRestURL
	}
	return c
}

func (s *TickerSource) Name() string { return SourceREST }

func (s *TickerSource) FetchPrice(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = symbolConverter.Coin2Symbol(symbol)
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.Quote{}, classify("ticker price", err)
	}
	for _, p := range prices {
		if !strings.EqualFold(p.Symbol, symbol) {
			continue
		}
		px, err := decimal.NewFromString(p.Price)
		if err != nil {
			return model.Quote{}, fmt.Errorf("binance ticker price %q: %w", p.Price, err)
		}
		return model.Quote{
			Symbol:    symbol,
			Price:     px.InexactFloat64(),
			Timestamp: time.Now(),
			Source:    SourceREST,
		}, nil
	}
	return model.Quote{}, fmt.Errorf("%w: binance returned no price for %s", model.ErrPriceUnavailable, symbol)
}

var _ port.PriceSource = (*TickerSource)(nil)
