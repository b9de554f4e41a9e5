package binance

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
)

// OrderClient 现货下单
// 退出单总是市价；入场单在 limitEntry 时用 GTC 限价单挂在参考价
type OrderClient struct {
	client     *binance.Client
	limitEntry bool
}

func NewOrderClient(apiKey, secretKey, restURL string, testnet, limitEntry bool) *OrderClient {
	return &OrderClient{
		client:     newClient(apiKey, secretKey, restURL, testnet),
		limitEntry: limitEntry,
	}
}

func (c *OrderClient) PlaceEntryOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error) {
	symbol = symbolConverter.Coin2Symbol(symbol)
	svc := c.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(side)).
		Quantity(formatDecimal(quantity))
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	if c.limitEntry && refPrice > 0 {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatDecimal(refPrice))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("entry order", err)
	}
	out := toResult(res.OrderID, res.Symbol, string(res.Status), res.ExecutedQuantity, res.CummulativeQuoteQuantity, side, quantity)
	if out.AvgPrice == 0 && c.limitEntry {
		// 限价单尚未成交，以挂单价作为入场价，不跟踪后续成交
		out.AvgPrice = refPrice
		log.Warn().
			Str("symbol", symbol).
			Str("order_id", out.OrderID).
			Str("status", out.Status).
			Float64("limit_price", refPrice).
			Msg("limit entry not filled yet, tracking from limit price")
	}
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("order_id", out.OrderID).
		Str("status", out.Status).
		Float64("avg_price", out.AvgPrice).
		Msg("binance entry order placed")
	return out, nil
}

func (c *OrderClient) PlaceExitOrder(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error) {
	symbol = symbolConverter.Coin2Symbol(symbol)
	svc := c.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(formatDecimal(quantity))
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("exit order", err)
	}
	out := toResult(res.OrderID, res.Symbol, string(res.Status), res.ExecutedQuantity, res.CummulativeQuoteQuantity, side, quantity)
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("order_id", out.OrderID).
		Str("status", out.Status).
		Float64("avg_price", out.AvgPrice).
		Msg("binance exit order placed")
	return out, nil
}

// LookupOrder 按 origClientOrderId 查询订单，不存在时返回 ErrNotFound
func (c *OrderClient) LookupOrder(ctx context.Context, clientOrderID, symbol string) (*model.OrderResult, error) {
	symbol = symbolConverter.Coin2Symbol(symbol)
	o, err := c.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classify("get order", err)
	}
	side := model.SideSell
	if o.Side == binance.SideTypeBuy {
		side = model.SideBuy
	}
	qty, _ := decimal.NewFromString(o.OrigQuantity)
	out := toResult(o.OrderID, o.Symbol, string(o.Status), o.ExecutedQuantity, o.CummulativeQuoteQuantity, side, qty.InexactFloat64())
	if out.AvgPrice == 0 {
		if px, err := decimal.NewFromString(o.Price); err == nil {
			out.AvgPrice = px.InexactFloat64()
		}
	}
	log.Info().
		Str("symbol", symbol).
		Str("client_order_id", clientOrderID).
		Str("order_id", out.OrderID).
		Str("status", out.Status).
		Msg("binance order found")
	return out, nil
}

func sideType(side model.Side) binance.SideType {
	if side == model.SideBuy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// toResult 平均成交价 = 成交额 / 成交量
func toResult(orderID int64, symbol, status, executedQty, quoteQty string, side model.Side, quantity float64) *model.OrderResult {
	out := &model.OrderResult{
		OrderID:  strconv.FormatInt(orderID, 10),
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Status:   status,
	}
	executed, err1 := decimal.NewFromString(executedQty)
	quote, err2 := decimal.NewFromString(quoteQty)
	if err1 == nil && err2 == nil && executed.IsPositive() {
		out.Quantity = executed.InexactFloat64()
		out.AvgPrice = quote.Div(executed).InexactFloat64()
	}
	return out
}

var (
	_ port.OrderExecutor = (*OrderClient)(nil)
	_ port.OrderLookup   = (*OrderClient)(nil)
)
