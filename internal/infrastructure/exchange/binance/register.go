package binance

import (
	"trailsim/internal/application/port"
	"trailsim/internal/infrastructure/exchange"
	"trailsim/internal/infrastructure/pricefeed"
)

// 包级别的符号转换器（现货 USDT 计价）
var symbolConverter exchange.SymbolConverter = exchange.NewCommonSymbolConverter("USDT")

// init() automatically registers Binance price source factories
func init() {
	pricefeed.Register(SourceStream, func(opts pricefeed.Options) (port.PriceSource, error) {
		src, err := NewStreamSource(opts.WsURL, opts.Symbols)
		if err != nil {
			return nil, err
		}
		return src, nil
	})
	pricefeed.Register(SourceREST, func(opts pricefeed.Options) (port.PriceSource, error) {
		return NewTickerSource(opts.RestURL, opts.Testnet), nil
	})
}
