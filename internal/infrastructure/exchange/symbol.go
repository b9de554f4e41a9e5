package exchange

import (
	"strings"
)

// SymbolConverter 符号转换接口
type SymbolConverter interface {
	// Symbol2Coin 将交易对转换为币种
	// 例: BTCUSDT -> BTC
	Symbol2Coin(symbol string) string

	// Coin2Symbol 将币种或任意写法的交易对转换为交易所格式
	// 例: BTC -> BTCUSDT, btc/usdt -> BTCUSDT
	Coin2Symbol(coin string) string

	// SymbolSuffix 返回计价币后缀
	SymbolSuffix() string
}

// CommonSymbolConverter 通用符号转换器
type CommonSymbolConverter struct {
	suffix string
}

// NewCommonSymbolConverter 创建通用符号转换器
func NewCommonSymbolConverter(suffix string) *CommonSymbolConverter {
	return &CommonSymbolConverter{suffix: strings.ToUpper(strings.TrimSpace(suffix))}
}

// SymbolSuffix 返回符号后缀
func (c *CommonSymbolConverter) SymbolSuffix() string {
	return c.suffix
}

// Symbol2Coin 例: BTCUSDT -> BTC, BTC/USDT -> BTC
func (c *CommonSymbolConverter) Symbol2Coin(symbol string) string {
	sym := NormalizeSymbol(symbol)
	if sym == "" || c.suffix == "" {
		return sym
	}
	return strings.TrimSuffix(sym, c.suffix)
}

// Coin2Symbol 例: BTC -> BTCUSDT, BTCUSDT -> BTCUSDT
func (c *CommonSymbolConverter) Coin2Symbol(coin string) string {
	coin = NormalizeSymbol(coin)
	if coin == "" {
		return ""
	}

	// 如果已经包含后缀，直接返回
	if strings.HasSuffix(coin, c.suffix) {
		return coin
	}
	// 否则添加后缀
	return coin + c.suffix
}

// NormalizeSymbol 去掉分隔符并转大写
// 例: btc/usdt -> BTCUSDT, BTC-USDT -> BTCUSDT
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}
