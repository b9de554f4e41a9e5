package pricefeed

import (
	"fmt"
	"sort"

	"trailsim/internal/application/port"

	"github.com/rs/zerolog/log"
)

// Options 创建行情来源所需的参数
type Options struct {
	WsURL   string   // 推送流地址
	RestURL string   // REST 基础地址，空表示交易所默认
	Testnet bool     // 使用测试网
	Symbols []string // 推送流订阅的交易对
}

// Factory 行情来源工厂
type Factory func(opts Options) (port.PriceSource, error)

// registry maps source names to their factories
var registry = make(map[string]Factory)

// Register 由各交易所包的 init() 调用完成自注册
func Register(name string, factory Factory) {
	if factory == nil {
		log.Warn().Str("source", name).Msg("invalid price source factory")
		return
	}
	if _, exists := registry[name]; exists {
		log.Warn().Str("source", name).Msg("price source factory already registered, overwriting")
	}
	registry[name] = factory
	log.Debug().Str("source", name).Msg("price source factory registered")
}

// Get 获取已注册的工厂
func Get(name string) (Factory, bool) {
	factory, ok := registry[name]
	return factory, ok
}

// Names 已注册的来源名称（排序后）
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build 按给定顺序创建来源；未注册的名称返回错误
func Build(names []string, opts Options) ([]port.PriceSource, error) {
	out := make([]port.PriceSource, 0, len(names))
	for _, name := range names {
		factory, ok := Get(name)
		if !ok {
			return out, fmt.Errorf("price source %q not registered (known: %v)", name, Names())
		}
		src, err := factory(opts)
		if err != nil {
			return out, fmt.Errorf("create price source %q: %w", name, err)
		}
		out = append(out, src)
	}
	return out, nil
}
