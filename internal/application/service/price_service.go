package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
)

type PriceServiceConfig struct {
	MaxRetries      int           // 单个来源的重试次数
	RetryDelay      time.Duration // 第 n 次重试前等待 n*RetryDelay
	BreakerFailures uint32        // 连续失败次数达到后熔断
	BreakerCooldown time.Duration // 熔断后多久进入半开
	MaxStaleness    time.Duration // last-known-good 最大年龄，0 不限制
}

func DefaultPriceServiceConfig() PriceServiceConfig {
	return PriceServiceConfig{
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		MaxStaleness:    time.Minute,
	}
}

// PriceService 行情网关：按顺序尝试各来源（重试 + 熔断），全部失败时返回 last-known-good
type PriceService struct {
	cfg     PriceServiceConfig
	sources []*guardedSource
	cache   port.PriceCache

	group singleflight.Group
	now   func() time.Time

	mu       sync.RWMutex
	lastGood map[string]model.Quote
}

type guardedSource struct {
	src port.PriceSource
	cb  *gobreaker.CircuitBreaker
}

// NewPriceService cache 可以为 nil
func NewPriceService(sources []port.PriceSource, cache port.PriceCache, cfg PriceServiceConfig) *PriceService {
	s := &PriceService{
		cfg:      cfg,
		cache:    cache,
		now:      time.Now,
		lastGood: make(map[string]model.Quote),
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		s.sources = append(s.sources, &guardedSource{src: src, cb: newBreaker(src.Name(), cfg)})
	}
	return s
}

func newBreaker(name string, cfg PriceServiceConfig) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// 缓存未命中说明来源健康但无数据，不计入失败
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, model.ErrPriceUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("price source breaker state changed")
		},
	})
}

// Sources 来源名称（按优先级）
func (s *PriceService) Sources() []string {
	out := make([]string, 0, len(s.sources))
	for _, gs := range s.sources {
		out = append(out, gs.src.Name())
	}
	return out
}

// GetCurrentPrice 同一 symbol 的并发请求合并为一次上游调用
func (s *PriceService) GetCurrentPrice(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return model.Quote{}, fmt.Errorf("%w: empty symbol", model.ErrInvalidInput)
	}

	v, err, _ := s.group.Do(symbol, func() (interface{}, error) {
		return s.fetch(ctx, symbol)
	})
	if err != nil {
		return model.Quote{}, err
	}
	return v.(model.Quote), nil
}

func (s *PriceService) fetch(ctx context.Context, symbol string) (model.Quote, error) {
	var errs []error
	if len(s.sources) == 0 {
		errs = append(errs, errors.New("no price sources configured"))
	}
	for _, gs := range s.sources {
		v, err := gs.cb.Execute(func() (interface{}, error) {
			return s.fetchWithRetry(ctx, gs.src, symbol)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", gs.src.Name(), err))
			continue
		}
		q := v.(model.Quote)
		s.remember(ctx, q)
		return q, nil
	}

	if q, ok := s.lastKnownGood(ctx, symbol); ok {
		log.Warn().
			Str("symbol", symbol).
			Float64("price", q.Price).
			Time("ts", q.Timestamp).
			Err(errors.Join(errs...)).
			Msg("all price sources failed, using last known good")
		return q, nil
	}
	return model.Quote{}, fmt.Errorf("%w: %s: %w", model.ErrPriceUnavailable, symbol, errors.Join(errs...))
}

func (s *PriceService) fetchWithRetry(ctx context.Context, src port.PriceSource, symbol string) (model.Quote, error) {
	attempts := s.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return model.Quote{}, ctx.Err()
			case <-time.After(time.Duration(i) * s.cfg.RetryDelay):
			}
		}

		q, err := src.FetchPrice(ctx, symbol)
		if err == nil {
			if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
				err = fmt.Errorf("invalid price %v", q.Price)
			} else {
				if q.Symbol == "" {
					q.Symbol = symbol
				}
				if q.Source == "" {
					q.Source = src.Name()
				}
				if q.Timestamp.IsZero() {
					q.Timestamp = s.now()
				}
				return q, nil
			}
		}
		lastErr = err
		// 未命中不会因重试而改变
		if ctx.Err() != nil || errors.Is(err, model.ErrPriceUnavailable) {
			break
		}
	}
	return model.Quote{}, lastErr
}

func (s *PriceService) remember(ctx context.Context, q model.Quote) {
	s.mu.Lock()
	s.lastGood[q.Symbol] = q
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	if err := s.cache.SetPrice(ctx, q.Symbol, q.Price, q.Timestamp); err != nil {
		log.Debug().Err(err).Str("symbol", q.Symbol).Msg("price cache write failed")
	}
}

func (s *PriceService) lastKnownGood(ctx context.Context, symbol string) (model.Quote, bool) {
	s.mu.RLock()
	q, ok := s.lastGood[symbol]
	s.mu.RUnlock()

	if !ok && s.cache != nil {
		price, ts, err := s.cache.GetPrice(ctx, symbol)
		if err == nil && price > 0 {
			q = model.Quote{Symbol: symbol, Price: price, Timestamp: ts, Source: "cache"}
			ok = true
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			log.Debug().Err(err).Str("symbol", symbol).Msg("price cache read failed")
		}
	}
	if !ok {
		return model.Quote{}, false
	}
	if s.cfg.MaxStaleness > 0 && s.now().Sub(q.Timestamp) > s.cfg.MaxStaleness {
		return model.Quote{}, false
	}
	q.Stale = true
	return q, true
}
