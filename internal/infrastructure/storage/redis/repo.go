package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

// Repo 仓位副本（hash）+ 事件流（stream / pubsub）+ 价格缓存
type Repo struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration // 仅作用于价格缓存
	keyPositions string        // prefix + ":positions"
	keyPrices    string        // prefix + ":prices"
	eventStream  string
	eventChan    string
}

type positionRecord struct {
	StateKey        string  `json:"stateKey"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	EntryPrice      float64 `json:"entryPrice"`
	ExtremePrice    float64 `json:"extremePrice"`
	TrailingPercent float64 `json:"trailingPercent"`
	ActivationPrice float64 `json:"activationPrice,omitempty"`
	Status          string  `json:"status"`
	EntryOrderID    string  `json:"entryOrderId,omitempty"`
	ExitOrderID     string  `json:"exitOrderId,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	TriggeredAt     int64   `json:"triggeredAt,omitempty"`
	CreatedAt       int64   `json:"createdAt"`
	UpdatedAt       int64   `json:"updatedAt"`
}

type cachedPrice struct {
	Price float64 `json:"price"`
	Ts    int64   `json:"ts"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, eventStream, eventChan string) *Repo {
	if strings.TrimSpace(prefix) == "" {
		prefix = "trailsim"
	}
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + ":events"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + ":events:pub"
	}
	return &Repo{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		keyPositions: prefix + ":positions",
		keyPrices:    prefix + ":prices",
		eventStream:  eventStream,
		eventChan:    eventChan,
	}
}

// Close 连接由容器统一关闭
func (r *Repo) Close() error { return nil }

func (r *Repo) SavePosition(ctx context.Context, pos *model.Position) error {
	rec := toRecord(pos)

	// 订单 ID 只写一次：保留已有值
	if prev, err := r.load(ctx, pos.StateKey); err == nil {
		if prev.EntryOrderID != "" {
			rec.EntryOrderID = prev.EntryOrderID
		}
		if prev.ExitOrderID != "" {
			rec.ExitOrderID = prev.ExitOrderID
		}
		rec.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyPositions, rec.StateKey, string(b))
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		Values: map[string]any{
			"ts_ms":     rec.UpdatedAt,
			"state_key": rec.StateKey,
			"symbol":    rec.Symbol,
			"status":    rec.Status,
			"payload":   string(b),
		},
	})
	pipe.Publish(ctx, r.eventChan, string(b))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s: %w", rec.StateKey, err)
	}
	return nil
}

func (r *Repo) GetPosition(ctx context.Context, stateKey string) (*model.Position, error) {
	rec, err := r.load(ctx, stateKey)
	if err != nil {
		return nil, err
	}
	return rec.position(), nil
}

func (r *Repo) ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error) {
	all, err := r.rdb.HGetAll(ctx, r.keyPositions).Result()
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		want[string(st)] = struct{}{}
	}

	out := make([]*model.Position, 0, len(all))
	for key, raw := range all {
		var rec positionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis decode %s: %w", key, err)
		}
		if len(want) > 0 {
			if _, ok := want[rec.Status]; !ok {
				continue
			}
		}
		out = append(out, rec.position())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StateKey < out[j].StateKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repo) load(ctx context.Context, stateKey string) (*positionRecord, error) {
	raw, err := r.rdb.HGet(ctx, r.keyPositions, stateKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec positionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", stateKey, err)
	}
	return &rec, nil
}

// SetPrice 写入 last-known-good 价格
func (r *Repo) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	if price <= 0 {
		return nil
	}
	b, _ := json.Marshal(cachedPrice{Price: price, Ts: ts.UnixMilli()})

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyPrices, symbol, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyPrices, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	raw, err := r.rdb.HGet(ctx, r.keyPrices, symbol).Result()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, model.ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	var cp cachedPrice
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return 0, time.Time{}, err
	}
	return cp.Price, time.UnixMilli(cp.Ts), nil
}

func toRecord(p *model.Position) positionRecord {
	rec := positionRecord{
		StateKey:        p.StateKey,
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		Quantity:        p.Quantity,
		EntryPrice:      p.EntryPrice,
		ExtremePrice:    p.ExtremePrice,
		TrailingPercent: p.TrailingPercent,
		ActivationPrice: p.ActivationPrice,
		Status:          string(p.Status),
		EntryOrderID:    p.EntryOrderID,
		ExitOrderID:     p.ExitOrderID,
		ErrorMessage:    p.ErrorMessage,
		CreatedAt:       p.CreatedAt.UnixMilli(),
		UpdatedAt:       p.UpdatedAt.UnixMilli(),
	}
	if !p.TriggeredAt.IsZero() {
		rec.TriggeredAt = p.TriggeredAt.UnixMilli()
	}
	return rec
}

func (rec positionRecord) position() *model.Position {
	p := &model.Position{
		StateKey:        rec.StateKey,
		Symbol:          rec.Symbol,
		Side:            model.Side(rec.Side),
		Quantity:        rec.Quantity,
		EntryPrice:      rec.EntryPrice,
		ExtremePrice:    rec.ExtremePrice,
		TrailingPercent: rec.TrailingPercent,
		ActivationPrice: rec.ActivationPrice,
		Status:          model.Status(rec.Status),
		EntryOrderID:    rec.EntryOrderID,
		ExitOrderID:     rec.ExitOrderID,
		ErrorMessage:    rec.ErrorMessage,
		CreatedAt:       time.UnixMilli(rec.CreatedAt),
		UpdatedAt:       time.UnixMilli(rec.UpdatedAt),
	}
	if rec.TriggeredAt > 0 {
		p.TriggeredAt = time.UnixMilli(rec.TriggeredAt)
	}
	return p
}

var (
	_ port.PositionStore = (*Repo)(nil)
	_ port.PriceCache    = (*Repo)(nil)
)
