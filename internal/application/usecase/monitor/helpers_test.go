package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trailsim/internal/domain/model"
)

type memStore struct {
	mu    sync.Mutex
	rows  map[string]model.Position
	fail  bool
	saves int

	// 前 N 次带退出单 ID 的写入失败
	failExitWrites int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.Position)}
}

func (m *memStore) SavePosition(ctx context.Context, pos *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	if pos.ExitOrderID != "" && m.failExitWrites > 0 {
		m.failExitWrites--
		return errors.New("connection reset")
	}
	m.saves++
	m.rows[pos.StateKey] = *pos
	return nil
}

func (m *memStore) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Position
	for _, p := range m.rows {
		p := p
		if len(statuses) == 0 {
			out = append(out, &p)
			continue
		}
		for _, st := range statuses {
			if p.Status == st {
				out = append(out, &p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func (m *memStore) row(key string) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[key]
	return p, ok
}

// scriptedPrices 按顺序返回价格，用完后重复最后一个
type scriptedPrices struct {
	mu       sync.Mutex
	seq      []float64
	pos      int
	err      error
	delay    time.Duration
	calls    int
	inFlight int
	maxInFly int
}

func (p *scriptedPrices) GetCurrentPrice(ctx context.Context, symbol string) (model.Quote, error) {
	p.mu.Lock()
	p.calls++
	p.inFlight++
	if p.inFlight > p.maxInFly {
		p.maxInFly = p.inFlight
	}
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
	if p.err != nil {
		return model.Quote{}, p.err
	}
	if len(p.seq) == 0 {
		return model.Quote{}, model.ErrPriceUnavailable
	}
	px := p.seq[p.pos]
	if p.pos < len(p.seq)-1 {
		p.pos++
	}
	return model.Quote{Symbol: symbol, Price: px, Timestamp: time.Now(), Source: "test"}, nil
}

func (p *scriptedPrices) stats() (calls, maxInFlight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.maxInFly
}

type orderCall struct {
	kind     string
	clientID string
	symbol   string
	side     model.Side
	quantity float64
	ref      float64
}

// fakeOrders 同一 clientID 只会成交一次，重复提交返回原订单
type fakeOrders struct {
	mu       sync.Mutex
	calls    []orderCall
	placed   map[string]*model.OrderResult
	exitErr  error
	entryErr error
	fill     float64
}

func (o *fakeOrders) record(c orderCall, prefix string, fill float64, err error) (*model.OrderResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, c)
	if err != nil {
		return nil, err
	}
	if res, ok := o.placed[c.clientID]; ok {
		return res, nil
	}
	if o.placed == nil {
		o.placed = make(map[string]*model.OrderResult)
	}
	res := &model.OrderResult{
		OrderID:  fmt.Sprintf("%s%d", prefix, len(o.calls)),
		Symbol:   c.symbol,
		Side:     c.side,
		Quantity: c.quantity,
		AvgPrice: fill,
	}
	o.placed[c.clientID] = res
	return res, nil
}

func (o *fakeOrders) PlaceEntry(ctx context.Context, clientID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error) {
	o.mu.Lock()
	fill, err := o.fill, o.entryErr
	o.mu.Unlock()
	return o.record(orderCall{kind: "entry", clientID: clientID, symbol: symbol, side: side, quantity: quantity, ref: refPrice}, "E", fill, err)
}

func (o *fakeOrders) PlaceExit(ctx context.Context, clientID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error) {
	o.mu.Lock()
	err := o.exitErr
	o.mu.Unlock()
	return o.record(orderCall{kind: "exit", clientID: clientID, symbol: symbol, side: side, quantity: quantity}, "X", 0, err)
}

// distinct 实际成交的订单数
func (o *fakeOrders) distinct() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.placed)
}

func (o *fakeOrders) recorded() []orderCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]orderCall(nil), o.calls...)
}

func activePosition(key string, entry, pct float64) model.Position {
	return model.Position{
		StateKey:        key,
		Symbol:          "BTCUSDT",
		Side:            model.SideSell,
		Quantity:        0.001,
		EntryPrice:      entry,
		ExtremePrice:    entry,
		TrailingPercent: pct,
		Status:          model.StatusActive,
		CreatedAt:       time.Now(),
	}
}
