package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsim/internal/domain/model"
)

const (
	testInterval = 5 * time.Millisecond
	waitFor      = 2 * time.Second
)

type harness struct {
	store  *memStore
	index  *Index
	prices *scriptedPrices
	orders *fakeOrders
	svc    *Service
}

func newHarness(prices *scriptedPrices) *harness {
	store := newMemStore()
	index := NewIndex()
	orders := &fakeOrders{}
	svc := NewService(ServiceDeps{
		Prices:       prices,
		Orders:       orders,
		Tracker:      NewTracker(store, index),
		Interval:     testInterval,
		FetchTimeout: time.Second,
	})
	return &harness{store: store, index: index, prices: prices, orders: orders, svc: svc}
}

// seed 写入库和镜像，模拟创建流程
func (h *harness) seed(t *testing.T, pos model.Position) {
	t.Helper()
	require.NoError(t, NewTracker(h.store, h.index).Save(context.Background(), pos))
}

func TestServiceStartTwiceRunsOneMonitor(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{100}, delay: 3 * time.Millisecond})
	pos := activePosition("BTCUSDT-once", 100, 5)
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	err := h.svc.Start(pos)
	assert.True(t, errors.Is(err, model.ErrMonitorExists))
	assert.Equal(t, 1, h.svc.Running())

	require.Eventually(t, func() bool { return h.svc.Ticks(pos.StateKey) >= 5 }, waitFor, time.Millisecond)
	h.svc.Stop(pos.StateKey)

	calls, maxInFlight := h.prices.stats()
	assert.Equal(t, 1, maxInFlight, "ticks for one key must never overlap")
	assert.EqualValues(t, calls, h.svc.Ticks(pos.StateKey))
}

func TestServiceStopIsIdempotentAndFinal(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{100}})
	pos := activePosition("BTCUSDT-stop", 100, 5)
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return h.svc.Ticks(pos.StateKey) >= 2 }, waitFor, time.Millisecond)

	assert.True(t, h.svc.Stop(pos.StateKey))
	after := h.svc.Ticks(pos.StateKey)
	time.Sleep(10 * testInterval)
	assert.Equal(t, after, h.svc.Ticks(pos.StateKey), "no tick may run after Stop returns")

	assert.False(t, h.svc.Stop(pos.StateKey))
	assert.False(t, h.svc.IsRunning(pos.StateKey))

	// 停止后可以重新注册
	require.NoError(t, h.svc.Start(pos))
	h.svc.StopAll()
	assert.Equal(t, 0, h.svc.Running())
}

func TestServiceTriggerPlacesExitOrder(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{50500, 51000, 48500, 48400}})
	pos := activePosition("BTCUSDT-e2e", 50000, 5)
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return !h.svc.IsRunning(pos.StateKey) }, waitFor, time.Millisecond)

	row, ok := h.store.row(pos.StateKey)
	require.True(t, ok)
	assert.Equal(t, model.StatusTriggered, row.Status)
	assert.InDelta(t, 51000, row.ExtremePrice, 1e-9)
	assert.InDelta(t, 48450, row.TriggerPrice(), 1e-6)
	assert.False(t, row.TriggeredAt.IsZero())
	assert.Equal(t, "X1", row.ExitOrderID)
	assert.False(t, h.index.Has(pos.StateKey), "retired position leaves the index")

	calls := h.orders.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "exit", calls[0].kind)
	assert.Equal(t, model.SideSell, calls[0].side)
	assert.Equal(t, 0.001, calls[0].quantity)

	// 48500 不触发：第 3 次取价后仍在运行，第 4 次才触发
	c, _ := h.prices.stats()
	assert.Equal(t, 4, c)
}

func TestServiceExitFailureMovesToError(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{100, 90}})
	h.orders.exitErr = fmt.Errorf("%w: -2010 insufficient balance", model.ErrExchangeRejected)
	pos := activePosition("BTCUSDT-fail", 100, 5)
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return !h.svc.IsRunning(pos.StateKey) }, waitFor, time.Millisecond)

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, model.StatusError, row.Status)
	assert.Contains(t, row.ErrorMessage, "insufficient balance")
	assert.Empty(t, row.ExitOrderID)
	assert.False(t, h.index.Has(pos.StateKey))
}

func TestServicePriceFailureSkipsTick(t *testing.T) {
	h := newHarness(&scriptedPrices{err: model.ErrPriceUnavailable})
	pos := activePosition("BTCUSDT-skip", 100, 5)
	h.seed(t, pos)
	saves := h.store.saves

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return h.svc.Ticks(pos.StateKey) >= 5 }, waitFor, time.Millisecond)

	assert.True(t, h.svc.IsRunning(pos.StateKey))
	got, ok := h.index.Get(pos.StateKey)
	require.True(t, ok)
	assert.Equal(t, pos, got)
	assert.Equal(t, saves, h.store.saves)
	h.svc.StopAll()
}

func TestServiceActivationPlacesEntryOrder(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{105, 108, 110.5, 112}})
	h.orders.fill = 110.6
	pos := model.Position{
		StateKey:        "BTCUSDT-act",
		Symbol:          "BTCUSDT",
		Side:            model.SideSell,
		Quantity:        1,
		EntryPrice:      100,
		ExtremePrice:    100,
		TrailingPercent: 5,
		ActivationPrice: 110,
		Status:          model.StatusPendingActivation,
		CreatedAt:       time.Now(),
	}
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool {
		p, ok := h.index.Get(pos.StateKey)
		return ok && p.ExtremePrice == 112
	}, waitFor, time.Millisecond)
	h.svc.Stop(pos.StateKey)

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, model.StatusActive, row.Status)
	assert.Equal(t, "E1", row.EntryOrderID)
	assert.Equal(t, 110.6, row.EntryPrice)

	calls := h.orders.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "entry", calls[0].kind)
	assert.Equal(t, model.SideBuy, calls[0].side, "entry is the opposite side of the exit")
	assert.Equal(t, 110.5, calls[0].ref)
}

func TestServiceEntryFailureMovesToError(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{120}})
	h.orders.entryErr = fmt.Errorf("%w: timeout", model.ErrExchangeUnavailable)
	pos := activePosition("BTCUSDT-entryfail", 100, 5)
	pos.Status = model.StatusPendingActivation
	pos.ActivationPrice = 110
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return !h.svc.IsRunning(pos.StateKey) }, waitFor, time.Millisecond)

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, model.StatusError, row.Status)
	assert.Contains(t, row.ErrorMessage, "entry order failed")
}

func TestServicePersistFailureAbandonsUpdate(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{150}})
	pos := activePosition("BTCUSDT-persist", 100, 5)
	h.seed(t, pos)
	h.store.setFail(true)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return h.svc.Ticks(pos.StateKey) >= 3 }, waitFor, time.Millisecond)

	got, _ := h.index.Get(pos.StateKey)
	assert.Equal(t, 100.0, got.ExtremePrice, "mirror must not run ahead of the store")

	h.store.setFail(false)
	require.Eventually(t, func() bool {
		p, _ := h.index.Get(pos.StateKey)
		return p.ExtremePrice == 150
	}, waitFor, time.Millisecond)
	h.svc.StopAll()

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, 150.0, row.ExtremePrice)
}

func TestServiceExitRetriedWhenFinalWriteFails(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{100, 90}})
	h.store.failExitWrites = 3
	pos := activePosition("BTCUSDT-flush", 100, 5)
	h.seed(t, pos)

	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool { return !h.svc.IsRunning(pos.StateKey) }, waitFor, time.Millisecond)

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, model.StatusTriggered, row.Status)
	assert.Equal(t, "X1", row.ExitOrderID)
	assert.Len(t, h.orders.recorded(), 1, "exit order is placed exactly once")
	assert.False(t, h.index.Has(pos.StateKey))
}

func pendingActivation(key string) model.Position {
	pos := activePosition(key, 100, 5)
	pos.Status = model.StatusPendingActivation
	pos.ActivationPrice = 110
	return pos
}

// waitEntryUnpersisted 入场单已下但写库失败
func waitEntryUnpersisted(t *testing.T, h *harness, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.orders.recorded()) == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return h.svc.Ticks(key) >= 3 }, waitFor, time.Millisecond)
}

func TestServiceStopFlushesPendingWrite(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{120}})
	pos := pendingActivation("BTCUSDT-stopflush")
	h.seed(t, pos)
	h.store.setFail(true)

	require.NoError(t, h.svc.Start(pos))
	waitEntryUnpersisted(t, h, pos.StateKey)

	h.store.setFail(false)
	require.True(t, h.svc.Stop(pos.StateKey))

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, model.StatusActive, row.Status)
	assert.Equal(t, "E1", row.EntryOrderID)
	_, left := h.svc.Unflushed(pos.StateKey)
	assert.False(t, left)
}

func TestServiceUnflushedEntryAdoptedOnRestart(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{120}})
	pos := pendingActivation("BTCUSDT-adopt")
	h.seed(t, pos)
	h.store.setFail(true)

	require.NoError(t, h.svc.Start(pos))
	waitEntryUnpersisted(t, h, pos.StateKey)
	h.svc.StopAll()

	kept, ok := h.svc.Unflushed(pos.StateKey)
	require.True(t, ok)
	assert.Equal(t, "E1", kept.EntryOrderID)

	h.store.setFail(false)
	require.NoError(t, h.svc.Start(pos))
	require.Eventually(t, func() bool {
		row, _ := h.store.row(pos.StateKey)
		return row.Status == model.StatusActive
	}, waitFor, time.Millisecond)
	h.svc.StopAll()

	row, _ := h.store.row(pos.StateKey)
	assert.Equal(t, "E1", row.EntryOrderID)
	assert.Len(t, h.orders.recorded(), 1, "the pending write is replayed, no new entry order")
}

func TestServiceRecoveryAfterLostWriteReusesEntryOrder(t *testing.T) {
	h := newHarness(&scriptedPrices{seq: []float64{120}})
	pos := pendingActivation("BTCUSDT-recover")
	h.seed(t, pos)
	h.store.setFail(true)

	require.NoError(t, h.svc.Start(pos))
	waitEntryUnpersisted(t, h, pos.StateKey)
	h.svc.StopAll()
	h.store.setFail(false)

	// 新进程：只有库里的 pending_activation 行
	row, _ := h.store.row(pos.StateKey)
	require.Equal(t, model.StatusPendingActivation, row.Status)
	index := NewIndex()
	index.Put(row)
	fresh := NewService(ServiceDeps{
		Prices:   h.prices,
		Orders:   h.orders,
		Tracker:  NewTracker(h.store, index),
		Interval: testInterval,
	})
	require.NoError(t, fresh.Start(row))
	require.Eventually(t, func() bool {
		r, _ := h.store.row(pos.StateKey)
		return r.Status == model.StatusActive
	}, waitFor, time.Millisecond)
	fresh.StopAll()

	row, _ = h.store.row(pos.StateKey)
	assert.Equal(t, "E1", row.EntryOrderID)
	assert.Equal(t, 1, h.orders.distinct(), "same client order id, no second entry")
	calls := h.orders.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].clientID, calls[1].clientID)
}
