package service

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsim/internal/domain/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quote(price float64) *model.Quote {
	return &model.Quote{Symbol: "BTCUSDT", Price: price, Timestamp: t0}
}

func activeSell(entry, pct float64) model.Position {
	return model.Position{
		StateKey:        "BTCUSDT-test",
		Symbol:          "BTCUSDT",
		Side:            model.SideSell,
		Quantity:        1,
		EntryPrice:      entry,
		ExtremePrice:    entry,
		TrailingPercent: pct,
		Status:          model.StatusActive,
	}
}

func TestEvaluateTrigger_TriggerBoundary(t *testing.T) {
	pos := activeSell(100, 5)
	res := EvaluateTrigger(pos, quote(120))
	require.Equal(t, ActionNone, res.Action)
	require.True(t, res.Changed)
	pos = res.Position

	assert.InDelta(t, 120, pos.ExtremePrice, 1e-9)
	assert.InDelta(t, 114, pos.TriggerPrice(), 1e-9)

	notYet := EvaluateTrigger(pos, quote(114.01))
	assert.Equal(t, ActionNone, notYet.Action)
	assert.Equal(t, model.StatusActive, notYet.Position.Status)
	assert.False(t, notYet.Changed)

	hit := EvaluateTrigger(pos, quote(113.99))
	assert.Equal(t, ActionSubmitExitOrder, hit.Action)
	assert.Equal(t, model.StatusTriggered, hit.Position.Status)
	assert.Equal(t, t0, hit.Position.TriggeredAt)
}

func TestEvaluateTrigger_Monotonic(t *testing.T) {
	samples := []float64{101, 99, 105, 104.5, 103, 110, 108, 109.9, 111}
	pos := activeSell(100, 20)
	prev := pos.ExtremePrice
	for _, px := range samples {
		res := EvaluateTrigger(pos, quote(px))
		require.NotEqual(t, ActionSubmitExitOrder, res.Action, "price %v", px)
		assert.GreaterOrEqual(t, res.Position.ExtremePrice, prev, "price %v", px)
		prev = res.Position.ExtremePrice
		pos = res.Position
	}
	assert.InDelta(t, 111, pos.ExtremePrice, 1e-9)
}

func TestEvaluateTrigger_BuySide(t *testing.T) {
	pos := model.Position{
		Side:            model.SideBuy,
		EntryPrice:      100,
		ExtremePrice:    100,
		TrailingPercent: 10,
		Status:          model.StatusActive,
	}

	res := EvaluateTrigger(pos, quote(80))
	require.True(t, res.Changed)
	pos = res.Position
	assert.InDelta(t, 80, pos.ExtremePrice, 1e-9)
	assert.InDelta(t, 88, pos.TriggerPrice(), 1e-9)

	// 反弹但未到触发价，极值不回退
	res = EvaluateTrigger(pos, quote(85))
	assert.Equal(t, ActionNone, res.Action)
	assert.InDelta(t, 80, res.Position.ExtremePrice, 1e-9)

	res = EvaluateTrigger(pos, quote(88.5))
	assert.Equal(t, ActionSubmitExitOrder, res.Action)
}

func TestEvaluateTrigger_ActivationGating(t *testing.T) {
	pos := model.Position{
		Side:            model.SideSell,
		EntryPrice:      100,
		ExtremePrice:    100,
		TrailingPercent: 5,
		ActivationPrice: 110,
		Status:          model.StatusPendingActivation,
	}

	for _, px := range []float64{50, 100, 109.99} {
		res := EvaluateTrigger(pos, quote(px))
		assert.Equal(t, ActionNone, res.Action)
		assert.False(t, res.Changed)
		assert.Equal(t, pos, res.Position)
	}

	res := EvaluateTrigger(pos, quote(110))
	assert.Equal(t, ActionPlaceEntryOrder, res.Action)
	assert.Equal(t, model.StatusActive, res.Position.Status)
	assert.Equal(t, 110.0, res.Position.EntryPrice)
	assert.Equal(t, 110.0, res.Position.ExtremePrice)
	assert.InDelta(t, 104.5, res.Position.TriggerPrice(), 1e-9)
}

func TestEvaluateTrigger_BuySideActivation(t *testing.T) {
	pos := model.Position{
		Side:            model.SideBuy,
		EntryPrice:      100,
		ExtremePrice:    100,
		TrailingPercent: 5,
		ActivationPrice: 90,
		Status:          model.StatusPendingActivation,
	}
	assert.Equal(t, ActionNone, EvaluateTrigger(pos, quote(95)).Action)
	assert.Equal(t, ActionPlaceEntryOrder, EvaluateTrigger(pos, quote(89)).Action)
}

func TestEvaluateTrigger_RejectsBadSamples(t *testing.T) {
	pos := activeSell(100, 5)
	bad := []*model.Quote{
		nil,
		quote(0),
		quote(-1),
		quote(math.NaN()),
		quote(math.Inf(1)),
	}
	for i, q := range bad {
		res := EvaluateTrigger(pos, q)
		assert.Equal(t, ActionSampleRejected, res.Action, "case %d", i)
		assert.Equal(t, pos, res.Position, "case %d", i)
		assert.False(t, res.Changed, "case %d", i)
	}
}

func TestEvaluateTrigger_TerminalIsNoop(t *testing.T) {
	for _, st := range []model.Status{model.StatusTriggered, model.StatusCancelled, model.StatusError} {
		pos := activeSell(100, 5)
		pos.Status = st
		res := EvaluateTrigger(pos, quote(1))
		assert.Equal(t, ActionNone, res.Action, st)
		assert.Equal(t, pos, res.Position, st)
	}
}

func TestEvaluateTrigger_ScenarioSequence(t *testing.T) {
	pos := activeSell(50000, 5)
	for _, px := range []float64{50500, 51000, 48500} {
		res := EvaluateTrigger(pos, quote(px))
		require.Equal(t, ActionNone, res.Action, "price %v", px)
		pos = res.Position
	}
	assert.InDelta(t, 51000, pos.ExtremePrice, 1e-9)
	assert.InDelta(t, 48450, pos.TriggerPrice(), 1e-6)
	assert.Equal(t, model.StatusActive, pos.Status)

	res := EvaluateTrigger(pos, quote(48400))
	assert.Equal(t, ActionSubmitExitOrder, res.Action)
	assert.Equal(t, model.StatusTriggered, res.Position.Status)
}
