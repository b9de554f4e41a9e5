// Package rowcodec SQL 仓储共用的仓位行映射（sqlite / postgres）
package rowcodec

import (
	"time"

	"trailsim/internal/domain/model"
)

// Columns SELECT 列顺序，与 Scan 一致
const Columns = `state_key, symbol, side, quantity, entry_price, extreme_price, trailing_percent,
	activation_price, status, entry_order_id, exit_order_id, error_message,
	triggered_at, created_at, updated_at`

// Row 时间统一存 unix ms，triggered_at 为 0 表示未触发
type Row struct {
	StateKey        string
	Symbol          string
	Side            string
	Quantity        float64
	EntryPrice      float64
	ExtremePrice    float64
	TrailingPercent float64
	ActivationPrice float64
	Status          string
	EntryOrderID    string
	ExitOrderID     string
	ErrorMessage    string
	TriggeredAt     int64
	CreatedAt       int64
	UpdatedAt       int64
}

type scanner interface {
	Scan(dest ...any) error
}

func FromPosition(p *model.Position) Row {
	return Row{
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
		TriggeredAt:     toMillis(p.TriggeredAt),
		CreatedAt:       toMillis(p.CreatedAt),
		UpdatedAt:       toMillis(p.UpdatedAt),
	}
}

func (r Row) Position() *model.Position {
	return &model.Position{
		StateKey:        r.StateKey,
		Symbol:          r.Symbol,
		Side:            model.Side(r.Side),
		Quantity:        r.Quantity,
		EntryPrice:      r.EntryPrice,
		ExtremePrice:    r.ExtremePrice,
		TrailingPercent: r.TrailingPercent,
		ActivationPrice: r.ActivationPrice,
		Status:          model.Status(r.Status),
		EntryOrderID:    r.EntryOrderID,
		ExitOrderID:     r.ExitOrderID,
		ErrorMessage:    r.ErrorMessage,
		TriggeredAt:     fromMillis(r.TriggeredAt),
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
}

// Scan 按 Columns 顺序读取一行
func Scan(s scanner) (*model.Position, error) {
	var r Row
	if err := s.Scan(
		&r.StateKey, &r.Symbol, &r.Side, &r.Quantity, &r.EntryPrice, &r.ExtremePrice, &r.TrailingPercent,
		&r.ActivationPrice, &r.Status, &r.EntryOrderID, &r.ExitOrderID, &r.ErrorMessage,
		&r.TriggeredAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return r.Position(), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
