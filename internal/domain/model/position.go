package model

import (
	"fmt"
	"strings"
	"time"
)

// Side 退出单方向
// sell: 多头仓位，跟踪最高价，价格回落时卖出
// buy: 空头仓位，跟踪最低价，价格反弹时买入
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向，大小写不敏感
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidInput, s)
}

// Opposite 返回反方向（入场单方向 = 退出单反方向）
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// Status 仓位状态
type Status string

const (
	StatusPendingActivation Status = "pending_activation"
	StatusActive            Status = "active"
	StatusTriggered         Status = "triggered"
	StatusError             Status = "error"
	StatusCancelled         Status = "cancelled"
)

// IsTerminal 终态后不再修改跟踪字段
func (s Status) IsTerminal() bool {
	switch s {
	case StatusTriggered, StatusError, StatusCancelled:
		return true
	}
	return false
}

// OpenStatuses 需要监控的状态
var OpenStatuses = []Status{StatusPendingActivation, StatusActive}

// Position 追踪止损仓位，按 StateKey 唯一
type Position struct {
	StateKey        string
	Symbol          string
	Side            Side
	Quantity        float64
	EntryPrice      float64
	ExtremePrice    float64 // sell: 最高价, buy: 最低价
	TrailingPercent float64
	ActivationPrice float64 // 0 表示无激活价
	Status          Status
	EntryOrderID    string
	ExitOrderID     string
	ErrorMessage    string
	TriggeredAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TriggerPrice 由极值价和回撤比例推导，不可单独设置
func (p *Position) TriggerPrice() float64 {
	return TriggerPriceFor(p.Side, p.ExtremePrice, p.TrailingPercent)
}

// TriggerPriceFor extreme * (1 ∓ pct/100)
func TriggerPriceFor(side Side, extreme, pct float64) float64 {
	if side == SideBuy {
		return extreme * (1 + pct/100)
	}
	return extreme * (1 - pct/100)
}

// HasActivation 是否设置了激活价
func (p *Position) HasActivation() bool {
	return p.ActivationPrice > 0
}

// Improves 价格是否比当前极值更有利
func (p *Position) Improves(price float64) bool {
	if p.Side == SideBuy {
		return price < p.ExtremePrice
	}
	return price > p.ExtremePrice
}

// SetEntryOrderID 入场单 ID 只写一次
func (p *Position) SetEntryOrderID(id string) {
	if p.EntryOrderID == "" {
		p.EntryOrderID = id
	}
}

// SetExitOrderID 退出单 ID 只写一次
func (p *Position) SetExitOrderID(id string) {
	if p.ExitOrderID == "" {
		p.ExitOrderID = id
	}
}

// Fail 转入 error 终态
func (p *Position) Fail(msg string, at time.Time) {
	p.Status = StatusError
	p.ErrorMessage = msg
	p.UpdatedAt = at
}

// Snapshot 生成对外只读视图
func (p *Position) Snapshot() Snapshot {
	s := Snapshot{
		StateKey:        p.StateKey,
		Symbol:          p.Symbol,
		Side:            p.Side,
		Quantity:        p.Quantity,
		EntryPrice:      p.EntryPrice,
		TrailingPercent: p.TrailingPercent,
		ActivationPrice: p.ActivationPrice,
		Status:          p.Status,
		TriggerPrice:    p.TriggerPrice(),
		EntryOrderID:    p.EntryOrderID,
		ExitOrderID:     p.ExitOrderID,
		ErrorMessage:    p.ErrorMessage,
		CreatedAt:       p.CreatedAt,
	}
	if p.Side == SideBuy {
		s.LowestPrice = p.ExtremePrice
	} else {
		s.HighestPrice = p.ExtremePrice
	}
	if !p.TriggeredAt.IsZero() {
		t := p.TriggeredAt
		s.TriggeredAt = &t
	}
	return s
}

// Snapshot 仓位快照（序列化边界）
type Snapshot struct {
	StateKey        string     `json:"stateKey"`
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	Quantity        float64    `json:"quantity"`
	EntryPrice      float64    `json:"entryPrice"`
	HighestPrice    float64    `json:"highestPrice,omitempty"`
	LowestPrice     float64    `json:"lowestPrice,omitempty"`
	TrailingPercent float64    `json:"trailingPercent"`
	ActivationPrice float64    `json:"activationPrice,omitempty"`
	Status          Status     `json:"status"`
	TriggerPrice    float64    `json:"triggerPrice"`
	EntryOrderID    string     `json:"buyOrderId,omitempty"`
	ExitOrderID     string     `json:"sellOrderId,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	TriggeredAt     *time.Time `json:"triggeredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}
