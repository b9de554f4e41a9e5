package model

import "time"

// Quote 一次价格采样
type Quote struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
	Source    string
	Stale     bool // 来自 last-known-good 兜底
}

// OrderResult 交易所下单结果（归一化后）
type OrderResult struct {
	OrderID  string
	Symbol   string
	Side     Side
	Quantity float64
	AvgPrice float64 // 0 表示交易所未返回成交均价
	Status   string
}
