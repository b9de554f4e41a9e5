package service

import (
	"math"

	"trailsim/internal/domain/model"
)

// Action 评估结果要求调度器执行的动作
type Action string

const (
	ActionNone            Action = "NONE"
	ActionPlaceEntryOrder Action = "PLACE_ENTRY_ORDER"
	ActionSubmitExitOrder Action = "SUBMIT_EXIT_ORDER"
	ActionSampleRejected  Action = "SAMPLE_REJECTED"
)

// Evaluation 评估输出
// Changed 为 true 时 Position 需要持久化
type Evaluation struct {
	Position model.Position
	Action   Action
	Changed  bool
}

// EvaluateTrigger 纯函数：根据当前仓位和一次价格采样计算下一状态
// 入参按值传递，调用方持有的仓位不会被修改
func EvaluateTrigger(pos model.Position, q *model.Quote) Evaluation {
	if !validSample(q) {
		return Evaluation{Position: pos, Action: ActionSampleRejected}
	}
	price := q.Price

	switch pos.Status {
	case model.StatusPendingActivation:
		if !crossedActivation(&pos, price) {
			return Evaluation{Position: pos, Action: ActionNone}
		}
		pos.Status = model.StatusActive
		pos.EntryPrice = price
		pos.ExtremePrice = price
		pos.UpdatedAt = q.Timestamp
		return Evaluation{Position: pos, Action: ActionPlaceEntryOrder, Changed: true}

	case model.StatusActive:
		changed := false
		if pos.Improves(price) {
			pos.ExtremePrice = price
			changed = true
		}
		if hitTrigger(&pos, price) {
			pos.Status = model.StatusTriggered
			pos.TriggeredAt = q.Timestamp
			pos.UpdatedAt = q.Timestamp
			return Evaluation{Position: pos, Action: ActionSubmitExitOrder, Changed: true}
		}
		if changed {
			pos.UpdatedAt = q.Timestamp
		}
		return Evaluation{Position: pos, Action: ActionNone, Changed: changed}
	}

	return Evaluation{Position: pos, Action: ActionNone}
}

func validSample(q *model.Quote) bool {
	if q == nil {
		return false
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
		return false
	}
	return q.Price > 0
}

func crossedActivation(pos *model.Position, price float64) bool {
	if !pos.HasActivation() {
		return true
	}
	if pos.Side == model.SideBuy {
		return price <= pos.ActivationPrice
	}
	return price >= pos.ActivationPrice
}

func hitTrigger(pos *model.Position, price float64) bool {
	trigger := pos.TriggerPrice()
	if pos.Side == model.SideBuy {
		return price >= trigger
	}
	return price <= trigger
}
