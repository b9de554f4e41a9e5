package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trailsim/internal/application/usecase/monitor"
	"trailsim/internal/domain/model"
	domainservice "trailsim/internal/domain/service"
)

// CreateRequest 开仓参数；ActivationPrice 为 nil 时立即开始跟踪
type CreateRequest struct {
	Symbol          string
	Side            string
	Quantity        float64
	TrailingPercent float64
	EntryPrice      float64
	ActivationPrice *float64
}

type CreateResult struct {
	StateKey     string       `json:"stateKey"`
	Status       model.Status `json:"status"`
	EntryPrice   float64      `json:"entryPrice"`
	TriggerPrice float64      `json:"triggerPrice"`
}

// PositionService 追踪止损仓位的创建、撤销、查询与启动恢复
type PositionService struct {
	tracker   *monitor.Tracker
	scheduler *monitor.Service
	orders    monitor.OrderPlacer
	now       func() time.Time
	newKey    func(symbol string) string

	// 撤销串行执行，避免两个撤销同时改写同一仓位
	cancelMu sync.Mutex
}

func NewPositionService(tracker *monitor.Tracker, scheduler *monitor.Service, orders monitor.OrderPlacer) *PositionService {
	return &PositionService{
		tracker:   tracker,
		scheduler: scheduler,
		orders:    orders,
		now:       time.Now,
		newKey:    NewStateKey,
	}
}

// NewStateKey {SYMBOL}-{12 位十六进制}
func NewStateKey(symbol string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return symbol + "-" + id[:12]
}

func (s *PositionService) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	pos, err := validateCreate(req)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pos.StateKey = s.newKey(pos.Symbol)
	pos.CreatedAt = now
	pos.UpdatedAt = now

	if pos.HasActivation() {
		pos.Status = model.StatusPendingActivation
	} else {
		clientID := domainservice.ClientOrderID(pos.StateKey, "entry")
		res, err := s.orders.PlaceEntry(ctx, clientID, pos.Symbol, pos.Side.Opposite(), pos.Quantity, pos.EntryPrice)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("entry order failed, position not created")
			return nil, fmt.Errorf("place entry order: %w", err)
		}
		pos.SetEntryOrderID(res.OrderID)
		if res.AvgPrice > 0 {
			pos.EntryPrice = res.AvgPrice
		}
		pos.ExtremePrice = pos.EntryPrice
		pos.Status = model.StatusActive
	}

	if err := s.tracker.Save(ctx, pos); err != nil {
		if pos.EntryOrderID != "" {
			log.Error().
				Err(err).
				Str("state_key", pos.StateKey).
				Str("order_id", pos.EntryOrderID).
				Msg("entry order placed but position could not be persisted, manual follow-up required")
		}
		return nil, err
	}
	if err := s.scheduler.Start(pos); err != nil {
		return nil, fmt.Errorf("start monitor %s: %w", pos.StateKey, err)
	}

	log.Info().
		Str("state_key", pos.StateKey).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("status", string(pos.Status)).
		Float64("entry", pos.EntryPrice).
		Float64("trigger", pos.TriggerPrice()).
		Msg("✓ position opened")

	return &CreateResult{
		StateKey:     pos.StateKey,
		Status:       pos.Status,
		EntryPrice:   pos.EntryPrice,
		TriggerPrice: pos.TriggerPrice(),
	}, nil
}

func validateCreate(req CreateRequest) (model.Position, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return model.Position{}, fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		return model.Position{}, err
	}
	if !positive(req.Quantity) {
		return model.Position{}, fmt.Errorf("%w: quantity must be > 0", model.ErrInvalidInput)
	}
	if !positive(req.TrailingPercent) || req.TrailingPercent >= 100 {
		return model.Position{}, fmt.Errorf("%w: trailingPercent must be in (0, 100)", model.ErrInvalidInput)
	}
	if !positive(req.EntryPrice) {
		return model.Position{}, fmt.Errorf("%w: entryPrice must be > 0", model.ErrInvalidInput)
	}
	var activation float64
	if req.ActivationPrice != nil {
		if !positive(*req.ActivationPrice) {
			return model.Position{}, fmt.Errorf("%w: activationPrice must be > 0", model.ErrInvalidInput)
		}
		activation = *req.ActivationPrice
	}

	return model.Position{
		Symbol:          symbol,
		Side:            side,
		Quantity:        req.Quantity,
		EntryPrice:      req.EntryPrice,
		ExtremePrice:    req.EntryPrice,
		TrailingPercent: req.TrailingPercent,
		ActivationPrice: activation,
	}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Cancel 停止监控并标记 cancelled；未知或已终结的仓位返回 model.ErrNotFound
func (s *PositionService) Cancel(ctx context.Context, stateKey string) error {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	if _, ok := s.tracker.Index().Get(stateKey); !ok {
		// 没有本进程监控的仓位，只处理库中仍未终结的记录
		p, err := s.tracker.Store().GetPosition(ctx, stateKey)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: %s", model.ErrNotFound, stateKey)
			}
			return err
		}
		if p.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", model.ErrNotFound, stateKey, p.Status)
		}
	}

	wasRunning := s.scheduler.Stop(stateKey)

	// 停止后重新读取，进行中的 tick 可能已经改变了状态
	pos, err := s.tracker.Lookup(ctx, stateKey)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	// 已下单但未落库的状态优先，否则会丢掉交易所上的订单
	unflushed, hasUnflushed := s.scheduler.Unflushed(stateKey)
	if hasUnflushed {
		pos = unflushed
	} else if err != nil {
		return fmt.Errorf("%w: %s", model.ErrNotFound, stateKey)
	}

	if pos.Status.IsTerminal() {
		if hasUnflushed {
			if err := s.tracker.Retire(ctx, pos); err != nil {
				return err
			}
			s.scheduler.DiscardUnflushed(stateKey)
		}
		return fmt.Errorf("%w: %s is %s", model.ErrNotFound, stateKey, pos.Status)
	}

	before := pos
	pos.Status = model.StatusCancelled
	pos.UpdatedAt = s.now()
	if err := s.tracker.Retire(ctx, pos); err != nil {
		if wasRunning {
			// 未落库的状态由 Start 接管
			if startErr := s.scheduler.Start(before); startErr != nil {
				log.Error().Err(startErr).Str("state_key", stateKey).Msg("monitor restart after failed cancel")
			}
		}
		return err
	}
	if hasUnflushed {
		s.scheduler.DiscardUnflushed(stateKey)
	}
	if hasUnflushed && pos.EntryOrderID != "" {
		log.Warn().
			Str("state_key", stateKey).
			Str("entry_order_id", pos.EntryOrderID).
			Msg("cancelled position has a filled entry order, close it on the exchange manually")
	}

	log.Info().Str("state_key", stateKey).Msg("✓ position cancelled")
	return nil
}

// Get 先查镜像，再查库；终态仓位也能查到
func (s *PositionService) Get(ctx context.Context, stateKey string) (model.Snapshot, error) {
	pos, err := s.tracker.Lookup(ctx, stateKey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Snapshot{}, fmt.Errorf("%w: %s", model.ErrNotFound, stateKey)
		}
		return model.Snapshot{}, err
	}
	return pos.Snapshot(), nil
}

// ListActive 未终结的仓位，最近触发的在前，其余按插入顺序
func (s *PositionService) ListActive() []model.Snapshot {
	return s.tracker.Index().Snapshot()
}

// Recover 启动时从库中恢复 pending_activation/active 仓位并重新注册监控
// 必须在接受新请求之前调用
func (s *PositionService) Recover(ctx context.Context) (int, error) {
	rows, err := s.tracker.Store().ListPositions(ctx, model.OpenStatuses...)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}

	started := 0
	for _, p := range rows {
		pos := *p
		s.tracker.Index().Put(pos)
		if err := s.scheduler.Start(pos); err != nil {
			if errors.Is(err, model.ErrMonitorExists) {
				continue
			}
			return started, err
		}
		started++
	}

	triggered, err := s.tracker.Store().ListPositions(ctx, model.StatusTriggered)
	if err != nil {
		log.Warn().Err(err).Msg("list triggered positions failed")
	}
	for _, p := range triggered {
		if p.ExitOrderID == "" {
			log.Warn().
				Str("state_key", p.StateKey).
				Str("symbol", p.Symbol).
				Msg("triggered position has no exit order id, manual follow-up required")
		}
	}

	log.Info().Int("recovered", started).Msg("✓ monitors recovered")
	return started, nil
}

// Shutdown 停止全部监控，仓位保持原状态等待下次恢复
func (s *PositionService) Shutdown() {
	s.scheduler.StopAll()
}
