package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
	domainservice "trailsim/internal/domain/service"
)

// OrderPlacer 带重试的下单入口（domainservice.OrderManager）
// clientOrderID 见 domainservice.ClientOrderID
type OrderPlacer interface {
	PlaceEntry(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity, refPrice float64) (*model.OrderResult, error)
	PlaceExit(ctx context.Context, clientOrderID, symbol string, side model.Side, quantity float64) (*model.OrderResult, error)
}

type ServiceDeps struct {
	Prices       port.PriceProvider
	Orders       OrderPlacer
	Tracker      *Tracker
	Interval     time.Duration // 轮询间隔，默认 5s
	FetchTimeout time.Duration // 单次取价超时，默认 5s
	Now          func() time.Time
}

// Service 监控调度器：每个 StateKey 一个 goroutine
// 同一 StateKey 的 tick 严格串行；不同 StateKey 之间互不影响
type Service struct {
	deps ServiceDeps

	mu       sync.Mutex
	monitors map[string]*worker
	ticks    map[string]*atomic.Int64

	// 停止时仍未落库的状态（已下单），下次 Start 同一 StateKey 时接着补写
	unflushed map[string]pendingWrite
}

type worker struct {
	key      string
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	ticks    *atomic.Int64

	// 已下单但未能落库的状态，下一次 tick 优先补写
	pending *pendingWrite
	retired bool
}

type pendingWrite struct {
	pos    model.Position
	retire bool
}

func NewService(deps ServiceDeps) *Service {
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Second
	}
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = 5 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		deps:     deps,
		monitors:  make(map[string]*worker),
		ticks:     make(map[string]*atomic.Int64),
		unflushed: make(map[string]pendingWrite),
	}
}

// Start 注册监控；同一 StateKey 已注册时返回 model.ErrMonitorExists
func (s *Service) Start(pos model.Position) error {
	s.mu.Lock()
	if _, exists := s.monitors[pos.StateKey]; exists {
		s.mu.Unlock()
		log.Warn().Str("state_key", pos.StateKey).Msg("monitor already running, start ignored")
		return model.ErrMonitorExists
	}
	counter, ok := s.ticks[pos.StateKey]
	if !ok {
		counter = new(atomic.Int64)
		s.ticks[pos.StateKey] = counter
	}
	w := &worker{
		key:    pos.StateKey,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		ticks:  counter,
	}
	if p, ok := s.unflushed[pos.StateKey]; ok {
		w.pending = &p
		delete(s.unflushed, pos.StateKey)
	}
	s.monitors[pos.StateKey] = w
	s.mu.Unlock()

	go s.run(w)

	log.Info().
		Str("state_key", pos.StateKey).
		Str("symbol", pos.Symbol).
		Str("status", string(pos.Status)).
		Dur("interval", s.deps.Interval).
		Msg("monitor started")
	return nil
}

// Stop 停止监控并等待进行中的 tick 结束；返回后不会再有 tick
// 可重复调用，未注册时返回 false
func (s *Service) Stop(stateKey string) bool {
	s.mu.Lock()
	w, ok := s.monitors[stateKey]
	if ok {
		delete(s.monitors, stateKey)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done

	log.Info().Str("state_key", stateKey).Msg("monitor stopped")
	return true
}

// StopAll 停止全部监控（进程退出时调用）
func (s *Service) StopAll() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.monitors))
	for k, w := range s.monitors {
		workers = append(workers, w)
		delete(s.monitors, k)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.stopOnce.Do(func() { close(w.stopCh) })
	}
	for _, w := range workers {
		<-w.done
	}
	if len(workers) > 0 {
		log.Info().Int("monitors", len(workers)).Msg("all monitors stopped")
	}
}

func (s *Service) IsRunning(stateKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitors[stateKey]
	return ok
}

func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Unflushed 已停止的监控留下的未落库状态（已下单但写库失败）
func (s *Service) Unflushed(stateKey string) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.unflushed[stateKey]
	return p.pos, ok
}

// DiscardUnflushed 调用方已自行把该状态落库
func (s *Service) DiscardUnflushed(stateKey string) {
	s.mu.Lock()
	delete(s.unflushed, stateKey)
	s.mu.Unlock()
}

// Ticks 某个 StateKey 累计执行的 tick 数
func (s *Service) Ticks(stateKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.ticks[stateKey]; ok {
		return c.Load()
	}
	return 0
}

func (s *Service) run(w *worker) {
	defer close(w.done)
	defer s.unregister(w)

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			s.finalFlush(w)
			return
		case <-ticker.C:
			// stop 与 ticker 同时就绪时优先 stop
			select {
			case <-w.stopCh:
				s.finalFlush(w)
				return
			default:
			}
			if finished := s.tick(w); finished {
				return
			}
		}
	}
}

func (s *Service) unregister(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.monitors[w.key]; ok && cur == w {
		delete(s.monitors, w.key)
	}
}

// tick 返回 true 表示仓位已进入终态，监控结束
func (s *Service) tick(w *worker) bool {
	w.ticks.Add(1)
	ctx := context.Background()

	if w.pending != nil {
		if !s.flush(ctx, w) {
			return false
		}
		if w.retired {
			return true
		}
	}

	pos, ok := s.deps.Tracker.Index().Get(w.key)
	if !ok || pos.Status.IsTerminal() {
		return true
	}

	fctx, cancel := context.WithTimeout(ctx, s.deps.FetchTimeout)
	q, err := s.deps.Prices.GetCurrentPrice(fctx, pos.Symbol)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("state_key", w.key).Str("symbol", pos.Symbol).Msg("price fetch failed, tick skipped")
		return false
	}

	res := domainservice.EvaluateTrigger(pos, &q)
	switch res.Action {
	case domainservice.ActionSampleRejected:
		log.Warn().Str("state_key", w.key).Float64("price", q.Price).Msg("price sample rejected")
		return false

	case domainservice.ActionPlaceEntryOrder:
		return s.activate(ctx, w, res.Position, q)

	case domainservice.ActionSubmitExitOrder:
		return s.exit(ctx, w, res.Position, q)
	}

	if res.Changed {
		if err := s.deps.Tracker.Save(ctx, res.Position); err != nil {
			log.Error().Err(err).Str("state_key", w.key).Msg("persist failed, update abandoned")
			return false
		}
		log.Debug().
			Str("state_key", w.key).
			Float64("extreme", res.Position.ExtremePrice).
			Float64("trigger", res.Position.TriggerPrice()).
			Msg("extreme price advanced")
	}
	return false
}

// activate 激活价被穿越：先下入场单，成功后落库 active
func (s *Service) activate(ctx context.Context, w *worker, pos model.Position, q model.Quote) bool {
	log.Info().
		Str("state_key", pos.StateKey).
		Float64("price", q.Price).
		Float64("activation", pos.ActivationPrice).
		Msg("activation price crossed")

	clientID := domainservice.ClientOrderID(pos.StateKey, "entry")
	res, err := s.deps.Orders.PlaceEntry(ctx, clientID, pos.Symbol, pos.Side.Opposite(), pos.Quantity, q.Price)
	if err != nil {
		pos.Fail("entry order failed: "+err.Error(), s.deps.Now())
		log.Error().Err(err).Str("state_key", pos.StateKey).Msg("entry order failed, position moved to error")
		return s.retire(ctx, w, pos)
	}

	pos.SetEntryOrderID(res.OrderID)
	if res.AvgPrice > 0 {
		pos.EntryPrice = res.AvgPrice
	}
	if err := s.deps.Tracker.Save(ctx, pos); err != nil {
		log.Error().Err(err).Str("state_key", pos.StateKey).Str("order_id", res.OrderID).Msg("entry order placed but persist failed, will retry")
		w.pending = &pendingWrite{pos: pos}
		return false
	}
	log.Info().
		Str("state_key", pos.StateKey).
		Str("order_id", res.OrderID).
		Float64("entry", pos.EntryPrice).
		Float64("trigger", pos.TriggerPrice()).
		Msg("position activated")
	return false
}

// exit 触发：先落库 triggered，再下退出单
func (s *Service) exit(ctx context.Context, w *worker, pos model.Position, q model.Quote) bool {
	if err := s.deps.Tracker.Save(ctx, pos); err != nil {
		log.Error().Err(err).Str("state_key", pos.StateKey).Msg("persist trigger failed, update abandoned")
		return false
	}
	log.Info().
		Str("state_key", pos.StateKey).
		Float64("price", q.Price).
		Float64("extreme", pos.ExtremePrice).
		Float64("trigger", pos.TriggerPrice()).
		Msg("trailing stop triggered")

	clientID := domainservice.ClientOrderID(pos.StateKey, "exit")
	res, err := s.deps.Orders.PlaceExit(ctx, clientID, pos.Symbol, pos.Side, pos.Quantity)
	if err != nil {
		pos.Fail("exit order failed: "+err.Error(), s.deps.Now())
		log.Error().Err(err).Str("state_key", pos.StateKey).Msg("exit order failed, position moved to error")
		return s.retire(ctx, w, pos)
	}

	pos.SetExitOrderID(res.OrderID)
	pos.UpdatedAt = s.deps.Now()
	log.Info().
		Str("state_key", pos.StateKey).
		Str("order_id", res.OrderID).
		Float64("fill", res.AvgPrice).
		Msg("exit order placed")
	return s.retire(ctx, w, pos)
}

func (s *Service) retire(ctx context.Context, w *worker, pos model.Position) bool {
	if err := s.deps.Tracker.Retire(ctx, pos); err != nil {
		log.Error().Err(err).Str("state_key", pos.StateKey).Str("status", string(pos.Status)).Msg("persist final state failed, will retry")
		w.pending = &pendingWrite{pos: pos, retire: true}
		return false
	}
	return true
}

func (s *Service) flush(ctx context.Context, w *worker) bool {
	p := w.pending
	var err error
	if p.retire {
		err = s.deps.Tracker.Retire(ctx, p.pos)
	} else {
		err = s.deps.Tracker.Save(ctx, p.pos)
	}
	if err != nil {
		log.Error().Err(err).Str("state_key", w.key).Msg("pending write still failing, tick skipped")
		return false
	}
	w.pending = nil
	w.retired = p.retire
	return true
}

// finalFlush 停止前最后补写一次；仍失败则保留到 unflushed 并记录订单 ID
func (s *Service) finalFlush(w *worker) {
	if w.pending == nil {
		return
	}
	if s.flush(context.Background(), w) {
		return
	}
	p := *w.pending
	s.mu.Lock()
	s.unflushed[w.key] = p
	s.mu.Unlock()

	log.Error().
		Str("state_key", w.key).
		Str("status", string(p.pos.Status)).
		Str("entry_order_id", p.pos.EntryOrderID).
		Str("exit_order_id", p.pos.ExitOrderID).
		Msg("monitor stopped with an order that is not persisted, manual follow-up required")
}
