package container

import (
	"time"

	"trailsim/internal/application/port"
	"trailsim/internal/application/service"
	"trailsim/internal/application/usecase/monitor"
	domainservice "trailsim/internal/domain/service"
)

// Options 用例层参数（来自 config.Trailing / config.Market）
type Options struct {
	PollInterval   time.Duration
	FetchTimeout   time.Duration
	OrderRetries   int
	OrderBackoff   time.Duration
	OrderTimeout   time.Duration
	PriceGate      service.PriceServiceConfig
	ColorfulStatus bool
}

// ExecutorFactory 下单适配器可能依赖行情网关（模拟盘按实时价成交）
type ExecutorFactory func(prices port.PriceProvider) port.OrderExecutor

// Container 按需组装用例层，依赖只来自端口
type Container struct {
	store       port.PositionStore
	sources     []port.PriceSource
	cache       port.PriceCache
	newExecutor ExecutorFactory
	opts        Options

	executor        port.OrderExecutor
	index           *monitor.Index
	tracker         *monitor.Tracker
	priceService    *service.PriceService
	orderManager    *domainservice.OrderManager
	scheduler       *monitor.Service
	positionService *service.PositionService
	formatter       *monitor.Formatter
}

// New cache 可以为 nil
func New(store port.PositionStore, sources []port.PriceSource, cache port.PriceCache, newExecutor ExecutorFactory, opts Options) *Container {
	return &Container{
		store:       store,
		sources:     sources,
		cache:       cache,
		newExecutor: newExecutor,
		opts:        opts,
	}
}

func (c *Container) Store() port.PositionStore {
	return c.store
}

func (c *Container) Index() *monitor.Index {
	if c.index == nil {
		c.index = monitor.NewIndex()
	}
	return c.index
}

func (c *Container) Tracker() *monitor.Tracker {
	if c.tracker == nil {
		c.tracker = monitor.NewTracker(c.store, c.Index())
	}
	return c.tracker
}

func (c *Container) PriceService() *service.PriceService {
	if c.priceService == nil {
		c.priceService = service.NewPriceService(c.sources, c.cache, c.opts.PriceGate)
	}
	return c.priceService
}

func (c *Container) Executor() port.OrderExecutor {
	if c.executor == nil {
		c.executor = c.newExecutor(c.PriceService())
	}
	return c.executor
}

func (c *Container) OrderManager() *domainservice.OrderManager {
	if c.orderManager == nil {
		om := domainservice.NewOrderManager(c.Executor())
		if c.opts.OrderRetries >= 0 {
			om.MaxRetries = c.opts.OrderRetries
		}
		if c.opts.OrderBackoff > 0 {
			om.RetryDelay = c.opts.OrderBackoff
		}
		if c.opts.OrderTimeout > 0 {
			om.Timeout = c.opts.OrderTimeout
		}
		c.orderManager = om
	}
	return c.orderManager
}

func (c *Container) Scheduler() *monitor.Service {
	if c.scheduler == nil {
		c.scheduler = monitor.NewService(monitor.ServiceDeps{
			Prices:       c.PriceService(),
			Orders:       c.OrderManager(),
			Tracker:      c.Tracker(),
			Interval:     c.opts.PollInterval,
			FetchTimeout: c.opts.FetchTimeout,
		})
	}
	return c.scheduler
}

func (c *Container) PositionService() *service.PositionService {
	if c.positionService == nil {
		c.positionService = service.NewPositionService(c.Tracker(), c.Scheduler(), c.OrderManager())
	}
	return c.positionService
}

func (c *Container) Formatter() *monitor.Formatter {
	if c.formatter == nil {
		c.formatter = monitor.NewFormatter(c.opts.ColorfulStatus)
	}
	return c.formatter
}

// Close 停止全部监控；存储由基础设施容器关闭
func (c *Container) Close() error {
	if c.scheduler != nil {
		c.scheduler.StopAll()
	}
	return nil
}
