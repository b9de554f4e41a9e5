package container

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"trailsim/internal/application/container"
	"trailsim/internal/application/port"
	"trailsim/internal/application/service"
	"trailsim/internal/infrastructure/config"
	"trailsim/internal/infrastructure/exchange/binance"
	"trailsim/internal/infrastructure/exchange/paper"
	"trailsim/internal/infrastructure/pricefeed"
	"trailsim/internal/infrastructure/storage/composite"
	pgrepo "trailsim/internal/infrastructure/storage/postgres"
	redisrepo "trailsim/internal/infrastructure/storage/redis"
	sqliterepo "trailsim/internal/infrastructure/storage/sqlite"
)

// Container 包含所有应用依赖
type Container struct {
	cfg         *config.Config
	redisClient *redis.Client
	redisRepo   *redisrepo.Repo
	store       port.PositionStore
	sources     []port.PriceSource
	app         *container.Container
	closeOnce   sync.Once
	closerChain []func() error
}

// New 创建新的容器实例
func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		closerChain: make([]func() error, 0),
	}

	steps := []func() error{c.initStorage, c.initRedis, c.initSources}
	for _, step := range steps {
		if err := step(); err != nil {
			// 清理已初始化的资源
			_ = c.Close()
			return nil, err
		}
	}
	c.initApp()

	return c, nil
}

// initStorage 主存储（sqlite / postgres）
func (c *Container) initStorage() error {
	switch c.cfg.Storage.Driver {
	case "postgres":
		repo, err := pgrepo.New(c.cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		c.store = repo
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("postgres initialized")
	default:
		repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		c.store = repo
		c.closerChain = append(c.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().
			Str("path", c.cfg.Storage.SQLite.Path).
			Msg("sqlite initialized")
	}
	return nil
}

// initRedis 仓位副本 + 事件流 + 价格缓存
func (c *Container) initRedis() error {
	rc := c.cfg.Storage.Redis
	if !rc.Enabled {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisClient = rdb
	c.redisRepo = redisrepo.New(
		rdb,
		rc.Prefix,
		time.Duration(rc.TTLSeconds)*time.Second,
		rc.EventStream,
		rc.EventChannel,
	)
	c.store = composite.New(c.store, c.redisRepo)

	// 注册关闭回调
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Msg("redis initialized")

	return nil
}

func (c *Container) initSources() error {
	b := c.cfg.Exchange.Binance
	sources, err := pricefeed.Build(c.cfg.Market.Sources, pricefeed.Options{
		WsURL:   b.WsURL,
		RestURL: b.RestURL,
		Testnet: b.Testnet,
		Symbols: c.cfg.Market.Symbols,
	})
	for _, src := range sources {
		if cl, ok := src.(io.Closer); ok {
			name := src.Name()
			c.closerChain = append(c.closerChain, func() error {
				log.Info().Str("source", name).Msg("closing price source")
				return cl.Close()
			})
		}
	}
	if err != nil {
		return err
	}
	c.sources = sources

	log.Info().Strs("sources", c.cfg.Market.Sources).Msg("price sources initialized")
	return nil
}

func (c *Container) initApp() {
	var cache port.PriceCache
	if c.redisRepo != nil {
		cache = c.redisRepo
	}

	c.app = container.New(c.store, c.sources, cache, c.newExecutor, container.Options{
		PollInterval: c.cfg.Trailing.PollInterval.Duration,
		FetchTimeout: c.cfg.Trailing.FetchTimeout.Duration,
		OrderRetries: c.cfg.ExitMaxRetries(),
		OrderBackoff: c.cfg.Trailing.ExitRetryDelay.Duration,
		OrderTimeout: c.cfg.Trailing.OrderTimeout.Duration,
		PriceGate: service.PriceServiceConfig{
			MaxRetries:      c.cfg.Market.MaxRetries,
			RetryDelay:      c.cfg.Market.RetryDelay.Duration,
			BreakerFailures: uint32(c.cfg.Market.BreakerFailures),
			BreakerCooldown: c.cfg.Market.BreakerCooldown.Duration,
			MaxStaleness:    c.cfg.Market.MaxStaleness.Duration,
		},
		ColorfulStatus: c.cfg.App.Color,
	})

	// 监控先于存储关闭
	c.closerChain = append(c.closerChain, c.app.Close)
}

// newExecutor 按 exchange.venue 选择下单适配器
func (c *Container) newExecutor(prices port.PriceProvider) port.OrderExecutor {
	if c.cfg.Exchange.Venue == "binance" {
		b := c.cfg.Exchange.Binance
		log.Info().Bool("testnet", b.Testnet).Str("entry", b.EntryOrderType).Msg("binance order client initialized")
		return binance.NewOrderClient(b.APIKey, b.SecretKey, b.RestURL, b.Testnet, b.EntryOrderType == "limit")
	}
	log.Info().Float64("slippage_bps", c.cfg.Exchange.Paper.SlippageBps).Msg("paper executor initialized")
	return paper.NewExecutor(prices, c.cfg.Exchange.Paper.SlippageBps)
}

// Config 获取配置
func (c *Container) Config() *config.Config {
	return c.cfg
}

// App 用例层容器
func (c *Container) App() *container.Container {
	return c.app
}

// Store 主存储（启用 Redis 时为组合存储）
func (c *Container) Store() port.PositionStore {
	return c.store
}

// RedisClient 获取 Redis 客户端
func (c *Container) RedisClient() *redis.Client {
	return c.redisClient
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
