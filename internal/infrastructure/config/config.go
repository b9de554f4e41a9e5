package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration 支持 "5s"、"500ms" 形式的 TOML 字符串
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	App struct {
		PrintEveryMin int    `toml:"print_every_min"`
		LogLevel      string `toml:"log_level"`
		Color         bool   `toml:"color"`
	} `toml:"app"`

	Trailing struct {
		PollInterval   Duration `toml:"poll_interval"`
		FetchTimeout   Duration `toml:"fetch_timeout"`
		OrderTimeout   Duration `toml:"order_timeout"`
		ExitMaxRetries *int     `toml:"exit_max_retries"`
		ExitRetryDelay Duration `toml:"exit_retry_delay"`
	} `toml:"trailing"`

	Market struct {
		Sources         []string `toml:"sources"`
		Symbols         []string `toml:"symbols"`
		MaxRetries      int      `toml:"max_retries"`
		RetryDelay      Duration `toml:"retry_delay"`
		BreakerFailures int      `toml:"breaker_failures"`
		BreakerCooldown Duration `toml:"breaker_cooldown"`
		MaxStaleness    Duration `toml:"max_staleness"`
	} `toml:"market"`

	Exchange struct {
		Venue string `toml:"venue"` // paper | binance

		Binance struct {
			WsURL          string `toml:"ws_url"`
			RestURL        string `toml:"rest_url"`
			APIKey         string `toml:"api_key"`
			SecretKey      string `toml:"secret_key"`
			Testnet        bool   `toml:"testnet"`
			EntryOrderType string `toml:"entry_order_type"` // market | limit
		} `toml:"binance"`

		Paper struct {
			SlippageBps float64 `toml:"slippage_bps"`
		} `toml:"paper"`
	} `toml:"exchange"`

	Storage struct {
		Driver string `toml:"driver"` // sqlite | postgres

		SQLite struct {
			Path string `toml:"path"`
		} `toml:"sqlite"`

		Postgres struct {
			DSN string `toml:"dsn"`
		} `toml:"postgres"`

		Redis struct {
			Enabled      bool   `toml:"enabled"`
			Addr         string `toml:"addr"`
			Password     string `toml:"password"`
			DB           int    `toml:"db"`
			Prefix       string `toml:"prefix"`
			TTLSeconds   int    `toml:"ttl_seconds"`
			EventStream  string `toml:"event_stream"`
			EventChannel string `toml:"event_channel"`
		} `toml:"redis"`
	} `toml:"storage"`
}

// Load 读取 TOML，然后 .env 与 TRAILSIM_* 环境变量覆盖，最后补默认值并校验
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExitMaxRetries 退出单重试次数（未配置时为 3，允许显式 0）
func (c *Config) ExitMaxRetries() int {
	if c.Trailing.ExitMaxRetries == nil {
		return 3
	}
	return *c.Trailing.ExitMaxRetries
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.App.LogLevel, "TRAILSIM_LOG_LEVEL")
	setStr(&cfg.Exchange.Venue, "TRAILSIM_VENUE")
	setStr(&cfg.Exchange.Binance.APIKey, "TRAILSIM_BINANCE_API_KEY")
	setStr(&cfg.Exchange.Binance.SecretKey, "TRAILSIM_BINANCE_SECRET_KEY")
	setBool(&cfg.Exchange.Binance.Testnet, "TRAILSIM_BINANCE_TESTNET")
	setStr(&cfg.Storage.Driver, "TRAILSIM_STORAGE_DRIVER")
	setStr(&cfg.Storage.SQLite.Path, "TRAILSIM_SQLITE_PATH")
	setStr(&cfg.Storage.Postgres.DSN, "TRAILSIM_POSTGRES_DSN")
	setBool(&cfg.Storage.Redis.Enabled, "TRAILSIM_REDIS_ENABLED")
	setStr(&cfg.Storage.Redis.Addr, "TRAILSIM_REDIS_ADDR")
	setStr(&cfg.Storage.Redis.Password, "TRAILSIM_REDIS_PASSWORD")
	setInt(&cfg.Storage.Redis.DB, "TRAILSIM_REDIS_DB")
}

func applyDefaults(cfg *Config) {
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 1
	}
	if strings.TrimSpace(cfg.App.LogLevel) == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Trailing.PollInterval.Duration <= 0 {
		cfg.Trailing.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Trailing.FetchTimeout.Duration <= 0 {
		cfg.Trailing.FetchTimeout.Duration = 5 * time.Second
	}
	if cfg.Trailing.OrderTimeout.Duration <= 0 {
		cfg.Trailing.OrderTimeout.Duration = 5 * time.Second
	}
	if cfg.Trailing.ExitRetryDelay.Duration <= 0 {
		cfg.Trailing.ExitRetryDelay.Duration = 500 * time.Millisecond
	}

	if len(cfg.Market.Sources) == 0 {
		cfg.Market.Sources = []string{"binance_ws", "binance_rest"}
	}
	if cfg.Market.MaxRetries < 0 {
		cfg.Market.MaxRetries = 0
	}
	if cfg.Market.RetryDelay.Duration <= 0 {
		cfg.Market.RetryDelay.Duration = 200 * time.Millisecond
	}
	if cfg.Market.BreakerFailures <= 0 {
		cfg.Market.BreakerFailures = 5
	}
	if cfg.Market.BreakerCooldown.Duration <= 0 {
		cfg.Market.BreakerCooldown.Duration = 30 * time.Second
	}

	if strings.TrimSpace(cfg.Exchange.Venue) == "" {
		cfg.Exchange.Venue = "paper"
	}
	if strings.TrimSpace(cfg.Exchange.Binance.WsURL) == "" {
		cfg.Exchange.Binance.WsURL = "wss://stream.binance.com:9443"
	}
	if strings.TrimSpace(cfg.Exchange.Binance.EntryOrderType) == "" {
		cfg.Exchange.Binance.EntryOrderType = "market"
	}

	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
		cfg.Storage.SQLite.Path = "data/trailsim.db"
	}
	if strings.TrimSpace(cfg.Storage.Redis.Prefix) == "" {
		cfg.Storage.Redis.Prefix = "trailsim"
	}
}

func validate(cfg *Config) error {
	cfg.Market.Symbols = normalizeSymbols(cfg.Market.Symbols)
	cfg.Exchange.Venue = strings.ToLower(strings.TrimSpace(cfg.Exchange.Venue))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Exchange.Binance.EntryOrderType = strings.ToLower(strings.TrimSpace(cfg.Exchange.Binance.EntryOrderType))

	if cfg.ExitMaxRetries() < 0 {
		return errors.New("trailing.exit_max_retries must be >= 0")
	}

	switch cfg.Exchange.Venue {
	case "paper":
	case "binance":
		if strings.TrimSpace(cfg.Exchange.Binance.APIKey) == "" || strings.TrimSpace(cfg.Exchange.Binance.SecretKey) == "" {
			return errors.New("exchange.binance api_key/secret_key empty but venue is binance")
		}
	default:
		return fmt.Errorf("exchange.venue %q not supported", cfg.Exchange.Venue)
	}

	switch cfg.Exchange.Binance.EntryOrderType {
	case "market", "limit":
	default:
		return fmt.Errorf("exchange.binance.entry_order_type %q not supported", cfg.Exchange.Binance.EntryOrderType)
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn empty but driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}

	if cfg.Storage.Redis.Enabled && strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
		return errors.New("storage.redis.addr empty but enabled")
	}
	if cfg.Exchange.Paper.SlippageBps < 0 {
		return errors.New("exchange.paper.slippage_bps must be >= 0")
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
