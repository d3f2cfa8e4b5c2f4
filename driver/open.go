package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	red "github.com/redis/go-redis/v9"
)

const (
	TypeVirtual   = "virtual"
	TypeSocketCAN = "socketcan"
	TypeRedis     = "redis"
)

// Config 选择并配置总线
type Config struct {
	Type      string `yaml:"type"`
	Interface string `yaml:"interface"` // socketcan: can0, vcan0
	URL       string `yaml:"url"`       // redis://host:6379
	PushKey   string `yaml:"push_key"`
	PullKey   string `yaml:"pull_key"`

	ConnectAttempts uint          `yaml:"connect_attempts"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
}

func DefaultConfig() Config {
	return Config{
		Type:            TypeVirtual,
		Interface:       "vcan0",
		URL:             "redis://localhost:6379",
		PushKey:         DefaultRedisTesterKey,
		PullKey:         DefaultRedisVehicleKey,
		ConnectAttempts: 5,
		ConnectDelay:    500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Type) {
	case TypeVirtual:
	case TypeSocketCAN:
		if c.Interface == "" {
			return fmt.Errorf("bus: socketcan requires an interface")
		}
	case TypeRedis:
		if c.URL == "" || c.PushKey == "" || c.PullKey == "" {
			return fmt.Errorf("bus: redis requires url, push_key and pull_key")
		}
		if _, err := red.ParseURL(c.URL); err != nil {
			return fmt.Errorf("bus: redis url: %w", err)
		}
		if c.PushKey == c.PullKey {
			return fmt.Errorf("bus: redis push_key and pull_key must differ")
		}
	default:
		return fmt.Errorf("bus: unknown type %q", c.Type)
	}
	return nil
}

// Open 按配置打开总线，连接失败时按 ConnectAttempts/ConnectDelay 重试
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind := strings.ToLower(cfg.Type)
	if kind == TypeVirtual {
		return NewVirtualBus("virtual", logger), nil
	}

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}
	var bus Bus
	err := retry.Do(
		func() error {
			b, err := dial(ctx, kind, cfg, logger)
			if err != nil {
				return err
			}
			bus = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.ConnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("bus connect failed, retrying", "type", kind, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func dial(ctx context.Context, kind string, cfg Config, logger *slog.Logger) (Bus, error) {
	switch kind {
	case TypeSocketCAN:
		s, err := OpenSocketCAN(ctx, cfg.Interface, logger)
		if errors.Is(err, ErrUnsupportedPlatform) {
			return nil, retry.Unrecoverable(err)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeRedis:
		r, err := OpenRedis(ctx, cfg.URL, cfg.PushKey, cfg.PullKey, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, retry.Unrecoverable(fmt.Errorf("bus: unknown type %q", kind))
}
