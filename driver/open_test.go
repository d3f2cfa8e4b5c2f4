package driver

import (
	"context"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := map[string]Config{
		"type":       {Type: "pcan"},
		"interface":  {Type: TypeSocketCAN},
		"redis keys": {Type: TypeRedis, URL: "redis://localhost:6379", PushKey: "a", PullKey: "a"},
		"redis url":  {Type: TypeRedis, URL: "http://x", PushKey: "a", PullKey: "b"},
		"no url":     {Type: TypeRedis, PushKey: "a", PullKey: "b"},
	}
	for name, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOpenVirtual(t *testing.T) {
	bus, err := Open(context.Background(), Config{Type: "Virtual"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Shutdown()
	if _, ok := bus.(*VirtualBus); !ok {
		t.Fatalf("expected *VirtualBus, got %T", bus)
	}
}

func TestOpenRetriesThenFails(t *testing.T) {
	cfg := Config{
		Type:            TypeRedis,
		URL:             "redis://127.0.0.1:1",
		PushKey:         DefaultRedisTesterKey,
		PullKey:         DefaultRedisVehicleKey,
		ConnectAttempts: 3,
		ConnectDelay:    20 * time.Millisecond,
	}
	start := time.Now()
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected connection error")
	}
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Fatalf("gave up after %v, expected two retry delays", d)
	}
}

func TestOpenHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultConfig()
	cfg.Type = TypeRedis
	cfg.URL = "redis://127.0.0.1:1"
	cfg.ConnectDelay = time.Second
	start := time.Now()
	if _, err := Open(ctx, cfg, nil); err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Open ignored context cancellation")
	}
}
