//go:build !linux

package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.einride.tech/can"
)

// SocketCAN 仅在 Linux 上可用
type SocketCAN struct{}

func OpenSocketCAN(_ context.Context, iface string, _ *slog.Logger) (*SocketCAN, error) {
	return nil, fmt.Errorf("socketcan %s: %w", iface, ErrUnsupportedPlatform)
}

func (*SocketCAN) Send(can.Frame) error { return ErrUnsupportedPlatform }

func (*SocketCAN) Recv(time.Duration) (can.Frame, bool, error) {
	return can.Frame{}, false, ErrUnsupportedPlatform
}

func (*SocketCAN) Shutdown() error { return nil }
