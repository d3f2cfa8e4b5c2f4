package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.einride.tech/can"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024 // 接收通道缓冲区大小
)

var (
	ErrClosed              = errors.New("bus closed")
	ErrRxOverflow          = errors.New("receive buffer full")
	ErrUnsupportedPlatform = errors.New("bus type not supported on this platform")
)

// Bus 是 CAN 总线的统一接口，屏蔽真实硬件与虚拟总线的差异
type Bus interface {
	// Send 发送一帧
	Send(f can.Frame) error
	// Recv 等待最多 timeout 接收一帧；超时返回 ok=false 且 err=nil
	Recv(timeout time.Duration) (f can.Frame, ok bool, err error)
	// Shutdown 释放总线资源，之后 Send/Recv 返回 ErrClosed
	Shutdown() error
}

// logCANMessage 统一的CAN消息日志记录函数
func logCANMessage(logger *slog.Logger, direction string, f can.Frame) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	format := "%03X"
	if f.IsExtended {
		format = "%08X"
	}
	logger.Debug(direction,
		"id", fmt.Sprintf(format, f.ID),
		"dlc", f.Length,
		"data", fmt.Sprintf("% 02X", f.Data[:min(int(f.Length), len(f.Data))]))
}
