//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN 是 Linux SocketCAN 接口 (can0/vcan0) 的 Bus 实现
type SocketCAN struct {
	iface  string
	logger *slog.Logger
	conn   net.Conn
	tx     *socketcan.Transmitter
	rx     *rxQueue

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenSocketCAN 打开接口并启动读协程
func OpenSocketCAN(ctx context.Context, iface string, logger *slog.Logger) (*SocketCAN, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan %s: %w", iface, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SocketCAN{
		iface:  iface,
		logger: logger.With("bus", iface),
		conn:   conn,
		tx:     socketcan.NewTransmitter(conn),
		rx:     newRxQueue(RxChannelBufferSize),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.readLoop(ctx)
	s.logger.Info("socketcan opened")
	return s, nil
}

func (s *SocketCAN) readLoop(ctx context.Context) {
	defer s.wg.Done()
	recv := socketcan.NewReceiver(s.conn)
	for recv.Receive() {
		if recv.HasErrorFrame() {
			s.logger.Warn("error frame", "class", recv.ErrorFrame().ErrorClass)
			continue
		}
		f := recv.Frame()
		if err := s.rx.push(f); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			s.logger.Warn("dropping frame", "id", fmt.Sprintf("0x%X", f.ID), "err", err)
		}
	}
	// 关闭连接后 Receive 返回 false，属于正常退出
	if err := recv.Err(); err != nil && ctx.Err() == nil {
		s.logger.Error("socketcan receive failed", "err", err)
	}
}

func (s *SocketCAN) Send(f can.Frame) error {
	if s.rx.closed() {
		return ErrClosed
	}
	logCANMessage(s.logger, "TX", f)
	return s.tx.TransmitFrame(context.Background(), f)
}

func (s *SocketCAN) Recv(timeout time.Duration) (can.Frame, bool, error) {
	f, ok, err := s.rx.recv(timeout)
	if ok {
		logCANMessage(s.logger, "RX", f)
	}
	return f, ok, err
}

func (s *SocketCAN) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.rx.close()
		err = s.conn.Close()
		s.wg.Wait()
		s.logger.Info("socketcan closed")
	})
	return err
}
