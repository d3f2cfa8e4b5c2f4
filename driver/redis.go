package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	red "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.einride.tech/can"
)

// Redis 列表上的帧标记
const redisFrameMarker = "CANF"

// 默认队列名：vehicle 承载发往 ECU 的帧，tester 承载发往诊断仪的帧
const (
	DefaultRedisVehicleKey = "obd2sim.vehicle"
	DefaultRedisTesterKey  = "obd2sim.tester"
)

// BRPOP 的最小超时为 1s
const redisPollTimeout = time.Second

var ErrRedisFrame = errors.New("malformed redis frame")

// RedisBus 通过 Redis 列表在进程之间转发 CAN 帧：LPUSH 到 push，BRPOP 自 pull
type RedisBus struct {
	url    string
	push   string
	pull   string
	logger *slog.Logger

	client  *red.Client
	version string
	rx      *rxQueue

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenRedis 连接 Redis 并启动 BRPOP 读协程
func OpenRedis(ctx context.Context, url, push, pull string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := red.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url %q: %w", url, err)
	}
	client := red.NewClient(opt)

	info := client.InfoMap(ctx, "server")
	if err := info.Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", url, err)
	}

	r := &RedisBus{
		url:     url,
		push:    push,
		pull:    pull,
		logger:  logger.With("bus", "redis"),
		client:  client,
		version: info.Item("Server", "redis_version"),
		rx:      newRxQueue(RxChannelBufferSize),
	}
	r.logger.Info("redis connected", "url", url, "version", r.version, "push", push, "pull", pull)

	var rctx context.Context
	rctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.readLoop(rctx)
	return r, nil
}

func (r *RedisBus) Version() string { return r.version }

func (r *RedisBus) readLoop(ctx context.Context) {
	defer r.wg.Done()
	for ctx.Err() == nil {
		c := r.client.BRPop(ctx, redisPollTimeout, r.pull)
		if err := c.Err(); err != nil {
			if errors.Is(err, red.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("redis BRPOP failed", "key", r.pull, "err", err)
			time.Sleep(redisPollTimeout)
			continue
		}
		if len(c.Val()) != 2 {
			r.logger.Warn("redis response incomplete", "key", r.pull, "len", len(c.Val()))
			continue
		}
		f, err := DecodeFrame([]byte(c.Val()[1]))
		if err != nil {
			r.logger.Warn("dropping redis message", "err", err)
			continue
		}
		if err := r.rx.push(f); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			r.logger.Warn("dropping frame", "id", fmt.Sprintf("0x%X", f.ID), "err", err)
		}
	}
}

func (r *RedisBus) Send(f can.Frame) error {
	if r.rx.closed() {
		return ErrClosed
	}
	d, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	logCANMessage(r.logger, "TX", f)
	return r.client.LPush(context.Background(), r.push, d).Err()
}

func (r *RedisBus) Recv(timeout time.Duration) (can.Frame, bool, error) {
	f, ok, err := r.rx.recv(timeout)
	if ok {
		logCANMessage(r.logger, "RX", f)
	}
	return f, ok, err
}

func (r *RedisBus) Shutdown() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		r.rx.close()
		r.wg.Wait()
		err = r.client.Close()
		r.logger.Info("redis disconnected")
	})
	return err
}

// EncodeFrame 将帧编码为 msgpack：marker, id, extended, data
func EncodeFrame(f can.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	enc := msgpack.NewEncoder(buf)
	for _, err := range []error{
		enc.EncodeString(redisFrameMarker),
		enc.EncodeUint32(f.ID),
		enc.EncodeBool(f.IsExtended),
		enc.EncodeBytes(f.Data[:f.Length]),
	} {
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeFrame(b []byte) (can.Frame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	marker, err := dec.DecodeString()
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrRedisFrame, err)
	}
	if marker != redisFrameMarker {
		return can.Frame{}, fmt.Errorf("%w: marker %q", ErrRedisFrame, marker)
	}
	var f can.Frame
	if f.ID, err = dec.DecodeUint32(); err != nil {
		return can.Frame{}, fmt.Errorf("%w: id: %v", ErrRedisFrame, err)
	}
	if f.IsExtended, err = dec.DecodeBool(); err != nil {
		return can.Frame{}, fmt.Errorf("%w: extended: %v", ErrRedisFrame, err)
	}
	data, err := dec.DecodeBytes()
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: data: %v", ErrRedisFrame, err)
	}
	if len(data) > len(f.Data) {
		return can.Frame{}, fmt.Errorf("%w: %d data bytes", ErrRedisFrame, len(data))
	}
	f.Length = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrRedisFrame, err)
	}
	return f, nil
}
