package obdclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/LoveWonYoung/obd2sim/driver"
	"github.com/LoveWonYoung/obd2sim/obd"
	"github.com/LoveWonYoung/obd2sim/tp"
)

const (
	recvPollInterval       = 10 * time.Millisecond   // 接收轮询间隔
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时
	defaultMaxRetries      = 3                       // 默认最大重试次数
)

// Functional 作为 target 时发送功能寻址请求
const Functional = -1

var ErrNoResponse = errors.New("no response")

// NRCError 表示 ECU 的负响应
type NRCError struct {
	ECU       uint32 // 响应 ECU 的 11 位响应 ID
	ServiceID byte   // 原始服务 ID
	NRC       byte   // 负响应码
	Message   string // 错误描述
}

func (e *NRCError) Error() string {
	return fmt.Sprintf("OBD 负响应: ECU=0x%03X, SID=0x%02X, NRC=0x%02X (%s)", e.ECU, e.ServiceID, e.NRC, e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *NRCError) IsRetryable() bool {
	switch e.NRC {
	case obd.NRCBusyRepeatRequest, obd.NRCResponsePending:
		return true
	default:
		return false
	}
}

// Options 请求配置选项
type Options struct {
	Extended   bool          // 29 位寻址
	Timeout    time.Duration // 收集响应的时间
	BlockSize  int           // 回复 FF 的 FC 中的 BS
	StMin      byte          // 回复 FF 的 FC 中的 STmin 编码
	Pad        byte          // 请求帧填充字节
	MaxRetries int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay time.Duration // 重试间隔
}

// DefaultOptions 返回默认请求选项
func DefaultOptions() Options {
	return Options{
		Timeout:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
		RetryDelay: 100 * time.Millisecond,
		Pad:        0x00,
	}
}

// Response 是一个 ECU 的完整应答
type Response struct {
	ECU     uint32 // 11 位响应 ID，如 0x7E8
	Payload []byte // 正响应：[SID+0x40, PID?, data...]
	Err     error  // 负响应时为 *NRCError
}

// Client 是模拟诊断仪：发送 OBD2 请求并收集各 ECU 的应答
type Client struct {
	bus    driver.Bus
	opts   Options
	logger *slog.Logger
}

func New(bus driver.Bus, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{bus: bus, opts: opts, logger: logger}
}

// reassembly 跟踪一个 ECU 的多帧应答
type reassembly struct {
	frames  [][]byte
	total   int
	have    int
	inBlock int
}

// Request 向 target (Functional 或 ECU 序号 0..7) 发送请求。
// 物理寻址时收到第一个完整应答即返回；功能寻址时收集到超时为止。
func (c *Client) Request(ctx context.Context, target int, service byte, pid *byte, data ...byte) ([]Response, error) {
	payload := []byte{service}
	if pid != nil {
		payload = append(payload, *pid)
	}
	payload = append(payload, data...)
	if len(payload) > tp.FrameLength-1 {
		return nil, fmt.Errorf("request of %d bytes does not fit a single frame", len(payload))
	}
	if target != Functional && (target < 0 || target >= tp.MaxECUs) {
		return nil, fmt.Errorf("ECU index %d out of range", target)
	}

	// 发送前清空可能存在的旧响应
	for {
		if _, ok, _ := c.bus.Recv(0); !ok {
			break
		}
	}

	id := tp.FunctionalIDFor(c.opts.Extended)
	if target != Functional {
		id = tp.PhysicalRequestIDFor(target, c.opts.Extended)
	}
	req := append([]byte{byte(len(payload))}, payload...)
	if err := c.bus.Send(tp.NewFrame(id, c.opts.Extended, req, c.opts.Pad)); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(c.opts.Timeout)
	pending := map[uint32]*reassembly{}
	var out []Response
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		f, ok, err := c.bus.Recv(min(left, recvPollInterval))
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}

		ident := tp.Identifier{ID: f.ID, Extended: f.IsExtended}
		if f.IsExtended != c.opts.Extended || !ident.IsResponse() {
			continue
		}
		idx, _ := ident.TargetECUIndex()
		if target != Functional && idx != target {
			continue
		}
		ecu := tp.ResponseIDFor(idx, false)
		frame := f.Data[:f.Length]

		kind, ok := tp.FrameType(frame)
		if !ok {
			continue
		}
		var complete []byte
		switch kind {
		case tp.PDUSingleFrame:
			n := int(frame[0] & 0xF)
			if n == 0 || n > len(frame)-1 {
				continue
			}
			complete = append([]byte(nil), frame[1:1+n]...)

		case tp.PDUFirstFrame:
			if len(frame) < 2 {
				continue
			}
			r := &reassembly{
				frames: [][]byte{append([]byte(nil), frame...)},
				total:  int(frame[0]&0xF)<<8 | int(frame[1]),
				have:   len(frame) - 2,
			}
			pending[ecu] = r
			if err := c.sendFlowControl(idx); err != nil {
				return out, err
			}
			continue

		case tp.PDUConsecutiveFrame:
			r := pending[ecu]
			if r == nil {
				c.logger.Debug("consecutive frame without first frame", "ecu", fmt.Sprintf("0x%03X", ecu))
				continue
			}
			r.frames = append(r.frames, append([]byte(nil), frame...))
			r.have += len(frame) - 1
			r.inBlock++
			if r.have < r.total {
				if c.opts.BlockSize > 0 && r.inBlock >= c.opts.BlockSize {
					r.inBlock = 0
					if err := c.sendFlowControl(idx); err != nil {
						return out, err
					}
				}
				continue
			}
			delete(pending, ecu)
			complete, err = tp.Reassemble(r.frames)
			if err != nil {
				c.logger.Warn("reassembly failed", "ecu", fmt.Sprintf("0x%03X", ecu), "err", err)
				continue
			}

		default:
			continue
		}

		if len(complete) == 0 {
			continue
		}
		if complete[0] == obd.NegativeResponseSID && len(complete) >= 3 {
			// Response Pending - 延长等待时间
			if complete[2] == obd.NRCResponsePending {
				deadline = time.Now().Add(responsePendingTimeout)
				c.logger.Info("收到 Response Pending，继续等待...", "ecu", fmt.Sprintf("0x%03X", ecu))
				continue
			}
			out = append(out, Response{ECU: ecu, Err: &NRCError{
				ECU:       ecu,
				ServiceID: complete[1],
				NRC:       complete[2],
				Message:   obd.NRCDescription(complete[2]),
			}})
		} else if complete[0] == service+obd.PositiveResponseOffset {
			out = append(out, Response{ECU: ecu, Payload: complete})
		} else {
			c.logger.Debug("响应 SID 不匹配", "ecu", fmt.Sprintf("0x%03X", ecu), "sid", fmt.Sprintf("0x%02X", complete[0]))
			continue
		}
		if target != Functional {
			break
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w within %v", ErrNoResponse, c.opts.Timeout)
	}
	return out, nil
}

func (c *Client) sendFlowControl(idx int) error {
	fc := tp.CraftFlowControlData(int(tp.FlowStatusContinueToSend), c.opts.BlockSize, int(c.opts.StMin))
	id := tp.PhysicalRequestIDFor(idx, c.opts.Extended)
	if err := c.bus.Send(tp.NewFrame(id, c.opts.Extended, fc, c.opts.Pad)); err != nil {
		return fmt.Errorf("send flow control: %w", err)
	}
	return nil
}

// ReadPID 读取一个 ECU 的 PID 数据 (不含 SID 与 PID)，可重试的负响应按
// MaxRetries/RetryDelay 重试
func (c *Client) ReadPID(ctx context.Context, target int, service, pid byte) ([]byte, error) {
	if target == Functional {
		return nil, errors.New("ReadPID needs a physical target")
	}
	var data []byte
	err := retry.Do(
		func() error {
			resps, err := c.Request(ctx, target, service, &pid)
			if err != nil {
				return err
			}
			r := resps[0]
			if r.Err != nil {
				return r.Err
			}
			if len(r.Payload) < 2 || r.Payload[1] != pid {
				return retry.Unrecoverable(fmt.Errorf("unexpected response % X", r.Payload))
			}
			data = r.Payload[2:]
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(c.opts.MaxRetries, 0))+1),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var nrc *NRCError
			return errors.As(err, &nrc) && nrc.IsRetryable()
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("OBD 请求重试", "attempt", n+1, "pid", obd.PIDKey(service, &pid), "err", err)
		}),
	)
	return data, err
}

// ReadVIN 读取 09/02，去掉条目计数字节后返回 17 位车架号
func (c *Client) ReadVIN(ctx context.Context, target int) (string, error) {
	data, err := c.ReadPID(ctx, target, 0x09, 0x02)
	if err != nil {
		return "", err
	}
	if len(data) < 2 {
		return "", fmt.Errorf("VIN response too short: % X", data)
	}
	return string(data[1:]), nil
}
