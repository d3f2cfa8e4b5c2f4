package driver

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.einride.tech/can"
)

// VirtualBus 是进程内的虚拟 CAN 总线，不依赖硬件
// 成对使用时，一端发送的帧出现在另一端的接收队列中
type VirtualBus struct {
	name   string
	logger *slog.Logger
	rx     *rxQueue

	mu        sync.Mutex
	peer      *VirtualBus
	writeLog  []WriteRecord
	responses []AutoResponse
}

// WriteRecord 记录一次发送
type WriteRecord struct {
	Frame     can.Frame
	Timestamp time.Time
}

// AutoResponse 定义预设的自动响应
type AutoResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    can.Frame     // 注入到本端接收队列的响应帧
	Delay       time.Duration // 响应延迟
}

// NewVirtualBus 创建一个独立的虚拟总线
func NewVirtualBus(name string, logger *slog.Logger) *VirtualBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &VirtualBus{
		name:   name,
		logger: logger.With("bus", name),
		rx:     newRxQueue(RxChannelBufferSize),
	}
}

// NewVirtualPair 创建两端互联的虚拟总线，例如 ECU 模拟器与诊断仪
func NewVirtualPair(logger *slog.Logger) (*VirtualBus, *VirtualBus) {
	a := NewVirtualBus("vcan-a", logger)
	b := NewVirtualBus("vcan-b", logger)
	a.peer, b.peer = b, a
	return a, b
}

func (v *VirtualBus) Name() string { return v.name }

func (v *VirtualBus) Send(f can.Frame) error {
	if v.rx.closed() {
		return ErrClosed
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}

	v.mu.Lock()
	v.writeLog = append(v.writeLog, WriteRecord{Frame: f, Timestamp: time.Now()})
	peer := v.peer
	var triggered []AutoResponse
	for _, r := range v.responses {
		if r.matches(f) {
			triggered = append(triggered, r)
		}
	}
	v.mu.Unlock()

	logCANMessage(v.logger, "TX", f)

	for _, r := range triggered {
		go func(r AutoResponse) {
			time.Sleep(r.Delay)
			_ = v.InjectFrame(r.Response)
		}(r)
	}
	if peer == nil {
		return nil
	}
	// 对端关闭时帧直接丢弃，与真实总线一致
	if err := peer.rx.push(f); err == ErrRxOverflow {
		return fmt.Errorf("%s: peer %w", v.name, err)
	}
	return nil
}

func (r AutoResponse) matches(f can.Frame) bool {
	if r.TriggerID != f.ID {
		return false
	}
	return bytes.HasPrefix(f.Data[:f.Length], r.TriggerData)
}

func (v *VirtualBus) Recv(timeout time.Duration) (can.Frame, bool, error) {
	f, ok, err := v.rx.recv(timeout)
	if ok {
		logCANMessage(v.logger, "RX", f)
	}
	return f, ok, err
}

// InjectFrame 模拟从总线上收到一帧
func (v *VirtualBus) InjectFrame(f can.Frame) error {
	return v.rx.push(f)
}

// AddResponse 添加一条自动响应
func (v *VirtualBus) AddResponse(r AutoResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = append(v.responses, r)
}

func (v *VirtualBus) ClearResponses() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = nil
}

// WriteLog 返回发送记录的副本
func (v *VirtualBus) WriteLog() []WriteRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]WriteRecord(nil), v.writeLog...)
}

func (v *VirtualBus) ClearWriteLog() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writeLog = nil
}

func (v *VirtualBus) Shutdown() error {
	v.rx.close()
	v.logger.Debug("virtual bus closed")
	return nil
}
