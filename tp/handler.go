package tp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.einride.tech/can"
)

// Sender is the transmit half of a CAN bus.
type Sender interface {
	Send(frame can.Frame) error
}

// Endpoint identifies the ECU side of a conversation in 11-bit form.
type Endpoint struct {
	ResponseID uint32
	RequestID  uint32
	Index      int
	Pad        byte
}

type session struct {
	ecuID     uint32
	testerID  uint32
	wireID    uint32
	pad       byte
	frames    [][]byte
	total     int
	index     int
	seq       int
	waiting   bool
	blockSize int
	stMin     time.Duration
	inBlock   int
	waits     int
}

// Handler transmits ECU responses and owns the multi-frame sessions that
// are paced by tester flow control. At most one session exists per ECU.
type Handler struct {
	bus    Sender
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions *ttlcache.Cache[uint32, *session]

	sleep     func(time.Duration)
	done      chan struct{}
	onTxError func(error)
	onExpire  func(ecuID uint32)
	stopEvict func()
	closeOnce sync.Once
}

type HandlerOption func(*Handler)

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithSleep replaces the separation time wait. Close still ends a session
// once fn returns.
func WithSleep(fn func(time.Duration)) HandlerOption {
	return func(h *Handler) { h.sleep = fn }
}

// WithTxErrorHook is called for every frame the bus fails to send.
func WithTxErrorHook(fn func(error)) HandlerOption {
	return func(h *Handler) { h.onTxError = fn }
}

// WithExpiryHook is called when a session times out waiting for flow control.
func WithExpiryHook(fn func(ecuID uint32)) HandlerOption {
	return func(h *Handler) { h.onExpire = fn }
}

func NewHandler(bus Sender, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ISO-TP config: %w", err)
	}
	ttl := cfg.TimeoutN_Bs
	if ttl == 0 {
		ttl = ttlcache.NoTTL
	}
	h := &Handler{
		bus:    bus,
		config: cfg,
		logger: slog.Default(),
		done:   make(chan struct{}),
		sessions: ttlcache.New[uint32, *session](
			ttlcache.WithTTL[uint32, *session](ttl),
		),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.stopEvict = h.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s := item.Value()
		h.mu.Lock()
		sent, frames := s.index, len(s.frames)
		h.mu.Unlock()
		h.logger.Warn("multi-frame session dropped",
			"ecu", fmt.Sprintf("0x%03X", item.Key()),
			"sent", sent, "frames", frames,
			"err", FlowControlTimeoutError{})
		if h.onExpire != nil {
			h.onExpire(item.Key())
		}
	})
	go h.sessions.Start()
	return h, nil
}

// Close stops session expiry and interrupts any separation time wait.
// In-flight sessions are abandoned.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.stopEvict()
		h.sessions.Stop()
		h.mu.Lock()
		h.sessions.DeleteAll()
		h.mu.Unlock()
	})
}

func (h *Handler) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// pause waits d between consecutive frames. It reports false once the
// handler is closed.
func (h *Handler) pause(d time.Duration) bool {
	if h.sleep != nil {
		h.sleep(d)
		return !h.closed()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return false
	case <-t.C:
		return true
	}
}

func (h *Handler) wireID(ep Endpoint) uint32 {
	if h.config.Extended {
		return ResponseIDFor(ep.Index, true)
	}
	return ep.ResponseID
}

func (h *Handler) transmit(id uint32, data []byte, pad byte) {
	f := NewFrame(id, h.config.Extended, data, pad)
	if err := h.bus.Send(f); err != nil {
		h.logger.Warn("transmit failed", "id", Identifier{ID: id, Extended: h.config.Extended}.String(), "data", fmt.Sprintf("% X", f.Data[:]), "err", err)
		if h.onTxError != nil {
			h.onTxError(err)
		}
	}
}

// SendSingleFrame pads data to a full frame and sends it on the ECU's
// response id. Transmit failures are logged and reported to the hook only.
func (h *Handler) SendSingleFrame(ep Endpoint, data []byte) {
	h.transmit(h.wireID(ep), data, ep.Pad)
}

// StartMultiFrame sends the First Frame of frames and parks the session until
// the tester answers with flow control. A session already running for the
// same ECU is replaced.
func (h *Handler) StartMultiFrame(ep Endpoint, frames [][]byte, totalLength int) {
	if len(frames) == 0 || h.closed() {
		return
	}
	s := &session{
		ecuID:    ep.ResponseID,
		testerID: ep.RequestID,
		wireID:   h.wireID(ep),
		pad:      ep.Pad,
		frames:   frames,
		total:    totalLength,
		index:    1,
		waiting:  true,
	}

	h.mu.Lock()
	if old := h.sessions.Get(ep.ResponseID); old != nil {
		prev := old.Value()
		h.logger.Warn("replacing in-flight multi-frame session",
			"ecu", fmt.Sprintf("0x%03X", ep.ResponseID), "sent", prev.index, "frames", len(prev.frames))
	}
	done := len(frames) == 1
	if !done {
		h.sessions.Set(ep.ResponseID, s, ttlcache.DefaultTTL)
	}
	h.mu.Unlock()

	h.logger.Debug("multi-frame start", "ecu", fmt.Sprintf("0x%03X", ep.ResponseID), "frames", len(frames), "length", totalLength)
	h.transmit(s.wireID, frames[0], s.pad)
}

// HandleFlowControl applies a tester flow control frame to the session of
// the ECU it addresses. It reports whether a session consumed the frame.
func (h *Handler) HandleFlowControl(id uint32, extended bool, data []byte) bool {
	fc, ok := ParseFlowControl(id, extended, data)
	if !ok {
		h.logger.Debug("ignoring malformed flow control", "id", fmt.Sprintf("0x%X", id), "data", fmt.Sprintf("% X", data))
		return false
	}
	tester := Identifier{ID: id, Extended: extended}.Normalize().ID
	key := ResponseBase11 + uint32(fc.ECUIndex)

	h.mu.Lock()
	item := h.sessions.Get(key)
	if item == nil || item.Value().testerID != tester {
		h.mu.Unlock()
		h.logger.Debug("orphan flow control", "id", fmt.Sprintf("0x%X", id), "err", UnexpectedFlowControlError{})
		return false
	}
	s := item.Value()

	switch fc.Status {
	case FlowStatusOverflow:
		h.sessions.Delete(key)
		h.mu.Unlock()
		h.logger.Info("multi-frame aborted", "ecu", fmt.Sprintf("0x%03X", key), "sent", s.index, "frames", len(s.frames), "err", OverflowError{})
		return true

	case FlowStatusWait:
		s.waits++
		if h.config.MaxWaitFrame > 0 && s.waits > h.config.MaxWaitFrame {
			h.sessions.Delete(key)
			h.mu.Unlock()
			h.logger.Info("multi-frame aborted", "ecu", fmt.Sprintf("0x%03X", key), "waits", s.waits, "err", MaximumWaitFrameReachedError{})
			return true
		}
		h.mu.Unlock()
		return true
	}

	if !s.waiting {
		h.mu.Unlock()
		h.logger.Debug("flow control while sending", "ecu", fmt.Sprintf("0x%03X", key))
		return true
	}
	s.waiting = false
	s.waits = 0
	s.blockSize = fc.BlockSize
	s.stMin = fc.SeparationTime
	s.inBlock = 0
	h.mu.Unlock()

	h.sendConsecutive(key)
	return true
}

// sendConsecutive sends the frames of a session until it completes or the
// negotiated block is exhausted. The lock is never held while sleeping.
func (h *Handler) sendConsecutive(key uint32) {
	first := true
	var gap time.Duration
	for {
		if !first && gap > 0 && !h.pause(gap) {
			h.logger.Debug("multi-frame abandoned", "ecu", fmt.Sprintf("0x%03X", key))
			return
		}
		first = false
		if h.closed() {
			return
		}

		h.mu.Lock()
		item := h.sessions.Get(key)
		if item == nil || item.Value().waiting {
			h.mu.Unlock()
			return
		}
		s := item.Value()
		frame := s.frames[s.index]
		s.index++
		s.inBlock++
		s.seq = int(frame[0] & 0xF)
		gap = s.stMin
		done := s.index >= len(s.frames)
		parked := !done && s.blockSize > 0 && s.inBlock >= s.blockSize
		if done {
			h.sessions.Delete(key)
		} else if parked {
			s.waiting = true
		}
		wireID, pad := s.wireID, s.pad
		h.mu.Unlock()

		h.transmit(wireID, frame, pad)
		if done {
			h.logger.Debug("multi-frame complete", "ecu", fmt.Sprintf("0x%03X", key), "frames", len(s.frames))
			return
		}
		if parked {
			return
		}
	}
}

// HasSession reports whether ecuResponseID has a live multi-frame session.
func (h *Handler) HasSession(ecuResponseID uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions.Get(ecuResponseID, ttlcache.WithDisableTouchOnHit[uint32, *session]()) != nil
}

func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	h.sessions.Range(func(*ttlcache.Item[uint32, *session]) bool {
		n++
		return true
	})
	return n
}
