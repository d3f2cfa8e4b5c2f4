package tp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"
)

// recordingBus is a virtual CAN bus that keeps every transmitted frame.
type recordingBus struct {
	mu     sync.Mutex
	frames []can.Frame
	fail   error
}

func (b *recordingBus) Send(f can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.frames = append(b.frames, f)
	return nil
}

func (b *recordingBus) sent() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.frames...)
}

var ecm = Endpoint{ResponseID: 0x7E8, RequestID: 0x7E0, Index: 0, Pad: 0xAA}

func threeFrames() [][]byte {
	return [][]byte{
		{0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x47, 0x31},
		{0x21, 0x4A, 0x43, 0x35, 0x34, 0x34, 0x34, 0x52},
		{0x22, 0x37, 0x32, 0x35, 0x32, 0x33, 0x36, 0x37},
	}
}

func newTestHandler(t *testing.T, bus Sender, cfg Config, opts ...HandlerOption) *Handler {
	t.Helper()
	h, err := NewHandler(bus, cfg, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestHandler_SingleFramePadded(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHandler(t, bus, DefaultConfig())
	h.SendSingleFrame(ecm, []byte{0x02, 0x41, 0x00})

	frames := bus.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.ID != 0x7E8 || f.IsExtended || f.Length != 8 {
		t.Errorf("unexpected header: %v", f)
	}
	want := can.Data{0x02, 0x41, 0x00, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	if f.Data != want {
		t.Errorf("unexpected data % X", f.Data[:])
	}
}

func TestHandler_SingleFrameExtended(t *testing.T) {
	bus := &recordingBus{}
	cfg := DefaultConfig()
	cfg.Extended = true
	h := newTestHandler(t, bus, cfg)
	h.SendSingleFrame(Endpoint{ResponseID: 0x7EA, RequestID: 0x7E2, Index: 2}, []byte{0x01})

	f := bus.sent()[0]
	if f.ID != 0x18DAF102 || !f.IsExtended {
		t.Errorf("expected 0x18DAF102 extended, got 0x%X ext=%v", f.ID, f.IsExtended)
	}
}

func TestHandler_TxErrorIsNotPropagated(t *testing.T) {
	bus := &recordingBus{fail: errors.New("bus off")}
	var count int
	h := newTestHandler(t, bus, DefaultConfig(), WithTxErrorHook(func(error) { count++ }))
	h.SendSingleFrame(ecm, []byte{0x01, 0x41})
	if count != 1 {
		t.Errorf("expected tx error hook once, got %d", count)
	}
}

func TestHandler_MultiFrameCTSNoBlockLimit(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHandler(t, bus, DefaultConfig(), WithSleep(func(time.Duration) {}))

	h.StartMultiFrame(ecm, threeFrames(), 20)
	if got := len(bus.sent()); got != 1 {
		t.Fatalf("expected only the First Frame before flow control, got %d frames", got)
	}
	if !h.HasSession(0x7E8) {
		t.Fatal("session should be waiting for flow control")
	}

	if !h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x00, 0x00, 0, 0, 0, 0, 0}) {
		t.Fatal("flow control should be consumed")
	}
	frames := bus.sent()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames after CTS, got %d", len(frames))
	}
	for i, f := range frames {
		want := threeFrames()[i]
		for j := range want {
			if f.Data[j] != want[j] {
				t.Fatalf("frame %d differs: % X", i, f.Data[:])
			}
		}
	}
	if h.HasSession(0x7E8) || h.ActiveSessions() != 0 {
		t.Error("session should be removed after the last frame")
	}

	// a repeated CTS finds no session
	if h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x00, 0x00}) {
		t.Error("second CTS should be a no-op")
	}
	if len(bus.sent()) != 3 {
		t.Error("no frame expected after a repeated CTS")
	}
}

func TestHandler_OverflowAborts(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHandler(t, bus, DefaultConfig())

	h.StartMultiFrame(ecm, threeFrames(), 20)
	if !h.HandleFlowControl(0x7E0, false, []byte{0x32, 0x00, 0x00}) {
		t.Fatal("overflow should be consumed by the session")
	}
	if h.HasSession(0x7E8) {
		t.Error("overflow must remove the session")
	}
	h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x00, 0x00})
	if got := len(bus.sent()); got != 1 {
		t.Errorf("expected only the First Frame, got %d", got)
	}
}

func TestHandler_BlockSizeAndWait(t *testing.T) {
	bus := &recordingBus{}
	var gaps []time.Duration
	h := newTestHandler(t, bus, DefaultConfig(), WithSleep(func(d time.Duration) { gaps = append(gaps, d) }))

	payload := make([]byte, 6+7*5)
	frames, err := Segment(payload, 0xAA)
	if err != nil {
		t.Fatal(err)
	}
	h.StartMultiFrame(ecm, frames, len(payload))

	// BS=2, STmin=10ms
	h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x02, 0x0A})
	if got := len(bus.sent()); got != 3 {
		t.Fatalf("expected FF + 2 CF, got %d", got)
	}
	if len(gaps) != 1 || gaps[0] != 10*time.Millisecond {
		t.Errorf("expected a single 10ms gap inside the block, got %v", gaps)
	}

	h.HandleFlowControl(0x7E0, false, []byte{0x31, 0x00, 0x00})
	if got := len(bus.sent()); got != 3 {
		t.Fatalf("WAIT must not release frames, got %d", got)
	}
	if !h.HasSession(0x7E8) {
		t.Fatal("WAIT must keep the session")
	}

	h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x02, 0x0A})
	h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x02, 0x0A})
	sent := bus.sent()
	if len(sent) != 6 {
		t.Fatalf("expected all 6 frames, got %d", len(sent))
	}
	for i, f := range sent[1:] {
		if seq := f.Data[0]; seq != 0x21+byte(i) {
			t.Errorf("frame %d: sequence %02X", i+1, seq)
		}
	}
	// first frame of each resumed block goes out without a gap
	if len(gaps) != 2 {
		t.Errorf("expected 2 gaps, got %v", gaps)
	}
	if h.HasSession(0x7E8) {
		t.Error("session should be complete")
	}
}

func TestHandler_MaxWaitFrame(t *testing.T) {
	bus := &recordingBus{}
	cfg := DefaultConfig()
	cfg.MaxWaitFrame = 1
	h := newTestHandler(t, bus, cfg)

	h.StartMultiFrame(ecm, threeFrames(), 20)
	h.HandleFlowControl(0x7E0, false, []byte{0x31, 0x00, 0x00})
	if !h.HasSession(0x7E8) {
		t.Fatal("first WAIT is tolerated")
	}
	h.HandleFlowControl(0x7E0, false, []byte{0x31, 0x00, 0x00})
	if h.HasSession(0x7E8) {
		t.Error("second WAIT exceeds MaxWaitFrame")
	}
}

func TestHandler_FlowControlTimeout(t *testing.T) {
	bus := &recordingBus{}
	cfg := DefaultConfig()
	cfg.TimeoutN_Bs = 50 * time.Millisecond
	expired := make(chan uint32, 1)
	h := newTestHandler(t, bus, cfg, WithExpiryHook(func(id uint32) { expired <- id }))

	h.StartMultiFrame(ecm, threeFrames(), 20)
	select {
	case id := <-expired:
		if id != 0x7E8 {
			t.Errorf("unexpected expired session 0x%X", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	if h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x00, 0x00}) {
		t.Error("flow control after expiry should be orphaned")
	}
}

func TestHandler_ReplaceSession(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHandler(t, bus, DefaultConfig())

	h.StartMultiFrame(ecm, threeFrames(), 20)
	h.StartMultiFrame(ecm, threeFrames(), 20)
	if h.ActiveSessions() != 1 {
		t.Errorf("expected a single session per ECU, got %d", h.ActiveSessions())
	}
	h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x00, 0x00})
	if got := len(bus.sent()); got != 4 {
		t.Errorf("expected two First Frames and two CFs, got %d", got)
	}
}

func TestHandler_ExtendedFlowControl(t *testing.T) {
	bus := &recordingBus{}
	cfg := DefaultConfig()
	cfg.Extended = true
	h := newTestHandler(t, bus, cfg)
	ep := Endpoint{ResponseID: 0x7E9, RequestID: 0x7E1, Index: 1}

	h.StartMultiFrame(ep, threeFrames(), 20)
	if !h.HandleFlowControl(0x18DA01F1, true, []byte{0x30, 0x00, 0x00}) {
		t.Fatal("29-bit flow control should map onto the 11-bit session key")
	}
	for _, f := range bus.sent() {
		if f.ID != 0x18DAF101 || !f.IsExtended {
			t.Errorf("unexpected wire id 0x%X", f.ID)
		}
	}
}

func TestHandler_ConcurrentSessions(t *testing.T) {
	// run with -race
	bus := &recordingBus{}
	h := newTestHandler(t, bus, DefaultConfig())
	var wg sync.WaitGroup
	for idx := 0; idx < MaxECUs; idx++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ep := Endpoint{ResponseID: ResponseIDFor(idx, false), RequestID: PhysicalRequestIDFor(idx, false), Index: idx}
			h.StartMultiFrame(ep, threeFrames(), 20)
			h.HandleFlowControl(ep.RequestID, false, []byte{0x30, 0x00, 0x00})
		}(idx)
	}
	wg.Wait()
	if got := len(bus.sent()); got != 3*MaxECUs {
		t.Errorf("expected %d frames, got %d", 3*MaxECUs, got)
	}
	if h.ActiveSessions() != 0 {
		t.Errorf("expected no sessions left, got %d", h.ActiveSessions())
	}
}

func TestHandler_CloseInterruptsSeparationTime(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHandler(t, bus, DefaultConfig())

	h.StartMultiFrame(ecm, threeFrames(), 20)
	done := make(chan struct{})
	go func() {
		h.HandleFlowControl(0x7E0, false, []byte{0x30, 0x00, 0x7F})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(bus.sent()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("first consecutive frame was not sent")
		}
		time.Sleep(time.Millisecond)
	}
	closed := time.Now()
	h.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flow control handling still blocked after Close")
	}
	if waited := time.Since(closed); waited > 60*time.Millisecond {
		t.Errorf("separation time wait not interrupted, took %v", waited)
	}
	if got := len(bus.sent()); got != 2 {
		t.Errorf("expected the session to be abandoned after 2 frames, got %d", got)
	}

	h.StartMultiFrame(ecm, threeFrames(), 20)
	if got := len(bus.sent()); got != 2 {
		t.Errorf("a closed handler must not start sessions, got %d frames", got)
	}
}
