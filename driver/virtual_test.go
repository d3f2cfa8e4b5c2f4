package driver

import (
	"errors"
	"testing"
	"time"

	"go.einride.tech/can"
)

func frame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Length: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestVirtualPairDelivers(t *testing.T) {
	sim, tester := NewVirtualPair(nil)
	defer sim.Shutdown()
	defer tester.Shutdown()

	if err := tester.Send(frame(0x7DF, 0x02, 0x01, 0x0C)); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, ok, err := sim.Recv(100 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("recv: ok=%v err=%v", ok, err)
	}
	if f.ID != 0x7DF || f.Length != 3 || f.Data[2] != 0x0C {
		t.Fatalf("unexpected frame %v", f)
	}

	// own frames are not looped back
	if _, ok, _ := tester.Recv(10 * time.Millisecond); ok {
		t.Fatal("sender received its own frame")
	}
}

func TestVirtualRecvTimeout(t *testing.T) {
	bus := NewVirtualBus("t", nil)
	defer bus.Shutdown()

	start := time.Now()
	_, ok, err := bus.Recv(30 * time.Millisecond)
	if ok || err != nil {
		t.Fatalf("expected timeout, got ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("Recv returned before the timeout")
	}
	if _, ok, _ := bus.Recv(0); ok {
		t.Fatal("zero timeout polls without blocking")
	}
}

func TestVirtualShutdown(t *testing.T) {
	bus := NewVirtualBus("t", nil)
	_ = bus.InjectFrame(frame(0x100, 0x01))
	if err := bus.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Shutdown(); err != nil {
		t.Fatal("second Shutdown must be a no-op")
	}
	if _, _, err := bus.Recv(10 * time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after Shutdown: %v", err)
	}
	if err := bus.Send(frame(0x100)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Shutdown: %v", err)
	}
}

func TestVirtualPeerClosedDropsFrames(t *testing.T) {
	a, b := NewVirtualPair(nil)
	defer a.Shutdown()
	_ = b.Shutdown()
	if err := a.Send(frame(0x7E8, 0x02, 0x41, 0x00)); err != nil {
		t.Fatalf("send to closed peer: %v", err)
	}
}

func TestVirtualRejectsInvalidFrame(t *testing.T) {
	bus := NewVirtualBus("t", nil)
	defer bus.Shutdown()
	if err := bus.Send(can.Frame{ID: 0x800}); err == nil {
		t.Fatal("11-bit id above 0x7FF must be rejected")
	}
	if len(bus.WriteLog()) != 0 {
		t.Fatal("invalid frames are not logged")
	}
}

func TestVirtualWriteLog(t *testing.T) {
	bus := NewVirtualBus("t", nil)
	defer bus.Shutdown()
	for i := 0; i < 3; i++ {
		_ = bus.Send(frame(0x100+uint32(i), byte(i)))
	}
	log := bus.WriteLog()
	if len(log) != 3 {
		t.Fatalf("expected 3 records, got %d", len(log))
	}
	if log[2].Frame.ID != 0x102 || log[0].Timestamp.After(log[2].Timestamp) {
		t.Fatalf("unexpected write log %+v", log)
	}
	bus.ClearWriteLog()
	if len(bus.WriteLog()) != 0 {
		t.Fatal("write log not cleared")
	}
}

func TestVirtualAutoResponse(t *testing.T) {
	bus := NewVirtualBus("t", nil)
	defer bus.Shutdown()
	bus.AddResponse(AutoResponse{
		TriggerID:   0x7E0,
		TriggerData: []byte{0x02, 0x01},
		Response:    frame(0x7E8, 0x03, 0x41, 0x0D, 0x32),
		Delay:       5 * time.Millisecond,
	})

	_ = bus.Send(frame(0x7E0, 0x02, 0x09, 0x02))
	if _, ok, _ := bus.Recv(30 * time.Millisecond); ok {
		t.Fatal("prefix mismatch must not trigger")
	}

	_ = bus.Send(frame(0x7E0, 0x02, 0x01, 0x0D))
	f, ok, _ := bus.Recv(200 * time.Millisecond)
	if !ok || f.ID != 0x7E8 || f.Data[3] != 0x32 {
		t.Fatalf("auto response not injected: ok=%v %v", ok, f)
	}

	bus.ClearResponses()
	_ = bus.Send(frame(0x7E0, 0x02, 0x01, 0x0D))
	if _, ok, _ := bus.Recv(30 * time.Millisecond); ok {
		t.Fatal("responses not cleared")
	}
}

func TestRxQueueOverflow(t *testing.T) {
	q := newRxQueue(2)
	if q.push(frame(1)) != nil || q.push(frame(2)) != nil {
		t.Fatal("push into empty queue failed")
	}
	if err := q.push(frame(3)); !errors.Is(err, ErrRxOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	f, ok, _ := q.recv(0)
	if !ok || f.ID != 1 {
		t.Fatalf("queue is not FIFO: %v", f)
	}
	q.close()
	if err := q.push(frame(4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}
}
