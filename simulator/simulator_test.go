package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"github.com/LoveWonYoung/obd2sim/driver"
	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/tp"
)

func bytePtr(b byte) *byte { return &b }

var vinFrames = [][]byte{
	{0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x47, 0x31},
	{0x21, 0x4A, 0x43, 0x35, 0x34, 0x34, 0x34, 0x52},
	{0x22, 0x37, 0x32, 0x35, 0x32, 0x33, 0x36, 0x37},
}

func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.New(profile.Vehicle{Make: "Chevrolet", Model: "Volt"}, []profile.ECUConfig{
		{Name: "ECM", ResponseID: 0x7E8, PhysicalRequestID: 0x7E0, Index: 0, PadByte: 0xAA},
		{Name: "TCM", ResponseID: 0x7E9, PhysicalRequestID: 0x7E1, Index: 1, PadByte: 0x55},
	})
	require.NoError(t, err)
	require.NoError(t, p.AddResponse(0x7E8, 0x01, bytePtr(0x00), profile.Response{Single: []byte{0x06, 0x41, 0x00, 0xBE, 0x3F, 0xA8, 0x13, 0xAA}}))
	require.NoError(t, p.AddResponse(0x7E9, 0x01, bytePtr(0x00), profile.Response{Single: []byte{0x06, 0x41, 0x00, 0x80, 0x00, 0x00, 0x01, 0x55}}))
	require.NoError(t, p.AddResponse(0x7E8, 0x01, bytePtr(0x0C), profile.Response{Data: []byte{0x0B, 0xE8}}))
	require.NoError(t, p.AddResponse(0x7E8, 0x09, bytePtr(0x02), profile.Response{Multi: &profile.MultiFrame{Frames: vinFrames, TotalLength: 20}}))
	require.NoError(t, p.AddBroadcast(profile.BroadcastConfig{
		CANID: 0x3E9, Interval: 20 * time.Millisecond, DLC: 8, Pattern: profile.PatternStatic, Payload: []byte{0x00, 0x11, 0x22, 0x33},
	}))
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Broadcast.Enabled = false
	cfg.InterECUDelay = 30 * time.Millisecond
	cfg.PollTimeout = 10 * time.Millisecond
	return cfg
}

type received struct {
	frame can.Frame
	at    time.Time
}

// start runs a simulator on one end of a virtual pair and returns the
// tester end.
func start(t *testing.T, cfg Config, opts ...Option) (*Simulator, *driver.VirtualBus) {
	t.Helper()
	simBus, tester := driver.NewVirtualPair(nil)
	sim, err := New(cfg, testProfile(t), simBus, opts...)
	require.NoError(t, err)
	require.NoError(t, sim.Start(context.Background()))
	t.Cleanup(func() {
		_ = sim.Stop()
		_ = tester.Shutdown()
	})
	return sim, tester
}

func send(t *testing.T, bus *driver.VirtualBus, id uint32, extended bool, data ...byte) {
	t.Helper()
	require.NoError(t, bus.Send(tp.NewFrame(id, extended, data, 0x00)))
}

// collect reads frames until n arrived or timeout elapsed.
func collect(bus *driver.VirtualBus, n int, timeout time.Duration) []received {
	var out []received
	deadline := time.Now().Add(timeout)
	for len(out) < n {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		f, ok, err := bus.Recv(left)
		if err != nil {
			break
		}
		if ok {
			out = append(out, received{frame: f, at: time.Now()})
		}
	}
	return out
}

func TestFunctionalRequestAllECUs(t *testing.T) {
	sim, tester := start(t, testConfig())

	send(t, tester, tp.FunctionalID11, false, 0x02, 0x01, 0x00)
	got := collect(tester, 2, time.Second)
	require.Len(t, got, 2)

	assert.Equal(t, uint32(0x7E8), got[0].frame.ID)
	assert.Equal(t, can.Data{0x06, 0x41, 0x00, 0xBE, 0x3F, 0xA8, 0x13, 0xAA}, got[0].frame.Data)
	assert.Equal(t, uint32(0x7E9), got[1].frame.ID)
	assert.GreaterOrEqual(t, got[1].at.Sub(got[0].at), 25*time.Millisecond, "second ECU waits the inter-ECU delay")

	assert.Empty(t, collect(tester, 1, 50*time.Millisecond), "exactly two responses")

	st := sim.Stats()
	assert.Equal(t, uint64(1), st.Requests)
	assert.Equal(t, uint64(2), st.Responses)
	assert.Equal(t, uint64(2), st.SingleFrames)
	assert.Equal(t, map[string]uint64{"ECM(0x7E8)": 1, "TCM(0x7E9)": 1}, st.PerECU)
	assert.Equal(t, map[string]uint64{"01/00": 1}, st.PerPID)
}

func TestPhysicalRequestBuildsSingleFrame(t *testing.T) {
	_, tester := start(t, testConfig())

	send(t, tester, 0x7E0, false, 0x02, 0x01, 0x0C)
	got := collect(tester, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0x7E8), got[0].frame.ID)
	assert.Equal(t, can.Data{0x04, 0x41, 0x0C, 0x0B, 0xE8, 0xAA, 0xAA, 0xAA}, got[0].frame.Data)
}

func TestVINMultiFrame(t *testing.T) {
	sim, tester := start(t, testConfig())

	send(t, tester, 0x7E0, false, 0x02, 0x09, 0x02)
	got := collect(tester, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, can.Data{0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x47, 0x31}, got[0].frame.Data, "First Frame is sent immediately")
	assert.Empty(t, collect(tester, 1, 50*time.Millisecond), "consecutive frames wait for flow control")

	send(t, tester, 0x7E0, false, 0x30, 0x00, 0x00)
	got = collect(tester, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, byte(0x21), got[0].frame.Data[0])
	assert.Equal(t, byte(0x22), got[1].frame.Data[0])

	st := sim.Stats()
	assert.Equal(t, uint64(1), st.MultiFrameSessions)
	assert.Equal(t, uint64(1), st.FlowControls)
}

func TestUnsupportedPID(t *testing.T) {
	cfg := testConfig()
	_, tester := start(t, cfg)
	send(t, tester, 0x7E1, false, 0x02, 0x01, 0x42)
	assert.Empty(t, collect(tester, 1, 60*time.Millisecond), "silent by default")

	cfg.UnsupportedPID = "nrc12"
	sim, tester := start(t, cfg)
	send(t, tester, 0x7E1, false, 0x02, 0x01, 0x42)
	got := collect(tester, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0x7E9), got[0].frame.ID)
	assert.Equal(t, can.Data{0x03, 0x7F, 0x01, 0x12, 0x55, 0x55, 0x55, 0x55}, got[0].frame.Data)
	assert.Equal(t, uint64(1), sim.Stats().NegativeResponses)
}

func TestExtendedAddressing(t *testing.T) {
	cfg := testConfig()
	cfg.Extended = true
	_, tester := start(t, cfg)

	send(t, tester, tp.FunctionalID11, false, 0x02, 0x01, 0x00)
	assert.Empty(t, collect(tester, 1, 50*time.Millisecond), "11-bit requests are ignored")

	send(t, tester, 0x18DA01F1, true, 0x02, 0x01, 0x00)
	got := collect(tester, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0x18DAF101), got[0].frame.ID)
	assert.True(t, got[0].frame.IsExtended)
}

func TestIgnoresForeignTraffic(t *testing.T) {
	sim, tester := start(t, testConfig())
	send(t, tester, 0x123, false, 0x02, 0x01, 0x00)
	send(t, tester, 0x7E0, false, 0x10, 0x0A, 0x22, 0xF1)
	send(t, tester, 0x7E2, false, 0x30, 0x00, 0x00)
	send(t, tester, 0x7E5, false, 0x02, 0x01, 0x00)
	assert.Empty(t, collect(tester, 1, 60*time.Millisecond))

	st := sim.Stats()
	assert.Equal(t, uint64(1), st.Requests, "only the request to a missing ECU is counted")
	assert.Equal(t, uint64(1), st.Unanswered)
	assert.Zero(t, st.Errors)
}

func TestBroadcasts(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcast.Enabled = true
	sim, tester := start(t, cfg)

	got := collect(tester, 3, time.Second)
	require.Len(t, got, 3)
	for _, r := range got {
		assert.Equal(t, uint32(0x3E9), r.frame.ID)
	}
	assert.Eventually(t, func() bool { return sim.Stats().Broadcasts >= 3 }, time.Second, 5*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	simBus, tester := driver.NewVirtualPair(nil)
	defer tester.Shutdown()
	sim, err := New(testConfig(), testProfile(t), simBus)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, sim.State())

	require.NoError(t, sim.Start(context.Background()))
	assert.Equal(t, StateRunning, sim.State())
	assert.ErrorIs(t, sim.Start(context.Background()), ErrRunning)

	require.NoError(t, sim.Stop())
	assert.Equal(t, StateStopped, sim.State())
	assert.NoError(t, sim.Stop(), "Stop is idempotent")
	assert.ErrorIs(t, simBus.Send(can.Frame{ID: 0x7E8}), driver.ErrClosed, "the bus is released")
	assert.ErrorIs(t, sim.Start(context.Background()), ErrFinished)
}

func TestRunStopsOnCancel(t *testing.T) {
	simBus, tester := driver.NewVirtualPair(nil)
	defer tester.Shutdown()
	sim, err := New(testConfig(), testProfile(t), simBus)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	require.Eventually(t, func() bool { return sim.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunEndsWhenBusCloses(t *testing.T) {
	simBus, tester := driver.NewVirtualPair(nil)
	defer tester.Shutdown()
	sim, err := New(testConfig(), testProfile(t), simBus)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sim.Run(context.Background()) }()
	require.Eventually(t, func() bool { return sim.State() == StateRunning }, time.Second, time.Millisecond)
	_ = simBus.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, driver.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the bus closed")
	}
}

func TestValueModes(t *testing.T) {
	cfg := testConfig()
	cfg.ValueMode = "random"
	simBus := driver.NewVirtualBus("t", nil)
	defer simBus.Shutdown()
	_, err := New(cfg, testProfile(t), simBus)
	assert.ErrorIs(t, err, profile.ErrNotImplemented)

	sim, err := New(testConfig(), testProfile(t), simBus, WithProvider(profile.ScenarioProvider{}))
	require.NoError(t, err)
	assert.Panics(t, func() {
		sim.handleFrame(context.Background(), tp.NewFrame(0x7E0, false, []byte{0x02, 0x01, 0x0C}, 0))
	}, "unimplemented providers fail loudly")
}

func TestNewValidates(t *testing.T) {
	bus := driver.NewVirtualBus("t", nil)
	defer bus.Shutdown()
	_, err := New(testConfig(), nil, bus)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig()
	cfg.PollTimeout = 0
	_, err = New(cfg, testProfile(t), bus)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStopAbandonsMultiFrameBurst(t *testing.T) {
	p := testProfile(t)
	require.NoError(t, p.AddResponse(0x7E8, 0x09, bytePtr(0x0A), profile.Response{Data: make([]byte, 100)}))

	cfg := testConfig()
	simBus, tester := driver.NewVirtualPair(nil)
	defer tester.Shutdown()
	sim, err := New(cfg, p, simBus)
	require.NoError(t, err)
	require.NoError(t, sim.Start(context.Background()))

	send(t, tester, 0x7E0, false, 0x02, 0x09, 0x0A)
	require.Len(t, collect(tester, 1, time.Second), 1)

	// 127 ms between each of the 14 consecutive frames
	send(t, tester, 0x7E0, false, 0x30, 0x00, 0x7F)
	time.Sleep(20 * time.Millisecond)

	begin := time.Now()
	require.NoError(t, sim.Stop())
	took := time.Since(begin)
	assert.Less(t, took, 5*cfg.PollTimeout+100*time.Millisecond, "Stop took %v", took)
	assert.Equal(t, StateStopped, sim.State())
}
