package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/tp"
)

type Options struct {
	Enabled bool
	// AllowList restricts broadcasting to these ids. Empty allows all.
	AllowList []uint32
	// Jitter adds a uniform random offset in [0, Jitter) to every interval.
	Jitter time.Duration
	Logger *slog.Logger
	// OnSent and OnError are called outside the generator lock.
	OnSent  func(id uint32)
	OnError func(err error)
}

// Generator emits the unsolicited periodic traffic of a vehicle. Each
// enabled message has its own timer; the first frame goes out one full
// interval after Start.
type Generator struct {
	bus    tp.Sender
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	messages []*message
	timers   map[int]*time.Timer
	running  bool
	inflight sync.WaitGroup
	cancel   context.CancelFunc
}

func New(bus tp.Sender, msgs []profile.BroadcastConfig, opts Options) *Generator {
	g := &Generator{
		bus:    bus,
		opts:   opts,
		logger: opts.Logger,
		timers: make(map[int]*time.Timer),
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	for _, cfg := range msgs {
		if !g.enabled(cfg.CANID) {
			continue
		}
		g.messages = append(g.messages, newMessage(cfg))
	}
	return g
}

func (g *Generator) enabled(id uint32) bool {
	if !g.opts.Enabled {
		return false
	}
	return len(g.opts.AllowList) == 0 || slices.Contains(g.opts.AllowList, id)
}

func (g *Generator) delay(interval time.Duration) time.Duration {
	if g.opts.Jitter <= 0 {
		return interval
	}
	return interval + rand.N(g.opts.Jitter)
}

// Start arms one timer per enabled message. The timers stop when ctx is
// done or Stop is called.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	ctx, g.cancel = context.WithCancel(ctx)
	for i, m := range g.messages {
		g.arm(i, m)
	}
	n := len(g.messages)
	g.mu.Unlock()

	g.logger.Info("broadcast started", "messages", n)
	go func() {
		<-ctx.Done()
		g.Stop()
	}()
}

// arm schedules the next send of message i. Callers hold g.mu.
func (g *Generator) arm(i int, m *message) {
	g.timers[i] = time.AfterFunc(g.delay(m.cfg.Interval), func() { g.fire(i) })
}

func (g *Generator) fire(i int) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	m := g.messages[i]
	f := m.next()
	m.sent++
	g.arm(i, m)
	g.inflight.Add(1)
	g.mu.Unlock()
	defer g.inflight.Done()

	if err := g.bus.Send(f); err != nil {
		g.logger.Warn("broadcast send failed", "id", fmt.Sprintf("0x%X", f.ID), "err", err)
		if g.opts.OnError != nil {
			g.opts.OnError(err)
		}
		return
	}
	if g.opts.OnSent != nil {
		g.opts.OnSent(f.ID)
	}
}

// Stop cancels every timer and waits for sends already in progress.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	for i, t := range g.timers {
		t.Stop()
		delete(g.timers, i)
	}
	cancel := g.cancel
	g.mu.Unlock()

	cancel()
	g.inflight.Wait()
	g.logger.Info("broadcast stopped")
}

// Active returns the ids of messages with an armed timer.
func (g *Generator) Active() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint32, 0, len(g.timers))
	for i := range g.timers {
		ids = append(ids, g.messages[i].cfg.CANID)
	}
	slices.Sort(ids)
	return ids
}

// Messages returns the ids of all enabled messages.
func (g *Generator) Messages() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint32, len(g.messages))
	for i, m := range g.messages {
		ids[i] = m.cfg.CANID
	}
	return ids
}

// Next builds the upcoming frame of the first enabled message with id,
// advancing its counters exactly like a timed send.
func (g *Generator) Next(id uint32) (can.Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.messages {
		if m.cfg.CANID == id {
			return m.next(), true
		}
	}
	return can.Frame{}, false
}
