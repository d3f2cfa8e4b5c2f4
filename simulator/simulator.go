package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.einride.tech/can"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/obd2sim/broadcast"
	"github.com/LoveWonYoung/obd2sim/driver"
	"github.com/LoveWonYoung/obd2sim/obd"
	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/tp"
)

var (
	ErrRunning  = errors.New("simulator already running")
	ErrFinished = errors.New("simulator already stopped")
)

type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

type Option func(*Simulator)

func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithProvider replaces the provider selected by Config.ValueMode.
func WithProvider(p profile.Provider) Option {
	return func(s *Simulator) { s.provider = p }
}

// Simulator answers OBD2 requests for every ECU of a profile and emits the
// profile's broadcast traffic. A Simulator runs once: it owns the bus and
// releases it on Stop.
type Simulator struct {
	cfg      Config
	profile  *profile.Profile
	bus      driver.Bus
	logger   *slog.Logger
	provider profile.Provider

	matcher     *obd.Matcher
	generator   *obd.Generator
	handler     *tp.Handler
	broadcaster *broadcast.Generator
	stats       *Stats

	mu       sync.Mutex
	state    State
	finished bool
	runCtx   context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func New(cfg Config, p *profile.Profile, bus driver.Bus, opts ...Option) (*Simulator, error) {
	if p == nil || bus == nil {
		return nil, fmt.Errorf("%w: profile and bus are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{cfg: cfg, profile: p, bus: bus, logger: slog.Default(), stats: newStats()}
	for _, opt := range opts {
		opt(s)
	}

	policy, _ := obd.ParsePolicy(cfg.UnsupportedPID)
	if s.provider == nil {
		mode, _ := profile.ParseMode(cfg.ValueMode)
		provider, err := profile.NewProvider(mode, p)
		if err != nil {
			return nil, err
		}
		s.provider = provider
	}

	handler, err := tp.NewHandler(bus, cfg.tpConfig(),
		tp.WithLogger(s.logger),
		tp.WithTxErrorHook(func(error) { s.stats.fail() }),
		tp.WithExpiryHook(func(uint32) { s.stats.sessionTimeout() }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.matcher = obd.NewMatcher(p, cfg.Extended, s.logger)
	s.generator = obd.NewGenerator(s.provider, policy, s.logger)
	s.handler = handler
	s.broadcaster = broadcast.New(bus, p.BroadcastMessages(), broadcast.Options{
		Enabled:   cfg.Broadcast.Enabled,
		AllowList: cfg.Broadcast.IDs,
		Jitter:    cfg.Jitter,
		Logger:    s.logger,
		OnSent:    func(uint32) { s.stats.broadcast() },
		OnError:   func(error) { s.stats.fail() },
	})
	return s, nil
}

// Start launches the receive loop and the broadcast timers. ctx cancellation
// stops both; Stop must still be called to release the bus.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrRunning
	}
	if s.finished {
		return ErrFinished
	}

	s.stats.reset(time.Now())
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.runCtx, s.cancel, s.group = gctx, cancel, g

	g.Go(func() error { return s.receiveLoop(gctx) })
	s.broadcaster.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		s.broadcaster.Stop()
		return nil
	})
	s.state = StateRunning

	s.logger.Info("simulator running",
		"ecus", len(s.profile.ECUs()),
		"responses", s.profile.ResponseCount(),
		"broadcasts", len(s.broadcaster.Messages()),
		"extended", s.cfg.Extended,
		"value_mode", s.provider.Mode().String(),
		"unsupported_pid", s.cfg.UnsupportedPID)
	return nil
}

// Stop joins the receive loop, cancels broadcast timers, abandons in-flight
// multi-frame sessions, releases the bus and logs the final statistics.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	s.handler.Close()
	loopErr := g.Wait()
	busErr := s.bus.Shutdown()

	s.mu.Lock()
	s.state = StateStopped
	s.finished = true
	s.mu.Unlock()

	s.stats.Snapshot().LogSummary(s.logger)
	s.logger.Info("simulator stopped")
	return errors.Join(loopErr, busErr)
}

// Run starts the simulator and blocks until ctx is done or the receive loop
// fails, then stops it.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.runCtx.Done()
	s.mu.Unlock()
	<-done
	return s.Stop()
}

func (s *Simulator) Stats() StatsSnapshot { return s.stats.Snapshot() }

func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Simulator) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		f, ok, err := s.bus.Recv(s.cfg.PollTimeout)
		if errors.Is(err, driver.ErrClosed) {
			return fmt.Errorf("receive: %w", err)
		}
		if err != nil {
			s.stats.fail()
			s.logger.Warn("receive failed", "err", err)
			wait(ctx, s.cfg.PollTimeout)
			continue
		}
		if ok {
			s.handleFrame(ctx, f)
		}
	}
	return nil
}

func (s *Simulator) handleFrame(ctx context.Context, f can.Frame) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if err, ok := r.(error); ok && errors.Is(err, profile.ErrNotImplemented) {
			panic(r)
		}
		s.stats.fail()
		s.logger.Error("frame handling failed", "id", tp.Identifier{ID: f.ID, Extended: f.IsExtended}.String(), "panic", r)
	}()

	if s.matcher.IsFlowControl(f) {
		s.stats.flowControl()
		s.handler.HandleFlowControl(f.ID, f.IsExtended, f.Data[:min(int(f.Length), len(f.Data))])
		return
	}
	req, ok := s.matcher.ParseRequest(f)
	if !ok {
		return
	}
	s.stats.request(req.PIDKey())

	ecus := s.matcher.TargetECUs(req)
	if len(ecus) == 0 {
		s.logger.Debug("no ECU at target", "request", req.String())
		s.stats.unanswered()
		return
	}
	for i, ecu := range ecus {
		res := s.generator.Generate(req, ecu)
		if res.Kind == obd.ResultNone {
			s.stats.unanswered()
			continue
		}
		delay := s.cfg.ResponseDelay + ecu.ResponseDelay + s.jitter()
		if req.Functional && i > 0 {
			delay += s.cfg.InterECUDelay
		}
		if !wait(ctx, delay) {
			return
		}
		s.respond(ecu, res)
	}
}

func (s *Simulator) respond(ecu profile.ECUConfig, res obd.Result) {
	ep := ecu.Endpoint()
	switch res.Kind {
	case obd.ResultSingle, obd.ResultNegative:
		s.handler.SendSingleFrame(ep, res.Frame)
	case obd.ResultMulti:
		s.handler.StartMultiFrame(ep, res.Frames, res.TotalLength)
	default:
		return
	}
	s.stats.response(ecu.String(), res.Kind)
}

func (s *Simulator) jitter() time.Duration {
	if s.cfg.Jitter <= 0 {
		return 0
	}
	return rand.N(s.cfg.Jitter)
}

// wait sleeps for d unless ctx ends first. It reports whether d elapsed.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
