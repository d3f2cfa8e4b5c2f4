package simulator

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/LoveWonYoung/obd2sim/obd"
)

// Stats counts simulator traffic. All methods are safe for concurrent use.
type Stats struct {
	mu sync.Mutex
	s  StatsSnapshot
}

type StatsSnapshot struct {
	Requests           uint64
	Responses          uint64
	SingleFrames       uint64
	MultiFrameSessions uint64
	NegativeResponses  uint64
	Unanswered         uint64
	FlowControls       uint64
	Broadcasts         uint64
	Errors             uint64
	SessionTimeouts    uint64

	PerECU map[string]uint64
	PerPID map[string]uint64

	Started time.Time
}

func newStats() *Stats {
	return &Stats{s: StatsSnapshot{PerECU: map[string]uint64{}, PerPID: map[string]uint64{}}}
}

func (s *Stats) update(fn func(*StatsSnapshot)) {
	s.mu.Lock()
	fn(&s.s)
	s.mu.Unlock()
}

func (s *Stats) reset(now time.Time) {
	s.update(func(st *StatsSnapshot) {
		*st = StatsSnapshot{PerECU: map[string]uint64{}, PerPID: map[string]uint64{}, Started: now}
	})
}

func (s *Stats) request(pidKey string) {
	s.update(func(st *StatsSnapshot) {
		st.Requests++
		st.PerPID[pidKey]++
	})
}

func (s *Stats) response(ecu string, kind obd.ResultKind) {
	s.update(func(st *StatsSnapshot) {
		st.Responses++
		st.PerECU[ecu]++
		switch kind {
		case obd.ResultSingle:
			st.SingleFrames++
		case obd.ResultMulti:
			st.MultiFrameSessions++
		case obd.ResultNegative:
			st.NegativeResponses++
		}
	})
}

func (s *Stats) unanswered() { s.update(func(st *StatsSnapshot) { st.Unanswered++ }) }

func (s *Stats) flowControl() { s.update(func(st *StatsSnapshot) { st.FlowControls++ }) }

func (s *Stats) broadcast() { s.update(func(st *StatsSnapshot) { st.Broadcasts++ }) }

func (s *Stats) fail() { s.update(func(st *StatsSnapshot) { st.Errors++ }) }

func (s *Stats) sessionTimeout() { s.update(func(st *StatsSnapshot) { st.SessionTimeouts++ }) }

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.s
	out.PerECU = maps.Clone(s.s.PerECU)
	out.PerPID = maps.Clone(s.s.PerPID)
	return out
}

// LogSummary writes the counters as one structured record.
func (s StatsSnapshot) LogSummary(logger *slog.Logger) {
	var uptime time.Duration
	if !s.Started.IsZero() {
		uptime = time.Since(s.Started).Round(time.Millisecond)
	}
	logger.Info("simulator statistics",
		"uptime", uptime,
		"requests", s.Requests,
		"responses", s.Responses,
		"single_frames", s.SingleFrames,
		"multi_frame_sessions", s.MultiFrameSessions,
		"negative_responses", s.NegativeResponses,
		"unanswered", s.Unanswered,
		"flow_controls", s.FlowControls,
		"broadcasts", s.Broadcasts,
		"errors", s.Errors,
		"session_timeouts", s.SessionTimeouts,
		slog.Any("per_ecu", s.PerECU),
		slog.Any("per_pid", s.PerPID),
	)
}
