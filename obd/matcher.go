package obd

import (
	"fmt"
	"log/slog"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/tp"
)

// Matcher recognizes OBD2 requests and flow control frames on the bus.
type Matcher struct {
	profile  *profile.Profile
	extended bool
	logger   *slog.Logger
}

func NewMatcher(p *profile.Profile, extended bool, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{profile: p, extended: extended, logger: logger}
}

func payload(f can.Frame) []byte {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (m *Matcher) identifier(f can.Frame) tp.Identifier {
	return tp.Identifier{ID: f.ID, Extended: f.IsExtended}
}

// IsRequest reports whether f was sent on a functional or physical request id
// of the configured addressing mode.
func (m *Matcher) IsRequest(f can.Frame) bool {
	if f.IsExtended != m.extended {
		return false
	}
	return m.identifier(f).IsRequest()
}

// IsFlowControl reports whether f is a flow control frame from the tester.
func (m *Matcher) IsFlowControl(f can.Frame) bool {
	if f.IsExtended != m.extended || !m.identifier(f).IsPhysicalRequest() {
		return false
	}
	t, ok := tp.FrameType(payload(f))
	return ok && t == tp.PDUFlowControl
}

func (m *Matcher) ParseFlowControl(f can.Frame) (tp.FlowControl, bool) {
	return tp.ParseFlowControl(f.ID, f.IsExtended, payload(f))
}

// ParseRequest decodes a single frame request. Anything else yields false.
func (m *Matcher) ParseRequest(f can.Frame) (*Request, bool) {
	if !m.IsRequest(f) {
		return nil, false
	}
	data := payload(f)
	t, ok := tp.FrameType(data)
	if !ok {
		m.logger.Debug("unknown PCI", "id", m.identifier(f).String(), "data", fmt.Sprintf("% X", data))
		return nil, false
	}
	if t != tp.PDUSingleFrame {
		m.logger.Debug("ignoring multi-frame request", "id", m.identifier(f).String(), "type", tp.FrameTypeName(t))
		return nil, false
	}
	n := int(data[0] & 0x0F)
	if n < 1 || n > 7 || n > len(data)-1 {
		m.logger.Debug("bad single frame length", "id", m.identifier(f).String(), "length", n, "dlc", len(data))
		return nil, false
	}

	id := m.identifier(f)
	req := &Request{
		Service:    data[1],
		Functional: id.IsFunctionalRequest(),
		TargetECU:  -1,
		Raw:        f,
		CANID:      f.ID,
		Extended:   f.IsExtended,
	}
	if !req.Functional {
		req.TargetECU, _ = id.TargetECUIndex()
	}
	if n >= 2 {
		pid := data[2]
		req.PID = &pid
	}
	if n >= 3 {
		req.Data = append([]byte(nil), data[3:1+n]...)
	}
	return req, true
}

// TargetECUs resolves the ECUs that must answer req, in configuration order.
func (m *Matcher) TargetECUs(req *Request) []profile.ECUConfig {
	if req.Functional {
		return m.profile.ECUs()
	}
	ecu, ok := m.profile.ECUByIndex(req.TargetECU)
	if !ok {
		return nil
	}
	return []profile.ECUConfig{ecu}
}
