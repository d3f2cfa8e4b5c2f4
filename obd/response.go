package obd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/tp"
)

// UnsupportedPolicy decides how an ECU answers requests it has no value for.
type UnsupportedPolicy int

const (
	PolicyNoResponse UnsupportedPolicy = iota
	PolicyNRC12
	PolicyNRC11
)

func ParsePolicy(s string) (UnsupportedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no_response", "silent":
		return PolicyNoResponse, nil
	case "nrc12", "0x12":
		return PolicyNRC12, nil
	case "nrc11", "0x11":
		return PolicyNRC11, nil
	default:
		return 0, fmt.Errorf("unknown unsupported-PID policy %q", s)
	}
}

func (p UnsupportedPolicy) String() string {
	switch p {
	case PolicyNoResponse:
		return "none"
	case PolicyNRC12:
		return "nrc12"
	case PolicyNRC11:
		return "nrc11"
	default:
		return fmt.Sprintf("UnsupportedPolicy(%d)", int(p))
	}
}

type ResultKind int

const (
	ResultNone ResultKind = iota
	ResultSingle
	ResultNegative
	ResultMulti
)

// Result is what one ECU sends back for one request.
type Result struct {
	Kind ResultKind
	// Frame holds the single or negative response frame.
	Frame       []byte
	Frames      [][]byte
	TotalLength int
	NRC         byte
}

// Generator synthesizes responses from a value provider.
type Generator struct {
	provider profile.Provider
	policy   UnsupportedPolicy
	logger   *slog.Logger
}

func NewGenerator(provider profile.Provider, policy UnsupportedPolicy, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{provider: provider, policy: policy, logger: logger}
}

func (g *Generator) Generate(req *Request, ecu profile.ECUConfig) Result {
	r, ok := g.provider.Lookup(req.Service, req.PID, ecu.ResponseID)
	if !ok {
		return g.unsupported(req, ecu)
	}
	switch {
	case r.Multi != nil:
		return Result{Kind: ResultMulti, Frames: r.Multi.Frames, TotalLength: r.Multi.TotalLength}
	case r.Single != nil:
		return Result{Kind: ResultSingle, Frame: r.Single}
	}

	body := BuildPayload(req.Service, req.PID, r.Data)
	if len(body) <= tp.FrameLength-1 {
		return Result{Kind: ResultSingle, Frame: BuildSingleFrame(req.Service, req.PID, r.Data, ecu.PadByte)}
	}
	frames, err := tp.Segment(body, ecu.PadByte)
	if err != nil {
		g.logger.Warn("cannot frame response", "ecu", ecu.String(), "request", req.PIDKey(), "err", err)
		return g.unsupported(req, ecu)
	}
	return Result{Kind: ResultMulti, Frames: frames, TotalLength: len(body)}
}

func (g *Generator) unsupported(req *Request, ecu profile.ECUConfig) Result {
	var nrc byte
	switch g.policy {
	case PolicyNRC12:
		nrc = NRCSubFunctionNotSupported
	case PolicyNRC11:
		nrc = NRCServiceNotSupported
	default:
		return Result{Kind: ResultNone}
	}
	return Result{Kind: ResultNegative, NRC: nrc, Frame: BuildNegativeResponse(req.Service, nrc, ecu.PadByte)}
}

// BuildPayload returns the positive response payload [service+0x40, pid?, data...].
func BuildPayload(service byte, pid *byte, data []byte) []byte {
	out := make([]byte, 0, 2+len(data))
	out = append(out, service+PositiveResponseOffset)
	if pid != nil {
		out = append(out, *pid)
	}
	return append(out, data...)
}

// BuildSingleFrame returns [len, service+0x40, pid?, data..., pad...]. It
// returns nil when the payload does not fit in one frame.
func BuildSingleFrame(service byte, pid *byte, data []byte, pad byte) []byte {
	body := BuildPayload(service, pid, data)
	if len(body) > tp.FrameLength-1 {
		return nil
	}
	return tp.Pad(append([]byte{byte(len(body))}, body...), pad)
}

// BuildNegativeResponse returns [0x03, 0x7F, service, nrc, pad...].
func BuildNegativeResponse(service, nrc, pad byte) []byte {
	return tp.Pad([]byte{0x03, NegativeResponseSID, service, nrc}, pad)
}
