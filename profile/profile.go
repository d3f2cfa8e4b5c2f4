package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LoveWonYoung/obd2sim/tp"
)

var (
	ErrInvalidProfile = errors.New("invalid profile")
	ErrNotImplemented = errors.New("value mode not implemented")
)

type Vehicle struct {
	Make  string `yaml:"make" cbor:"make"`
	Model string `yaml:"model" cbor:"model"`
	Year  int    `yaml:"year" cbor:"year"`
	VIN   string `yaml:"vin" cbor:"vin"`
}

func (v Vehicle) String() string {
	s := strings.TrimSpace(fmt.Sprintf("%d %s %s", v.Year, v.Make, v.Model))
	if v.Year == 0 {
		s = strings.TrimSpace(v.Make + " " + v.Model)
	}
	if v.VIN != "" {
		s += " (" + v.VIN + ")"
	}
	return s
}

// ECUConfig describes one emulated ECU. Ids are always stored in 11-bit form.
type ECUConfig struct {
	Name              string
	ResponseID        uint32
	PhysicalRequestID uint32
	Index             int
	PadByte           byte
	ResponseDelay     time.Duration
}

func (e ECUConfig) Endpoint() tp.Endpoint {
	return tp.Endpoint{
		ResponseID: e.ResponseID,
		RequestID:  e.PhysicalRequestID,
		Index:      e.Index,
		Pad:        e.PadByte,
	}
}

func (e ECUConfig) String() string {
	if e.Name == "" {
		return fmt.Sprintf("ECU%d(0x%03X)", e.Index, e.ResponseID)
	}
	return fmt.Sprintf("%s(0x%03X)", e.Name, e.ResponseID)
}

type Pattern string

const (
	PatternStatic  Pattern = "static"
	PatternDynamic Pattern = "dynamic"
)

type VaryingKind string

const (
	KindRollingCounter VaryingKind = "rolling_counter"
	KindChecksum       VaryingKind = "checksum"
)

// VaryingByte is a rule for one position of a dynamic broadcast template.
type VaryingByte struct {
	Position  int
	Kind      VaryingKind
	Values    []byte
	Range     *[2]byte
	Increment int
	// Algorithm selects a computed checksum ("sum8" or "xor8"). Empty keeps
	// the first observed value.
	Algorithm string
}

type BroadcastConfig struct {
	Name         string
	CANID        uint32
	Extended     bool
	Interval     time.Duration
	DLC          int
	Pattern      Pattern
	Payload      []byte
	Template     []byte
	VaryingBytes []VaryingByte
}

// MultiFrame is a captured multi-frame answer, already segmented.
type MultiFrame struct {
	Frames      [][]byte
	TotalLength int
}

// Response is one entry of the response table. Exactly one field is set:
// Single holds a packed single frame, Data an unpacked payload that the
// response generator frames on demand, Multi a segmented reply.
type Response struct {
	Single []byte
	Data   []byte
	Multi  *MultiFrame
}

func (r Response) IsMulti() bool { return r.Multi != nil }

type responseKey struct {
	ecu     uint32
	service byte
	pid     int
}

func keyOf(ecu uint32, service byte, pid *byte) responseKey {
	k := responseKey{ecu: ecu, service: service, pid: -1}
	if pid != nil {
		k.pid = int(*pid)
	}
	return k
}

// Profile is a captured vehicle. It is built once at load time and only
// read afterwards, so it is safe for concurrent use.
type Profile struct {
	Vehicle Vehicle

	ecus       []ECUConfig
	byIndex    map[int]int
	byResponse map[uint32]int
	responses  map[responseKey]Response
	broadcasts []BroadcastConfig
}

// New validates ecus and returns an empty profile ready for AddResponse and
// AddBroadcast.
func New(vehicle Vehicle, ecus []ECUConfig) (*Profile, error) {
	p := &Profile{
		Vehicle:    vehicle,
		byIndex:    make(map[int]int),
		byResponse: make(map[uint32]int),
		responses:  make(map[responseKey]Response),
	}
	if len(ecus) == 0 {
		return nil, fmt.Errorf("%w: no ECUs configured", ErrInvalidProfile)
	}
	for _, e := range ecus {
		if err := validateECU(e); err != nil {
			return nil, err
		}
		if _, dup := p.byIndex[e.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate ECU index %d", ErrInvalidProfile, e.Index)
		}
		p.byIndex[e.Index] = len(p.ecus)
		p.byResponse[e.ResponseID] = len(p.ecus)
		p.ecus = append(p.ecus, e)
	}
	return p, nil
}

func validateECU(e ECUConfig) error {
	if e.Index < 0 || e.Index >= tp.MaxECUs {
		return fmt.Errorf("%w: %s index %d outside 0..%d", ErrInvalidProfile, e, e.Index, tp.MaxECUs-1)
	}
	if want := tp.ResponseIDFor(e.Index, false); e.ResponseID != want {
		return fmt.Errorf("%w: %s response id 0x%X, expected 0x%X", ErrInvalidProfile, e, e.ResponseID, want)
	}
	if want := tp.PhysicalRequestIDFor(e.Index, false); e.PhysicalRequestID != want {
		return fmt.Errorf("%w: %s physical request id 0x%X, expected 0x%X", ErrInvalidProfile, e, e.PhysicalRequestID, want)
	}
	if e.ResponseDelay < 0 {
		return fmt.Errorf("%w: %s negative response delay", ErrInvalidProfile, e)
	}
	return nil
}

// AddResponse registers the answer of ecuResponseID to (service, pid).
func (p *Profile) AddResponse(ecuResponseID uint32, service byte, pid *byte, r Response) error {
	if _, ok := p.byResponse[ecuResponseID]; !ok {
		return fmt.Errorf("%w: response for unknown ECU 0x%X", ErrInvalidProfile, ecuResponseID)
	}
	if err := validateResponse(r); err != nil {
		return fmt.Errorf("%w: ECU 0x%X service 0x%02X: %v", ErrInvalidProfile, ecuResponseID, service, err)
	}
	p.responses[keyOf(ecuResponseID, service, pid)] = r
	return nil
}

func validateResponse(r Response) error {
	set := 0
	if r.Single != nil {
		set++
		if len(r.Single) == 0 || len(r.Single) > tp.FrameLength {
			return fmt.Errorf("single frame must be 1..%d bytes, got %d", tp.FrameLength, len(r.Single))
		}
	}
	if r.Data != nil {
		set++
	}
	if r.Multi != nil {
		set++
		if len(r.Multi.Frames) < 2 {
			return fmt.Errorf("multi-frame reply needs at least 2 frames")
		}
		for i, f := range r.Multi.Frames {
			want := tp.PDUConsecutiveFrame
			if i == 0 {
				want = tp.PDUFirstFrame
			}
			if got, _ := tp.FrameType(f); got != want || len(f) > tp.FrameLength {
				return fmt.Errorf("frame %d: expected %s", i, tp.FrameTypeName(want))
			}
		}
		if r.Multi.TotalLength <= 0 {
			return fmt.Errorf("multi-frame total length must be positive")
		}
		ff := r.Multi.Frames[0]
		if len(ff) < 2 {
			return fmt.Errorf("first frame too short")
		}
		if announced := int(ff[0]&0x0F)<<8 | int(ff[1]); announced != r.Multi.TotalLength {
			return fmt.Errorf("total length %d, first frame announces %d", r.Multi.TotalLength, announced)
		}
		// 6 bytes in the First Frame, 7 in each Consecutive Frame.
		if want := 1 + (r.Multi.TotalLength-6+7-1)/7; r.Multi.TotalLength > 6 && len(r.Multi.Frames) != want {
			return fmt.Errorf("total length %d needs %d frames, got %d", r.Multi.TotalLength, want, len(r.Multi.Frames))
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of single, data or frames must be set")
	}
	return nil
}

// AddBroadcast registers an unsolicited periodic message.
func (p *Profile) AddBroadcast(b BroadcastConfig) error {
	if err := validateBroadcast(b); err != nil {
		return err
	}
	p.broadcasts = append(p.broadcasts, b)
	return nil
}

func validateBroadcast(b BroadcastConfig) error {
	if _, err := tp.NewIdentifier(b.CANID, b.Extended); err != nil {
		return fmt.Errorf("%w: broadcast: %v", ErrInvalidProfile, err)
	}
	if b.Interval <= 0 {
		return fmt.Errorf("%w: broadcast 0x%X: interval must be positive", ErrInvalidProfile, b.CANID)
	}
	if b.DLC < 0 || b.DLC > tp.FrameLength {
		return fmt.Errorf("%w: broadcast 0x%X: dlc %d outside 0..8", ErrInvalidProfile, b.CANID, b.DLC)
	}
	switch b.Pattern {
	case PatternStatic:
	case PatternDynamic:
		for _, v := range b.VaryingBytes {
			if v.Position < 0 || v.Position >= b.DLC {
				return fmt.Errorf("%w: broadcast 0x%X: varying byte %d outside dlc %d", ErrInvalidProfile, b.CANID, v.Position, b.DLC)
			}
			if v.Range != nil && v.Range[0] > v.Range[1] {
				return fmt.Errorf("%w: broadcast 0x%X: range [%d,%d] is inverted", ErrInvalidProfile, b.CANID, v.Range[0], v.Range[1])
			}
			if v.Kind == KindRollingCounter && v.Range != nil && len(v.Values) > 0 && (v.Values[0] < v.Range[0] || v.Values[0] > v.Range[1]) {
				return fmt.Errorf("%w: broadcast 0x%X: counter start %d outside range [%d,%d]", ErrInvalidProfile, b.CANID, v.Values[0], v.Range[0], v.Range[1])
			}
			switch v.Algorithm {
			case "", "sum8", "xor8":
			default:
				return fmt.Errorf("%w: broadcast 0x%X: unknown checksum algorithm %q", ErrInvalidProfile, b.CANID, v.Algorithm)
			}
		}
	default:
		return fmt.Errorf("%w: broadcast 0x%X: unknown pattern %q", ErrInvalidProfile, b.CANID, b.Pattern)
	}
	return nil
}

// ECUs returns the configured ECUs in configuration order.
func (p *Profile) ECUs() []ECUConfig {
	return append([]ECUConfig(nil), p.ecus...)
}

func (p *Profile) ECUByIndex(idx int) (ECUConfig, bool) {
	i, ok := p.byIndex[idx]
	if !ok {
		return ECUConfig{}, false
	}
	return p.ecus[i], true
}

func (p *Profile) ECUByResponseID(id uint32) (ECUConfig, bool) {
	i, ok := p.byResponse[id]
	if !ok {
		return ECUConfig{}, false
	}
	return p.ecus[i], true
}

func (p *Profile) BroadcastMessages() []BroadcastConfig {
	return append([]BroadcastConfig(nil), p.broadcasts...)
}

// GetResponse looks up the captured answer. A nil pid selects the entry
// stored without a PID.
func (p *Profile) GetResponse(service byte, pid *byte, ecuResponseID uint32) (Response, bool) {
	r, ok := p.responses[keyOf(ecuResponseID, service, pid)]
	return r, ok
}

// ResponseCount is the size of the response table.
func (p *Profile) ResponseCount() int {
	return len(p.responses)
}
