package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

type Format int

const (
	FormatYAML Format = iota
	FormatCBOR
)

// FormatFromPath picks the decoder by file extension. JSON is read by the
// YAML decoder.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cbor":
		return FormatCBOR, nil
	default:
		return 0, fmt.Errorf("unsupported profile format %q", filepath.Ext(path))
	}
}

// Load reads and validates a profile document.
func Load(path string) (*Profile, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func Decode(data []byte, format Format) (*Profile, error) {
	var doc document
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatCBOR:
		err = cbor.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unknown profile format %d", int(format))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return doc.build()
}

type document struct {
	Vehicle    Vehicle                                   `yaml:"vehicle" cbor:"vehicle"`
	ECUs       []ecuDoc                                  `yaml:"ecus" cbor:"ecus"`
	Responses  map[string]map[string]map[string]response `yaml:"responses" cbor:"responses"`
	Broadcasts []broadcastDoc                            `yaml:"broadcasts" cbor:"broadcasts"`
}

type ecuDoc struct {
	Name              string    `yaml:"name" cbor:"name"`
	ResponseID        number    `yaml:"response_id" cbor:"response_id"`
	PhysicalRequestID number    `yaml:"physical_request_id" cbor:"physical_request_id"`
	Index             int       `yaml:"index" cbor:"index"`
	PadByte           *number   `yaml:"pad_byte" cbor:"pad_byte"`
	ResponseDelay     *duration `yaml:"response_delay" cbor:"response_delay"`
}

type response struct {
	Single      hexBytes   `yaml:"single" cbor:"single"`
	Data        hexBytes   `yaml:"data" cbor:"data"`
	Frames      []hexBytes `yaml:"frames" cbor:"frames"`
	TotalLength int        `yaml:"total_length" cbor:"total_length"`
}

type varyingDoc struct {
	Position  int      `yaml:"position" cbor:"position"`
	Pattern   string   `yaml:"pattern" cbor:"pattern"`
	Values    []number `yaml:"values" cbor:"values"`
	Range     []number `yaml:"range" cbor:"range"`
	Increment *int     `yaml:"increment" cbor:"increment"`
	Algorithm string   `yaml:"algorithm" cbor:"algorithm"`
}

type broadcastDoc struct {
	Name         string       `yaml:"name" cbor:"name"`
	CANID        number       `yaml:"can_id" cbor:"can_id"`
	Extended     *bool        `yaml:"extended" cbor:"extended"`
	Interval     duration     `yaml:"interval" cbor:"interval"`
	DLC          *int         `yaml:"dlc" cbor:"dlc"`
	Pattern      string       `yaml:"pattern" cbor:"pattern"`
	Payload      hexBytes     `yaml:"payload" cbor:"payload"`
	Template     hexBytes     `yaml:"template" cbor:"template"`
	VaryingBytes []varyingDoc `yaml:"varying_bytes" cbor:"varying_bytes"`
}

func (d *document) build() (*Profile, error) {
	ecus := make([]ECUConfig, 0, len(d.ECUs))
	for _, e := range d.ECUs {
		cfg := ECUConfig{
			Name:              e.Name,
			ResponseID:        uint32(e.ResponseID),
			PhysicalRequestID: uint32(e.PhysicalRequestID),
			Index:             e.Index,
		}
		if e.PadByte != nil {
			if *e.PadByte > 0xFF {
				return nil, fmt.Errorf("%w: %s pad byte 0x%X", ErrInvalidProfile, cfg, uint32(*e.PadByte))
			}
			cfg.PadByte = byte(*e.PadByte)
		}
		if e.ResponseDelay != nil {
			cfg.ResponseDelay = time.Duration(*e.ResponseDelay)
		}
		ecus = append(ecus, cfg)
	}
	p, err := New(d.Vehicle, ecus)
	if err != nil {
		return nil, err
	}

	// sorted for stable error messages
	ecuKeys := make([]string, 0, len(d.Responses))
	for k := range d.Responses {
		ecuKeys = append(ecuKeys, k)
	}
	sort.Strings(ecuKeys)
	for _, ecuKey := range ecuKeys {
		ecuID, err := ParseID(ecuKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		for serviceKey, pids := range d.Responses[ecuKey] {
			service, err := parseByteKey(serviceKey)
			if err != nil || service == nil {
				return nil, fmt.Errorf("%w: ECU %s: bad service key %q", ErrInvalidProfile, ecuKey, serviceKey)
			}
			for pidKey, r := range pids {
				pid, err := parseByteKey(pidKey)
				if err != nil {
					return nil, fmt.Errorf("%w: ECU %s service %s: %v", ErrInvalidProfile, ecuKey, serviceKey, err)
				}
				if err := p.AddResponse(ecuID, *service, pid, r.toResponse()); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, b := range d.Broadcasts {
		cfg, err := b.toConfig()
		if err != nil {
			return nil, err
		}
		if err := p.AddBroadcast(cfg); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r response) toResponse() Response {
	switch {
	case len(r.Frames) > 0:
		frames := make([][]byte, len(r.Frames))
		for i, f := range r.Frames {
			frames[i] = []byte(f)
		}
		return Response{Multi: &MultiFrame{Frames: frames, TotalLength: r.TotalLength}}
	case r.Data != nil:
		return Response{Data: []byte(r.Data)}
	default:
		return Response{Single: []byte(r.Single)}
	}
}

func (b broadcastDoc) toConfig() (BroadcastConfig, error) {
	cfg := BroadcastConfig{
		Name:     b.Name,
		CANID:    uint32(b.CANID),
		Extended: uint32(b.CANID) > 0x7FF,
		Interval: time.Duration(b.Interval),
		DLC:      8,
		Pattern:  Pattern(strings.ToLower(b.Pattern)),
		Payload:  []byte(b.Payload),
		Template: []byte(b.Template),
	}
	if b.Extended != nil {
		cfg.Extended = *b.Extended
	}
	if b.DLC != nil {
		cfg.DLC = *b.DLC
	}
	if cfg.Pattern == "" {
		cfg.Pattern = PatternStatic
		if len(b.VaryingBytes) > 0 {
			cfg.Pattern = PatternDynamic
		}
	}
	for _, v := range b.VaryingBytes {
		vb := VaryingByte{
			Position:  v.Position,
			Kind:      VaryingKind(strings.ToLower(v.Pattern)),
			Increment: 1,
			Algorithm: strings.ToLower(v.Algorithm),
		}
		if v.Increment != nil {
			vb.Increment = *v.Increment
		}
		for _, n := range v.Values {
			if n > 0xFF {
				return cfg, fmt.Errorf("%w: broadcast 0x%X: value 0x%X is not a byte", ErrInvalidProfile, cfg.CANID, uint32(n))
			}
			vb.Values = append(vb.Values, byte(n))
		}
		switch len(v.Range) {
		case 0:
		case 2:
			if v.Range[0] > 0xFF || v.Range[1] > 0xFF {
				return cfg, fmt.Errorf("%w: broadcast 0x%X: range is not a byte range", ErrInvalidProfile, cfg.CANID)
			}
			vb.Range = &[2]byte{byte(v.Range[0]), byte(v.Range[1])}
		default:
			return cfg, fmt.Errorf("%w: broadcast 0x%X: range needs [min, max]", ErrInvalidProfile, cfg.CANID)
		}
		cfg.VaryingBytes = append(cfg.VaryingBytes, vb)
	}
	return cfg, nil
}

// number accepts ints as well as "0x7E8" style strings.
type number uint32

func (n *number) set(s string) error {
	v, err := ParseID(s)
	if err != nil {
		return err
	}
	*n = number(v)
	return nil
}

func (n *number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	return n.set(node.Value)
}

func (n *number) UnmarshalCBOR(data []byte) error {
	if cborMajor(data) == cborText {
		var s string
		if err := cbor.Unmarshal(data, &s); err != nil {
			return err
		}
		return n.set(s)
	}
	var v uint64
	if err := cbor.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("expected a number: %w", err)
	}
	if v > 0xFFFFFFFF {
		return fmt.Errorf("number %d overflows 32 bits", v)
	}
	*n = number(v)
	return nil
}

// hexBytes accepts a hex string or a list of numbers. CBOR byte strings are
// taken as is.
type hexBytes []byte

func (h *hexBytes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		b, err := ParseHex(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*h = b
		return nil
	case yaml.SequenceNode:
		var nums []number
		if err := node.Decode(&nums); err != nil {
			return err
		}
		return h.fromNumbers(nums)
	default:
		return fmt.Errorf("line %d: expected hex bytes", node.Line)
	}
}

func (h *hexBytes) UnmarshalCBOR(data []byte) error {
	switch cborMajor(data) {
	case cborText:
		var s string
		if err := cbor.Unmarshal(data, &s); err != nil {
			return err
		}
		b, err := ParseHex(s)
		if err != nil {
			return err
		}
		*h = b
		return nil
	case cborBytes:
		var raw []byte
		if err := cbor.Unmarshal(data, &raw); err != nil {
			return err
		}
		*h = raw
		return nil
	}
	var nums []number
	if err := cbor.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("expected hex bytes: %w", err)
	}
	return h.fromNumbers(nums)
}

func (h *hexBytes) fromNumbers(nums []number) error {
	b := make([]byte, len(nums))
	for i, n := range nums {
		if n > 0xFF {
			return fmt.Errorf("0x%X is not a byte", uint32(n))
		}
		b[i] = byte(n)
	}
	*h = b
	return nil
}

// duration accepts Go duration strings ("20ms") or integer milliseconds.
type duration time.Duration

func (d *duration) set(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", node.Line)
	}
	return d.set(node.Value)
}

func (d *duration) UnmarshalCBOR(data []byte) error {
	if cborMajor(data) == cborText {
		var s string
		if err := cbor.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.set(s)
	}
	var ms int64
	if err := cbor.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("expected a duration: %w", err)
	}
	*d = duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// UnmarshalYAML lets a response entry be a bare hex string.
func (r *response) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return r.Single.UnmarshalYAML(node)
	}
	type plain response
	return node.Decode((*plain)(r))
}

func (r *response) UnmarshalCBOR(data []byte) error {
	if cborMajor(data) == cborText {
		return r.Single.UnmarshalCBOR(data)
	}
	type plain response
	return cbor.Unmarshal(data, (*plain)(r))
}

// CBOR major types, from the top three bits of the initial byte.
const (
	cborBytes = 2
	cborText  = 3
)

func cborMajor(data []byte) int {
	if len(data) == 0 {
		return -1
	}
	return int(data[0] >> 5)
}
