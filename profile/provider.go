package profile

import (
	"fmt"
	"strings"
)

type Mode int

const (
	ModeStatic Mode = iota
	ModeRandom
	ModeScenario
)

func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeRandom:
		return "random"
	case ModeScenario:
		return "scenario"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "static":
		return ModeStatic, nil
	case "random":
		return ModeRandom, nil
	case "scenario":
		return ModeScenario, nil
	default:
		return 0, fmt.Errorf("unknown value mode %q", s)
	}
}

// Provider supplies response values to the response generator.
type Provider interface {
	Mode() Mode
	Lookup(service byte, pid *byte, ecuResponseID uint32) (Response, bool)
}

// StaticProvider replays the captured profile.
type StaticProvider struct {
	profile *Profile
}

func NewStaticProvider(p *Profile) *StaticProvider {
	return &StaticProvider{profile: p}
}

func (s *StaticProvider) Mode() Mode { return ModeStatic }

func (s *StaticProvider) Lookup(service byte, pid *byte, ecuResponseID uint32) (Response, bool) {
	return s.profile.GetResponse(service, pid, ecuResponseID)
}

// RandomProvider is reserved for generated values. Lookup panics.
type RandomProvider struct{}

func (RandomProvider) Mode() Mode { return ModeRandom }

func (RandomProvider) Lookup(byte, *byte, uint32) (Response, bool) {
	panic(fmt.Errorf("%w: %s", ErrNotImplemented, ModeRandom))
}

// ScenarioProvider is reserved for scripted values. Lookup panics.
type ScenarioProvider struct{}

func (ScenarioProvider) Mode() Mode { return ModeScenario }

func (ScenarioProvider) Lookup(byte, *byte, uint32) (Response, bool) {
	panic(fmt.Errorf("%w: %s", ErrNotImplemented, ModeScenario))
}

// NewProvider returns the provider for mode. Modes without an
// implementation fail here so a run never starts with them.
func NewProvider(mode Mode, p *Profile) (Provider, error) {
	switch mode {
	case ModeStatic:
		if p == nil {
			return nil, fmt.Errorf("%w: static mode needs a profile", ErrInvalidProfile)
		}
		return NewStaticProvider(p), nil
	case ModeRandom, ModeScenario:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, mode)
	default:
		return nil, fmt.Errorf("unknown value mode %d", int(mode))
	}
}
