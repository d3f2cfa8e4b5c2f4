package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/obd2sim/driver"
	"github.com/LoveWonYoung/obd2sim/obd"
	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/tp"
)

var ErrInvalidConfig = errors.New("invalid simulator config")

type BroadcastSettings struct {
	Enabled bool `yaml:"enabled"`
	// IDs is an optional allow-list; empty broadcasts every profile message.
	IDs []uint32 `yaml:"ids"`
}

type LogSettings struct {
	Level int    `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Config holds the run options. Durations are Go duration strings ("25ms").
type Config struct {
	Profile        string            `yaml:"profile"`
	Extended       bool              `yaml:"extended"`
	UnsupportedPID string            `yaml:"unsupported_pid"`
	ValueMode      string            `yaml:"value_mode"`
	Broadcast      BroadcastSettings `yaml:"broadcast"`

	ResponseDelay time.Duration `yaml:"response_delay"`
	InterECUDelay time.Duration `yaml:"inter_ecu_delay"`
	Jitter        time.Duration `yaml:"jitter"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`

	// FlowControlTimeout drops a multi-frame session parked longer than
	// this waiting for the tester. 0 keeps it forever.
	FlowControlTimeout time.Duration `yaml:"flow_control_timeout"`
	MaxWaitFrame       int           `yaml:"max_wait_frame"`

	Bus driver.Config `yaml:"bus"`
	Log LogSettings   `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		UnsupportedPID:     "none",
		ValueMode:          "static",
		Broadcast:          BroadcastSettings{Enabled: true},
		InterECUDelay:      5 * time.Millisecond,
		PollTimeout:        100 * time.Millisecond,
		FlowControlTimeout: tp.DefaultConfig().TimeoutN_Bs,
		Bus:                driver.DefaultConfig(),
		Log:                LogSettings{Level: 2},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if _, err := obd.ParsePolicy(c.UnsupportedPID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := profile.ParseMode(c.ValueMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for name, d := range map[string]time.Duration{
		"response_delay":       c.ResponseDelay,
		"inter_ecu_delay":      c.InterECUDelay,
		"jitter":               c.Jitter,
		"flow_control_timeout": c.FlowControlTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidConfig, name, d)
		}
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll_timeout must be positive, got %v", ErrInvalidConfig, c.PollTimeout)
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("%w: max_wait_frame must not be negative", ErrInvalidConfig)
	}
	for _, id := range c.Broadcast.IDs {
		if id > tp.MaxExtendedID {
			return fmt.Errorf("%w: broadcast id 0x%X out of range", ErrInvalidConfig, id)
		}
	}
	if c.Log.Level < 0 || c.Log.Level > 4 {
		return fmt.Errorf("%w: log level %d not in 0..4", ErrInvalidConfig, c.Log.Level)
	}
	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) tpConfig() tp.Config {
	return tp.Config{
		Extended:     c.Extended,
		TimeoutN_Bs:  c.FlowControlTimeout,
		MaxWaitFrame: c.MaxWaitFrame,
	}
}
