package tp

import (
	"fmt"
	"time"
)

// Config defines the configuration for the ISO-TP Handler.
type Config struct {
	// Extended selects 29-bit response ids on the wire.
	Extended bool

	// TimeoutN_Bs bounds how long a session may wait for a FlowControl
	// frame before it is dropped. 0 keeps parked sessions forever.
	TimeoutN_Bs time.Duration

	// MaxWaitFrame (WFTMax) is the number of consecutive FlowControl Wait
	// frames tolerated before the session is aborted. 0 means unlimited.
	MaxWaitFrame int
}

// DefaultConfig returns the ISO-15765-2 recommended values.
func DefaultConfig() Config {
	return Config{
		Extended:     false,
		TimeoutN_Bs:  1000 * time.Millisecond,
		MaxWaitFrame: 0,
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	if c.TimeoutN_Bs < 0 {
		return fmt.Errorf("TimeoutN_Bs must not be negative, got %v", c.TimeoutN_Bs)
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("MaxWaitFrame must not be negative, got %d", c.MaxWaitFrame)
	}
	return nil
}
