package tp

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got: %v", err)
	}
	c.TimeoutN_Bs = -time.Second
	if err := c.Validate(); err == nil {
		t.Error("negative TimeoutN_Bs should be rejected")
	}
	c = DefaultConfig()
	c.MaxWaitFrame = -1
	if err := c.Validate(); err == nil {
		t.Error("negative MaxWaitFrame should be rejected")
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	c := DefaultConfig()
	if c.TimeoutN_Bs != 1000*time.Millisecond {
		t.Errorf("Expected default TimeoutN_Bs to be 1000ms, got %v", c.TimeoutN_Bs)
	}
	if c.MaxWaitFrame != 0 {
		t.Errorf("Expected MaxWaitFrame to be 0, got %d", c.MaxWaitFrame)
	}
	if c.Extended {
		t.Error("Expected 11-bit addressing by default")
	}
}
