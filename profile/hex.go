package profile

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseHex decodes a hex string such as "04 41 0C 0B E8" or "04410C0BE8".
// An optional 0x prefix per byte is accepted.
func ParseHex(s string) ([]byte, error) {
	fields := strings.Fields(strings.NewReplacer(",", " ", ":", " ").Replace(s))
	var b strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 == 1 {
			f = "0" + f
		}
		b.WriteString(f)
	}
	data, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return data, nil
}

// FormatHex renders data the way profiles store it.
func FormatHex(data []byte) string {
	return fmt.Sprintf("% X", data)
}

// ParseID accepts decimal or 0x prefixed numbers.
func ParseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return uint32(v), nil
}

// parseByteKey parses a service or PID key. "none" and "" mean no PID.
func parseByteKey(s string) (*byte, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "-", "--":
		return nil, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid byte key %q: %w", s, err)
	}
	b := byte(v)
	return &b, nil
}
