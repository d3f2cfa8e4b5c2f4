package broadcast

import (
	"go.einride.tech/can"

	"github.com/LoveWonYoung/obd2sim/profile"
)

// message is the run state of one broadcast. Callers hold Generator.mu.
type message struct {
	cfg      profile.BroadcastConfig
	counters []int
	sent     uint64
}

func newMessage(cfg profile.BroadcastConfig) *message {
	m := &message{cfg: cfg, counters: make([]int, len(cfg.VaryingBytes))}
	for i, vb := range cfg.VaryingBytes {
		if vb.Kind == profile.KindRollingCounter {
			m.counters[i] = initialCounter(vb)
		}
	}
	return m
}

// initialCounter returns the first counter value, clamped into the range.
func initialCounter(vb profile.VaryingByte) int {
	switch {
	case len(vb.Values) > 0 && vb.Range != nil:
		return int(min(max(vb.Values[0], vb.Range[0]), vb.Range[1]))
	case len(vb.Values) > 0:
		return int(vb.Values[0])
	case vb.Range != nil:
		return int(vb.Range[0])
	default:
		return 0
	}
}

// advance steps a rolling counter. With a range set the value wraps to the
// opposite bound, otherwise it wraps modulo 256.
func advance(cur int, vb profile.VaryingByte) int {
	n := cur + vb.Increment
	if vb.Range != nil {
		lo, hi := int(vb.Range[0]), int(vb.Range[1])
		if n > hi {
			return lo
		}
		if n < lo {
			return hi
		}
		return n
	}
	return ((n % 256) + 256) % 256
}

func firstValue(vb profile.VaryingByte, fallback byte) byte {
	if len(vb.Values) > 0 {
		return vb.Values[0]
	}
	return fallback
}

// next builds the frame for the upcoming send and advances counters.
func (m *message) next() can.Frame {
	dlc := m.cfg.DLC
	f := can.Frame{ID: m.cfg.CANID, IsExtended: m.cfg.Extended, Length: uint8(dlc)}
	if m.cfg.Pattern == profile.PatternStatic {
		copy(f.Data[:dlc], m.cfg.Payload)
		return f
	}

	copy(f.Data[:dlc], m.cfg.Template)
	var computed []profile.VaryingByte
	for i, vb := range m.cfg.VaryingBytes {
		switch vb.Kind {
		case profile.KindRollingCounter:
			f.Data[vb.Position] = byte(m.counters[i])
			m.counters[i] = advance(m.counters[i], vb)
		case profile.KindChecksum:
			if vb.Algorithm != "" {
				computed = append(computed, vb)
				continue
			}
			f.Data[vb.Position] = firstValue(vb, f.Data[vb.Position])
		default:
			f.Data[vb.Position] = firstValue(vb, f.Data[vb.Position])
		}
	}
	for _, vb := range computed {
		f.Data[vb.Position] = checksum(vb.Algorithm, f.Data[:dlc], vb.Position)
	}
	return f
}

// checksum covers every byte of data except the one at skip.
func checksum(algorithm string, data []byte, skip int) byte {
	var c byte
	for i, b := range data {
		if i == skip {
			continue
		}
		switch algorithm {
		case "xor8":
			c ^= b
		default:
			c += b
		}
	}
	return c
}
