package tp

import (
	"fmt"
	"time"

	"go.einride.tech/can"
)

// FrameLength is the fixed classic CAN payload size used on the OBD2 bus.
const FrameLength = 8

// MaxPayload is the largest payload a 12-bit First Frame length can announce.
const MaxPayload = 0xFFF

const (
	PDUSingleFrame = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
)

type FlowStatus int

const (
	FlowStatusContinueToSend FlowStatus = iota
	FlowStatusWait
	FlowStatusOverflow
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinueToSend:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVERFLOW"
	default:
		return fmt.Sprintf("FlowStatus(%d)", int(s))
	}
}

// FrameType returns the PCI frame type of data, false for an empty frame
// or an unknown type nibble.
func FrameType(data []byte) (int, bool) {
	if len(data) == 0 {
		return 0, false
	}
	t := int(data[0]>>4) & 0xF
	if t > PDUFlowControl {
		return t, false
	}
	return t, true
}

func FrameTypeName(t int) string {
	switch t {
	case PDUSingleFrame:
		return "SINGLE_FRAME"
	case PDUFirstFrame:
		return "FIRST_FRAME"
	case PDUConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PDUFlowControl:
		return "FLOW_CONTROL"
	default:
		return "[None]"
	}
}

// DecodeStMin converts a separation time code into a duration.
// 0x00..0x7F are milliseconds, 0xF1..0xF9 are 100us steps, the reserved
// range decodes to zero.
func DecodeStMin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 0
	}
}

// EncodeStMin is the inverse of DecodeStMin, rounding to the nearest code.
func EncodeStMin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		steps := d / (100 * time.Microsecond)
		if steps < 1 {
			steps = 1
		}
		return 0xF0 + byte(steps)
	case d > 0x7F*time.Millisecond:
		return 0x7F
	default:
		return byte(d / time.Millisecond)
	}
}

// FlowControl is a decoded flow control frame sent by a tester.
type FlowControl struct {
	Status         FlowStatus
	BlockSize      int
	SeparationTime time.Duration
	ECUIndex       int
}

// ParseFlowControl decodes data received on id. It reports false unless id
// is a physical request id and data is a well formed flow control frame.
func ParseFlowControl(id uint32, extended bool, data []byte) (FlowControl, bool) {
	ecu, ok := Identifier{ID: id, Extended: extended}.physicalIndex()
	if !ok || len(data) < 3 {
		return FlowControl{}, false
	}
	if t, _ := FrameType(data); t != PDUFlowControl {
		return FlowControl{}, false
	}
	fs := FlowStatus(data[0] & 0xF)
	if fs > FlowStatusOverflow {
		return FlowControl{}, false
	}
	return FlowControl{
		Status:         fs,
		BlockSize:      int(data[1]),
		SeparationTime: DecodeStMin(data[2]),
		ECUIndex:       ecu,
	}, true
}

func CraftFlowControlData(flowStatus, blockSize, stMin int) []byte {
	return []byte{byte(0x30 | (flowStatus & 0xF)), byte(blockSize & 0xFF), byte(stMin & 0xFF)}
}

// Pad returns a FrameLength byte copy of data filled with pad.
// Longer input is truncated.
func Pad(data []byte, pad byte) []byte {
	out := make([]byte, FrameLength)
	n := copy(out, data)
	for i := n; i < FrameLength; i++ {
		out[i] = pad
	}
	return out
}

// NewFrame builds a full length frame carrying data padded with pad.
func NewFrame(id uint32, extended bool, data []byte, pad byte) can.Frame {
	f := can.Frame{ID: id, IsExtended: extended, Length: FrameLength}
	copy(f.Data[:], Pad(data, pad))
	return f
}

// Segment splits payload into a First Frame followed by Consecutive Frames.
// Sequence numbers start at 1 and wrap after 0xF. The last frame is padded.
func Segment(payload []byte, pad byte) ([][]byte, error) {
	if len(payload) <= FrameLength-1 {
		return nil, NewIsoTpError(fmt.Sprintf("payload of %d bytes fits in a single frame", len(payload)))
	}
	if len(payload) > MaxPayload {
		return nil, FrameTooLongError{NewIsoTpError(fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), MaxPayload))}
	}
	frames := make([][]byte, 0, 1+len(payload)/7)
	first := []byte{0x10 | byte(len(payload)>>8), byte(len(payload))}
	first = append(first, payload[:6]...)
	frames = append(frames, first)

	seq := 1
	for rest := payload[6:]; len(rest) > 0; {
		n := min(7, len(rest))
		cf := append([]byte{0x20 | byte(seq&0xF)}, rest[:n]...)
		frames = append(frames, Pad(cf, pad))
		rest = rest[n:]
		seq = (seq + 1) & 0xF
	}
	return frames, nil
}

// Reassemble is the receive side of Segment. It returns the announced
// payload once every consecutive frame has arrived in sequence.
func Reassemble(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 {
		return nil, InvalidCanDataError{NewIsoTpError("no frames")}
	}
	ff := frames[0]
	if t, _ := FrameType(ff); t != PDUFirstFrame || len(ff) < 2 {
		return nil, InvalidCanDataError{NewIsoTpError("first frame expected")}
	}
	total := int(ff[0]&0xF)<<8 | int(ff[1])
	payload := make([]byte, 0, total)
	payload = append(payload, ff[2:min(len(ff), 2+total)]...)
	seq := 1
	for _, cf := range frames[1:] {
		if t, _ := FrameType(cf); t != PDUConsecutiveFrame {
			return nil, UnexpectedConsecutiveFrameError{NewIsoTpError(fmt.Sprintf("unexpected %s", FrameTypeName(t)))}
		}
		if int(cf[0]&0xF) != seq {
			return nil, WrongSequenceNumberError{NewIsoTpError(fmt.Sprintf("expected sequence %d, got %d", seq, cf[0]&0xF))}
		}
		need := min(total-len(payload), len(cf)-1)
		payload = append(payload, cf[1:1+need]...)
		seq = (seq + 1) & 0xF
	}
	if len(payload) < total {
		return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("received %d of %d bytes", len(payload), total))}
	}
	return payload, nil
}
