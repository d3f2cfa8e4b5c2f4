package tp

import "errors"

// ErrIdentifierRange reports a CAN id outside the range of its frame format.
var ErrIdentifierRange = errors.New("can id out of range")

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

type InvalidCanDataError struct {
	IsoTpError
}

func (e InvalidCanDataError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type UnexpectedFlowControlError struct {
	IsoTpError
}

func (e UnexpectedFlowControlError) Error() string {
	return messageOrDefault(e.msg, "unexpected flow control frame received")
}

type UnexpectedConsecutiveFrameError struct {
	IsoTpError
}

func (e UnexpectedConsecutiveFrameError) Error() string {
	return messageOrDefault(e.msg, "unexpected consecutive frame received")
}

type WrongSequenceNumberError struct {
	IsoTpError
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "first frame length exceeds maximum frame size")
}

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}
