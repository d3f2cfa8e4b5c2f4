package obd

import (
	"fmt"

	"go.einride.tech/can"
)

// Request is a parsed OBD2 diagnostic request.
type Request struct {
	Service    byte
	PID        *byte
	Data       []byte
	Functional bool
	// TargetECU is the addressed ECU index, -1 for functional requests.
	TargetECU int
	Raw       can.Frame
	CANID     uint32
	Extended  bool
}

// PIDKey formats the request as "service/pid", e.g. "01/0C" or "03/--".
func (r *Request) PIDKey() string {
	return PIDKey(r.Service, r.PID)
}

func PIDKey(service byte, pid *byte) string {
	if pid == nil {
		return fmt.Sprintf("%02X/--", service)
	}
	return fmt.Sprintf("%02X/%02X", service, *pid)
}

func (r *Request) String() string {
	target := "functional"
	if !r.Functional {
		target = fmt.Sprintf("ecu %d", r.TargetECU)
	}
	if len(r.Data) > 0 {
		return fmt.Sprintf("%s %s data=% X", r.PIDKey(), target, r.Data)
	}
	return fmt.Sprintf("%s %s", r.PIDKey(), target)
}
