package tp

import (
	"fmt"
)

// OBD2 over CAN identifiers (ISO 15765-4).
const (
	FunctionalID11 uint32 = 0x7DF
	PhysicalBase11 uint32 = 0x7E0
	ResponseBase11 uint32 = 0x7E8

	FunctionalID29 uint32 = 0x18DB33F1
	// PhysicalBase29 carries the ECU index in bits 15..8 (0x18DAxxF1).
	PhysicalBase29 uint32 = 0x18DA00F1
	// ResponseBase29 carries the ECU index in bits 7..0 (0x18DAF1xx).
	ResponseBase29 uint32 = 0x18DAF100

	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF

	MaxECUs = 8
)

const (
	Physical = iota
	Functional
)

var roleNames = map[uint32]string{
	FunctionalID11: "functional request",
	FunctionalID29: "functional request",
}

// Identifier is a CAN arbitration id together with its frame format.
type Identifier struct {
	ID       uint32
	Extended bool
}

// NewIdentifier validates id against the range of its format.
func NewIdentifier(id uint32, extended bool) (Identifier, error) {
	limit := MaxStandardID
	if extended {
		limit = MaxExtendedID
	}
	if id > limit {
		return Identifier{}, fmt.Errorf("%w: 0x%X exceeds 0x%X", ErrIdentifierRange, id, limit)
	}
	return Identifier{ID: id, Extended: extended}, nil
}

func (i Identifier) IsFunctionalRequest() bool {
	if i.Extended {
		return i.ID == FunctionalID29
	}
	return i.ID == FunctionalID11
}

func (i Identifier) IsPhysicalRequest() bool {
	_, ok := i.physicalIndex()
	return ok
}

func (i Identifier) IsRequest() bool {
	return i.IsFunctionalRequest() || i.IsPhysicalRequest()
}

func (i Identifier) IsResponse() bool {
	_, ok := i.responseIndex()
	return ok
}

// TargetECUIndex returns the ECU index addressed by a physical request id,
// or the index of the ECU that owns a response id.
func (i Identifier) TargetECUIndex() (int, bool) {
	if idx, ok := i.physicalIndex(); ok {
		return idx, true
	}
	return i.responseIndex()
}

// Normalize maps 29-bit physical and response ids onto their 11-bit
// equivalents. Every other id is returned unchanged.
func (i Identifier) Normalize() Identifier {
	if !i.Extended {
		return i
	}
	if idx, ok := i.physicalIndex(); ok {
		return Identifier{ID: PhysicalBase11 + uint32(idx)}
	}
	if idx, ok := i.responseIndex(); ok {
		return Identifier{ID: ResponseBase11 + uint32(idx)}
	}
	return i
}

func (i Identifier) String() string {
	format := "%03X"
	if i.Extended {
		format = "%08X"
	}
	s := fmt.Sprintf(format, i.ID)
	if name, ok := roleNames[i.ID]; ok && i.IsFunctionalRequest() {
		return s + " (" + name + ")"
	}
	if idx, ok := i.physicalIndex(); ok {
		return fmt.Sprintf("%s (physical request, ecu %d)", s, idx)
	}
	if idx, ok := i.responseIndex(); ok {
		return fmt.Sprintf("%s (response, ecu %d)", s, idx)
	}
	return s
}

func (i Identifier) physicalIndex() (int, bool) {
	if i.Extended {
		if i.ID&0xFFFF00FF != PhysicalBase29 {
			return 0, false
		}
		idx := int(i.ID>>8) & 0xFF
		return idx, idx < MaxECUs
	}
	if i.ID >= PhysicalBase11 && i.ID < PhysicalBase11+MaxECUs {
		return int(i.ID - PhysicalBase11), true
	}
	return 0, false
}

func (i Identifier) responseIndex() (int, bool) {
	if i.Extended {
		if i.ID&0xFFFFFF00 != ResponseBase29 {
			return 0, false
		}
		idx := int(i.ID & 0xFF)
		return idx, idx < MaxECUs
	}
	if i.ID >= ResponseBase11 && i.ID < ResponseBase11+MaxECUs {
		return int(i.ID - ResponseBase11), true
	}
	return 0, false
}

// ResponseIDFor returns the id ECU idx answers on.
func ResponseIDFor(idx int, extended bool) uint32 {
	if extended {
		return ResponseBase29 | uint32(idx&0xFF)
	}
	return ResponseBase11 + uint32(idx)
}

// PhysicalRequestIDFor returns the id a tester uses to address ECU idx.
func PhysicalRequestIDFor(idx int, extended bool) uint32 {
	if extended {
		return PhysicalBase29 | uint32(idx&0xFF)<<8
	}
	return PhysicalBase11 + uint32(idx)
}

// FunctionalIDFor returns the broadcast request id for the given format.
func FunctionalIDFor(extended bool) uint32 {
	if extended {
		return FunctionalID29
	}
	return FunctionalID11
}
