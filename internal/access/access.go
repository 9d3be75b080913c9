// Package access implements opcode framing and size-bound checks for the
// access layer (spec §4.11, component C11). Model registration and
// dispatch live outside the core (spec §4.11: "dispatch to registered
// model handlers is out of core scope"); this package exposes a Dispatch
// table the node wires models into.
package access

import (
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// Payload bounds (spec §4.11).
const (
	MaxUnsegmentedPayload = 11
	MaxSegmentedPayload   = 380
	MaxSegmentedPayloadSZMIC = 376
)

// Opcode is a decoded access-message opcode, 1, 2 or 3 octets wide on the
// wire.
type Opcode struct {
	Value uint32
	Width int // 1, 2 or 3
}

// EncodeOpcode serializes an Opcode per spec §4.11: 1 byte when the top bit
// is clear, 2 bytes when the top two bits are `10`, 3 bytes when `11`.
func EncodeOpcode(op Opcode) ([]byte, error) {
	switch op.Width {
	case 1:
		if op.Value >= 0x7F {
			return nil, fmt.Errorf("1-byte opcode out of range (0x7F reserved): %w", merr.Inval)
		}
		return []byte{byte(op.Value)}, nil
	case 2:
		if op.Value > 0x3FFF {
			return nil, fmt.Errorf("2-byte opcode out of range: %w", merr.Inval)
		}
		return []byte{0x80 | byte(op.Value>>8), byte(op.Value)}, nil
	case 3:
		if op.Value > 0x3FFFFF {
			return nil, fmt.Errorf("3-byte opcode out of range: %w", merr.Inval)
		}
		return []byte{0xC0 | byte(op.Value>>16), byte(op.Value >> 8), byte(op.Value)}, nil
	default:
		return nil, fmt.Errorf("opcode width must be 1, 2 or 3: %w", merr.Inval)
	}
}

// DecodeOpcode parses the leading opcode octets from pdu and returns the
// opcode plus the remainder of pdu (the parameters).
func DecodeOpcode(pdu []byte) (Opcode, []byte, error) {
	if len(pdu) < 1 {
		return Opcode{}, nil, fmt.Errorf("empty access pdu: %w", merr.Length)
	}
	first := pdu[0]
	switch {
	case first&0x80 == 0:
		if first == 0x7F {
			return Opcode{}, nil, fmt.Errorf("opcode 0x7F is reserved: %w", merr.Inval)
		}
		return Opcode{Value: uint32(first), Width: 1}, pdu[1:], nil
	case first&0xC0 == 0x80:
		if len(pdu) < 2 {
			return Opcode{}, nil, fmt.Errorf("truncated 2-byte opcode: %w", merr.Length)
		}
		v := uint32(first&0x3F)<<8 | uint32(pdu[1])
		return Opcode{Value: v, Width: 2}, pdu[2:], nil
	default: // top two bits 11
		if len(pdu) < 3 {
			return Opcode{}, nil, fmt.Errorf("truncated 3-byte opcode: %w", merr.Length)
		}
		v := uint32(first&0x3F)<<16 | uint32(pdu[1])<<8 | uint32(pdu[2])
		return Opcode{Value: v, Width: 3}, pdu[3:], nil
	}
}

// CheckSize validates a decoded access-message's total parameter length
// against the unsegmented/segmented bounds (spec §4.11).
func CheckSize(segmented bool, szmic bool, paramLen int) error {
	if !segmented {
		if paramLen > MaxUnsegmentedPayload {
			return fmt.Errorf("unsegmented access payload exceeds %d bytes: %w", MaxUnsegmentedPayload, merr.Length)
		}
		return nil
	}
	limit := MaxSegmentedPayload
	if szmic {
		limit = MaxSegmentedPayloadSZMIC
	}
	if paramLen > limit {
		return fmt.Errorf("segmented access payload exceeds %d bytes: %w", limit, merr.Length)
	}
	return nil
}

// Message is a fully decoded access PDU ready for model dispatch.
type Message struct {
	Src        uint16
	Dst        uint16
	NetKeyIdx  uint16
	AppKeyIdx  uint16 // only meaningful when AKF; undefined for device-key messages
	AKF        bool
	Opcode     Opcode
	Parameters []byte
}

// Handler processes one dispatched access message.
type Handler func(msg Message)

// Dispatcher routes decoded access messages to registered model handlers
// by opcode. It performs no model logic itself (spec §4.11 non-goal).
type Dispatcher struct {
	handlers map[uint32]Handler
}

// NewDispatcher creates an empty opcode-keyed dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint32]Handler)}
}

// Register binds a handler to an opcode value (width is not part of the
// key: a given opcode value is unambiguous once decoded).
func (d *Dispatcher) Register(opcode uint32, h Handler) error {
	if _, exists := d.handlers[opcode]; exists {
		return fmt.Errorf("opcode %#x already registered: %w", opcode, merr.Already)
	}
	d.handlers[opcode] = h
	return nil
}

// Dispatch decodes pdu's opcode, validates size bounds, and invokes the
// registered handler if one exists; an unrecognized opcode is silently
// ignored per the Bluetooth Mesh access layer's behavior for messages
// without a matching model.
func (d *Dispatcher) Dispatch(src, dst, netKeyIdx, appKeyIdx uint16, akf bool, segmented, szmic bool, pdu []byte) error {
	op, params, err := DecodeOpcode(pdu)
	if err != nil {
		return err
	}
	if err := CheckSize(segmented, szmic, len(params)); err != nil {
		return err
	}
	h, ok := d.handlers[op.Value]
	if !ok {
		return nil
	}
	h(Message{Src: src, Dst: dst, NetKeyIdx: netKeyIdx, AppKeyIdx: appKeyIdx, AKF: akf, Opcode: op, Parameters: params})
	return nil
}
