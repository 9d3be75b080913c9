// Package transport implements the lower transport layer: segmentation,
// reassembly, block acknowledgement, retransmission and the incomplete
// timer (spec §4.9, component C9). Frame encode/decode lives in this file;
// the TX/RX task state machines live in manager.go.
package transport

import (
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// Segment payload bounds (spec §4.9 frame variants).
const (
	MaxUnsegAccessPayload = 15
	MaxSegAccessPayload   = 12
	MaxUnsegControlPayload = 11
	MaxSegControlPayload   = 8
)

// AccessFrame is a decoded access-channel lower transport PDU, segmented or
// not.
type AccessFrame struct {
	Segmented bool
	AKF       bool
	AID       byte
	SZMIC     bool // only meaningful when Segmented
	SeqZero   uint16
	SegO      byte
	SegN      byte
	Payload   []byte
}

// ControlFrame is a decoded control-channel lower transport PDU.
type ControlFrame struct {
	Segmented bool
	Opcode    byte
	SeqZero   uint16
	SegO      byte
	SegN      byte
	Payload   []byte
}

// SegmentAckOpcode is the reserved control opcode for a Segment
// Acknowledgment message (spec §4.9).
const SegmentAckOpcode = 0x00

func pack24(top1 bool, mid13 uint16, lo5, lo5b byte) [3]byte {
	var v uint32
	if top1 {
		v |= 1 << 23
	}
	v |= uint32(mid13&0x1FFF) << 10
	v |= uint32(lo5&0x1F) << 5
	v |= uint32(lo5b & 0x1F)
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func unpack24(b []byte) (top1 bool, mid13 uint16, lo5, lo5b byte) {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	top1 = v&(1<<23) != 0
	mid13 = uint16((v >> 10) & 0x1FFF)
	lo5 = byte((v >> 5) & 0x1F)
	lo5b = byte(v & 0x1F)
	return
}

// EncodeAccessFrame serializes an access-channel frame.
func EncodeAccessFrame(f AccessFrame) ([]byte, error) {
	if f.AID > 0x3F {
		return nil, fmt.Errorf("aid exceeds 6 bits: %w", merr.Inval)
	}
	first := f.AID & 0x3F
	if f.AKF {
		first |= 0x40
	}
	if !f.Segmented {
		if len(f.Payload) > MaxUnsegAccessPayload {
			return nil, fmt.Errorf("unsegmented access payload exceeds %d bytes: %w", MaxUnsegAccessPayload, merr.Length)
		}
		out := make([]byte, 0, 1+len(f.Payload))
		out = append(out, first)
		out = append(out, f.Payload...)
		return out, nil
	}
	if len(f.Payload) > MaxSegAccessPayload {
		return nil, fmt.Errorf("segmented access payload exceeds %d bytes: %w", MaxSegAccessPayload, merr.Length)
	}
	first |= 0x80
	rest := pack24(f.SZMIC, f.SeqZero, f.SegO, f.SegN)
	out := make([]byte, 0, 4+len(f.Payload))
	out = append(out, first)
	out = append(out, rest[:]...)
	out = append(out, f.Payload...)
	return out, nil
}

// DecodeAccessFrame parses an access-channel lower transport PDU.
func DecodeAccessFrame(pdu []byte) (*AccessFrame, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("empty access pdu: %w", merr.Length)
	}
	seg := pdu[0]&0x80 != 0
	akf := pdu[0]&0x40 != 0
	aid := pdu[0] & 0x3F
	if !seg {
		return &AccessFrame{AKF: akf, AID: aid, Payload: append([]byte(nil), pdu[1:]...)}, nil
	}
	if len(pdu) < 4 {
		return nil, fmt.Errorf("segmented access pdu too short: %w", merr.Length)
	}
	szmic, seqZero, segO, segN := unpack24(pdu[1:4])
	return &AccessFrame{
		Segmented: true,
		AKF:       akf,
		AID:       aid,
		SZMIC:     szmic,
		SeqZero:   seqZero,
		SegO:      segO,
		SegN:      segN,
		Payload:   append([]byte(nil), pdu[4:]...),
	}, nil
}

// EncodeControlFrame serializes a control-channel frame.
func EncodeControlFrame(f ControlFrame) ([]byte, error) {
	if f.Opcode > 0x7F {
		return nil, fmt.Errorf("control opcode exceeds 7 bits: %w", merr.Inval)
	}
	if !f.Segmented {
		if len(f.Payload) > MaxUnsegControlPayload {
			return nil, fmt.Errorf("unsegmented control payload exceeds %d bytes: %w", MaxUnsegControlPayload, merr.Length)
		}
		out := make([]byte, 0, 1+len(f.Payload))
		out = append(out, f.Opcode&0x7F)
		out = append(out, f.Payload...)
		return out, nil
	}
	if len(f.Payload) > MaxSegControlPayload {
		return nil, fmt.Errorf("segmented control payload exceeds %d bytes: %w", MaxSegControlPayload, merr.Length)
	}
	first := 0x80 | (f.Opcode & 0x7F)
	rest := pack24(false, f.SeqZero, f.SegO, f.SegN)
	out := make([]byte, 0, 4+len(f.Payload))
	out = append(out, first)
	out = append(out, rest[:]...)
	out = append(out, f.Payload...)
	return out, nil
}

// DecodeControlFrame parses a control-channel lower transport PDU.
func DecodeControlFrame(pdu []byte) (*ControlFrame, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("empty control pdu: %w", merr.Length)
	}
	seg := pdu[0]&0x80 != 0
	opcode := pdu[0] & 0x7F
	if !seg {
		return &ControlFrame{Opcode: opcode, Payload: append([]byte(nil), pdu[1:]...)}, nil
	}
	if len(pdu) < 4 {
		return nil, fmt.Errorf("segmented control pdu too short: %w", merr.Length)
	}
	_, seqZero, segO, segN := unpack24(pdu[1:4])
	return &ControlFrame{
		Segmented: true,
		Opcode:    opcode,
		SeqZero:   seqZero,
		SegO:      segO,
		SegN:      segN,
		Payload:   append([]byte(nil), pdu[4:]...),
	}, nil
}

// segmentAckPayload builds the 6-byte payload of a Segment Acknowledgment
// message (spec §4.9: "OBO(1) | SeqZero(13) | RFU(2) | BlockAck(32)").
func segmentAckPayload(obo bool, seqZero uint16, blockAck uint32) ([]byte, error) {
	var v uint64
	if obo {
		v |= 1 << 47
	}
	v |= uint64(seqZero&0x1FFF) << 34
	v |= uint64(blockAck)
	return []byte{
		byte(v >> 40), byte(v >> 32), byte(v >> 24),
		byte(v >> 16), byte(v >> 8), byte(v),
	}, nil
}

// EncodeSegmentAck builds a complete Segment Acknowledgment control frame
// (unsegmented control, opcode 0).
func EncodeSegmentAck(obo bool, seqZero uint16, blockAck uint32) ([]byte, error) {
	payload, err := segmentAckPayload(obo, seqZero, blockAck)
	if err != nil {
		return nil, err
	}
	return EncodeControlFrame(ControlFrame{Opcode: SegmentAckOpcode, Payload: payload})
}

// DecodeSegmentAck extracts OBO/SeqZero/BlockAck from a decoded
// Segment-Ack control frame's payload.
func DecodeSegmentAck(f *ControlFrame) (obo bool, seqZero uint16, blockAck uint32, err error) {
	if f.Opcode != SegmentAckOpcode {
		return false, 0, 0, fmt.Errorf("not a segment ack opcode: %w", merr.Inval)
	}
	if len(f.Payload) != 6 {
		return false, 0, 0, fmt.Errorf("segment ack payload must be 6 bytes: %w", merr.Length)
	}
	v := uint64(f.Payload[0])<<40 | uint64(f.Payload[1])<<32 | uint64(f.Payload[2])<<24 |
		uint64(f.Payload[3])<<16 | uint64(f.Payload[4])<<8 | uint64(f.Payload[5])
	obo = v&(1<<47) != 0
	seqZero = uint16((v >> 34) & 0x1FFF)
	blockAck = uint32(v)
	return obo, seqZero, blockAck, nil
}

// ReconstructSeqAuth rebuilds the full SeqAuth from a 13-bit SeqZero and the
// 24-bit SEQ the segment actually arrived with (spec §4.9 "SeqAuth
// reconstruction").
func ReconstructSeqAuth(seqZero uint16, seq uint32) uint32 {
	high := seq &^ uint32(0x1FFF)
	if uint32(seqZero) > (seq & 0x1FFF) {
		high -= 0x2000
	}
	return uint32(seqZero) + high
}

// SeqAuthValid reports whether seq is within the valid window of seqAuth:
// 0 <= (seq - seqAuth) < 0x2000 (spec §4.9).
func SeqAuthValid(seq, seqAuth uint32) bool {
	diff := int64(seq) - int64(seqAuth)
	return diff >= 0 && diff < 0x2000
}
