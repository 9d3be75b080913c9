// Package provad implements the PB-ADV transport: the Generic Provisioning
// PDU framing, link establishment, and segmented provisioning-PDU transfer
// with acknowledgement (spec §4.13, component C13).
package provad

import (
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// GPCF values (spec §4.13).
const (
	GPCFTransactionStart    byte = 0x00
	GPCFTransactionAck      byte = 0x01
	GPCFTransactionContinue byte = 0x02
	GPCFBearerControl       byte = 0x03
)

// Bearer Control opcodes (spec §4.13).
const (
	BearerOpLinkOpen  byte = 0x00
	BearerOpLinkAck   byte = 0x01
	BearerOpLinkClose byte = 0x02
)

// Payload bounds (spec §4.13).
const (
	MaxStartPayload    = 20
	MaxContinuePayload = 23
)

// Header is the common prefix of every Generic Provisioning PDU.
type Header struct {
	LinkID   uint32
	TransNum byte
	GPCF     byte
}

// TransactionStart is GPCF=00: the first segment of a provisioning PDU,
// carrying its total length and FCS.
type TransactionStart struct {
	Header
	LastSegN byte // 6-bit
	TotalLen uint16
	FCS      byte
	Payload  []byte
}

// TransactionContinue is GPCF=10: a subsequent segment.
type TransactionContinue struct {
	Header
	SegIndex byte // 6-bit
	Payload  []byte
}

// TransactionAck is GPCF=01: acknowledges a fully received transaction; it
// carries no payload.
type TransactionAck struct {
	Header
}

// BearerControl is GPCF=11: link open/ack/close.
type BearerControl struct {
	Header
	Opcode     byte // 6-bit
	DeviceUUID [16]byte // only meaningful for BearerOpLinkOpen
	Reason     byte     // only meaningful for BearerOpLinkClose
}

func encodeHeaderBytes(h Header, topSix byte) []byte {
	out := make([]byte, 0, 6)
	out = append(out, byte(h.LinkID>>24), byte(h.LinkID>>16), byte(h.LinkID>>8), byte(h.LinkID))
	out = append(out, h.TransNum)
	out = append(out, (topSix<<2)|h.GPCF)
	return out
}

// EncodeTransactionStart serializes a Transaction Start PDU.
func EncodeTransactionStart(s TransactionStart) ([]byte, error) {
	if s.LastSegN > 0x3F {
		return nil, fmt.Errorf("lastSegN exceeds 6 bits: %w", merr.Inval)
	}
	if len(s.Payload) > MaxStartPayload {
		return nil, fmt.Errorf("transaction start payload exceeds %d bytes: %w", MaxStartPayload, merr.Length)
	}
	s.GPCF = GPCFTransactionStart
	out := encodeHeaderBytes(s.Header, s.LastSegN)
	out = append(out, byte(s.TotalLen>>8), byte(s.TotalLen), s.FCS)
	out = append(out, s.Payload...)
	return out, nil
}

// EncodeTransactionContinue serializes a Transaction Continue PDU.
func EncodeTransactionContinue(c TransactionContinue) ([]byte, error) {
	if c.SegIndex > 0x3F {
		return nil, fmt.Errorf("segIndex exceeds 6 bits: %w", merr.Inval)
	}
	if len(c.Payload) > MaxContinuePayload {
		return nil, fmt.Errorf("transaction continue payload exceeds %d bytes: %w", MaxContinuePayload, merr.Length)
	}
	c.GPCF = GPCFTransactionContinue
	out := encodeHeaderBytes(c.Header, c.SegIndex)
	out = append(out, c.Payload...)
	return out, nil
}

// EncodeTransactionAck serializes a Transaction Ack PDU.
func EncodeTransactionAck(a TransactionAck) []byte {
	a.GPCF = GPCFTransactionAck
	return encodeHeaderBytes(a.Header, 0)
}

// EncodeBearerControl serializes a Bearer Control PDU.
func EncodeBearerControl(b BearerControl) ([]byte, error) {
	if b.Opcode > 0x3F {
		return nil, fmt.Errorf("bearer control opcode exceeds 6 bits: %w", merr.Inval)
	}
	b.GPCF = GPCFBearerControl
	out := encodeHeaderBytes(b.Header, b.Opcode)
	switch b.Opcode {
	case BearerOpLinkOpen:
		out = append(out, b.DeviceUUID[:]...)
	case BearerOpLinkClose:
		out = append(out, b.Reason)
	case BearerOpLinkAck:
	}
	return out, nil
}

// DecodedPDU is the result of parsing a raw Generic Provisioning PDU; only
// one of the variant fields is populated, matching the tagged-variant
// pattern the wire GPCF field encodes.
type DecodedPDU struct {
	Start    *TransactionStart
	Continue *TransactionContinue
	Ack      *TransactionAck
	Control  *BearerControl
}

// Decode parses any Generic Provisioning PDU and dispatches by GPCF.
func Decode(pdu []byte) (*DecodedPDU, error) {
	if len(pdu) < 6 {
		return nil, fmt.Errorf("generic provisioning pdu too short: %w", merr.Length)
	}
	linkID := uint32(pdu[0])<<24 | uint32(pdu[1])<<16 | uint32(pdu[2])<<8 | uint32(pdu[3])
	transNum := pdu[4]
	gpcf := pdu[5] & 0x03
	topSix := pdu[5] >> 2
	hdr := Header{LinkID: linkID, TransNum: transNum, GPCF: gpcf}

	switch gpcf {
	case GPCFTransactionStart:
		if len(pdu) < 9 {
			return nil, fmt.Errorf("transaction start too short: %w", merr.Length)
		}
		totalLen := uint16(pdu[6])<<8 | uint16(pdu[7])
		return &DecodedPDU{Start: &TransactionStart{
			Header: hdr, LastSegN: topSix, TotalLen: totalLen, FCS: pdu[8],
			Payload: append([]byte(nil), pdu[9:]...),
		}}, nil
	case GPCFTransactionContinue:
		return &DecodedPDU{Continue: &TransactionContinue{
			Header: hdr, SegIndex: topSix, Payload: append([]byte(nil), pdu[6:]...),
		}}, nil
	case GPCFTransactionAck:
		return &DecodedPDU{Ack: &TransactionAck{Header: hdr}}, nil
	case GPCFBearerControl:
		bc := &BearerControl{Header: hdr, Opcode: topSix}
		switch topSix {
		case BearerOpLinkOpen:
			if len(pdu) < 22 {
				return nil, fmt.Errorf("link open payload too short: %w", merr.Length)
			}
			copy(bc.DeviceUUID[:], pdu[6:22])
		case BearerOpLinkClose:
			if len(pdu) < 7 {
				return nil, fmt.Errorf("link close payload too short: %w", merr.Length)
			}
			bc.Reason = pdu[6]
		}
		return &DecodedPDU{Control: bc}, nil
	default:
		return nil, fmt.Errorf("unknown gpcf %#x: %w", gpcf, merr.Inval)
	}
}
