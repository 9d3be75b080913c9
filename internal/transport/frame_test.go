package transport

import (
	"bytes"
	"testing"
)

func TestUnsegmentedAccessRoundTrip(t *testing.T) {
	f := AccessFrame{AKF: true, AID: 0x15, Payload: []byte{1, 2, 3}}
	pdu, err := EncodeAccessFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeAccessFrame(pdu)
	if err != nil {
		t.Fatal(err)
	}
	if got.Segmented || !got.AKF || got.AID != f.AID || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSegmentedAccessRoundTrip(t *testing.T) {
	f := AccessFrame{Segmented: true, AKF: false, AID: 0x3F, SZMIC: true, SeqZero: 0x1ABC, SegO: 3, SegN: 7, Payload: []byte{9, 9, 9}}
	pdu, err := EncodeAccessFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeAccessFrame(pdu)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Segmented || got.AKF != f.AKF || got.AID != f.AID || got.SZMIC != f.SZMIC ||
		got.SeqZero != f.SeqZero || got.SegO != f.SegO || got.SegN != f.SegN || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnsegmentedControlRoundTrip(t *testing.T) {
	f := ControlFrame{Opcode: 0x0A, Payload: []byte{1, 2}}
	pdu, err := EncodeControlFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeControlFrame(pdu)
	if err != nil {
		t.Fatal(err)
	}
	if got.Segmented || got.Opcode != f.Opcode || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSegmentedControlRoundTrip(t *testing.T) {
	f := ControlFrame{Segmented: true, Opcode: 0x7F, SeqZero: 0x0042, SegO: 1, SegN: 2, Payload: []byte{7, 8}}
	pdu, err := EncodeControlFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeControlFrame(pdu)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Segmented || got.Opcode != f.Opcode || got.SeqZero != f.SeqZero || got.SegO != f.SegO || got.SegN != f.SegN {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSegmentAckRoundTrip(t *testing.T) {
	pdu, err := EncodeSegmentAck(true, 0x1234, 0xFFFF0001)
	if err != nil {
		t.Fatal(err)
	}
	cf, err := DecodeControlFrame(pdu)
	if err != nil {
		t.Fatal(err)
	}
	obo, seqZero, blockAck, err := DecodeSegmentAck(cf)
	if err != nil {
		t.Fatal(err)
	}
	if !obo || seqZero != 0x1234 || blockAck != 0xFFFF0001 {
		t.Fatalf("segment ack mismatch: obo=%v seqZero=%x blockAck=%x", obo, seqZero, blockAck)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxUnsegAccessPayload+1)
	if _, err := EncodeAccessFrame(AccessFrame{Payload: big}); err == nil {
		t.Fatal("expected length error for oversized unsegmented access payload")
	}
	bigSeg := make([]byte, MaxSegAccessPayload+1)
	if _, err := EncodeAccessFrame(AccessFrame{Segmented: true, Payload: bigSeg}); err == nil {
		t.Fatal("expected length error for oversized segmented access payload")
	}
}

func TestReconstructSeqAuth(t *testing.T) {
	cases := []struct {
		seqZero uint16
		seq     uint32
		want    uint32
	}{
		{0x0010, 0x001020, 0x000010}, // same 0x2000 block, seq ahead by 0x1010
		{0x1FF0, 0x002005, 0x001FF0}, // seqZero wraps into previous 0x2000 block
	}
	for _, c := range cases {
		got := ReconstructSeqAuth(c.seqZero, c.seq)
		if got != c.want {
			t.Fatalf("ReconstructSeqAuth(%#x, %#x) = %#x, want %#x", c.seqZero, c.seq, got, c.want)
		}
	}
}

func TestSeqAuthValid(t *testing.T) {
	if !SeqAuthValid(0x1000, 0x1000) {
		t.Fatal("expected seq == seqAuth to be valid")
	}
	if !SeqAuthValid(0x1FFF+0x1000, 0x1000) {
		t.Fatal("expected seq within 0x2000 window to be valid")
	}
	if SeqAuthValid(0x2000+0x1000, 0x1000) {
		t.Fatal("expected seq at window boundary to be invalid")
	}
	if SeqAuthValid(0x0FFF, 0x1000) {
		t.Fatal("expected seq before seqAuth to be invalid")
	}
}
