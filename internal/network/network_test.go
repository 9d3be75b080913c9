package network

import (
	"bytes"
	"testing"

	"github.com/meshx/meshcore/internal/keystore"
)

func testStore(t *testing.T) *keystore.Store {
	t.Helper()
	s := keystore.New(4, 4, 4)
	var root [16]byte
	for i := range root {
		root[i] = byte(i + 1)
	}
	if err := s.AddNetKey(0, root); err != nil {
		t.Fatal(err)
	}
	return s
}

func txParamsFromStore(t *testing.T, s *keystore.Store) TxParams {
	t.Helper()
	nk, ok := s.NetKey(0)
	if !ok {
		t.Fatal("missing net key 0")
	}
	return TxParams{
		NID:           nk.NID,
		EncryptionKey: nk.EncryptionKey,
		PrivacyKey:    nk.PrivacyKey,
		CTL:           false,
		TTL:           5,
		Seq:           0x000123,
		Src:           0x0001,
		Dst:           0x0002,
		IVIndex:       10,
		TransportPDU:  []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := testStore(t)
	p := txParamsFromStore(t, s)

	wire, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}

	res, err := Decode(wire, s, p.IVIndex)
	if err != nil {
		t.Fatal(err)
	}
	if res.CTL != p.CTL || res.TTL != p.TTL || res.Seq != p.Seq || res.Src != p.Src || res.Dst != p.Dst {
		t.Fatalf("decoded header mismatch: %+v", res)
	}
	if !bytes.Equal(res.TransportPDU, p.TransportPDU) {
		t.Fatalf("decoded transport pdu mismatch: %x vs %x", res.TransportPDU, p.TransportPDU)
	}
	if res.NetKeyIndex != 0 {
		t.Fatalf("expected net key index 0, got %d", res.NetKeyIndex)
	}
}

func TestDecodeFailsOnTamperedCiphertext(t *testing.T) {
	s := testStore(t)
	p := txParamsFromStore(t, s)
	wire, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the ciphertext so CCM authentication must fail.
	wire[len(wire)-1] ^= 0xFF
	if _, err := Decode(wire, s, p.IVIndex); err == nil {
		t.Fatal("expected authentication failure on tampered pdu")
	}
}

func TestDecodeTriesPreviousIVIndexOnMismatchedIVI(t *testing.T) {
	s := testStore(t)
	p := txParamsFromStore(t, s)
	p.IVIndex = 11 // odd, so IVI bit = 1

	wire, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}

	// Caller believes current iv index is 12 (even, IVI=0); the decoder
	// must recognize the parity mismatch and retry with 11.
	res, err := Decode(wire, s, 12)
	if err != nil {
		t.Fatal(err)
	}
	if res.IVIndex != 11 {
		t.Fatalf("expected fallback to iv index 11, got %d", res.IVIndex)
	}
}

func TestCTLSelectsNetMICLength(t *testing.T) {
	s := testStore(t)
	p := txParamsFromStore(t, s)
	p.CTL = true
	p.TransportPDU = []byte{0x01, 0x02, 0x03}

	wire, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	// ciphertext portion = DST(2) + TransportPDU(3) + NetMIC(8) = 13 bytes
	wantLen := 1 + headerLen + 2 + len(p.TransportPDU) + 8
	if len(wire) != wantLen {
		t.Fatalf("expected wire length %d, got %d", wantLen, len(wire))
	}

	res, err := Decode(wire, s, p.IVIndex)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CTL {
		t.Fatal("expected CTL to round-trip as true")
	}
}

func TestShouldRelay(t *testing.T) {
	cases := []struct {
		name       string
		relay      bool
		ttl        byte
		seen       bool
		wantRelay  bool
		wantTTLOut byte
	}{
		{"disabled", false, 5, false, false, 0},
		{"ttl one", true, 1, false, false, 0},
		{"already seen", true, 5, true, false, 0},
		{"relays and decrements", true, 5, false, true, 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ttl, relay := ShouldRelay(c.relay, c.ttl, c.seen)
			if relay != c.wantRelay {
				t.Fatalf("relay = %v, want %v", relay, c.wantRelay)
			}
			if relay && ttl != c.wantTTLOut {
				t.Fatalf("ttl = %d, want %d", ttl, c.wantTTLOut)
			}
		})
	}
}

func TestEncodeRejectsSeqOutOfRange(t *testing.T) {
	s := testStore(t)
	p := txParamsFromStore(t, s)
	p.Seq = 0x01000000
	if _, err := Encode(p); err == nil {
		t.Fatal("expected error for out-of-range sequence number")
	}
}
