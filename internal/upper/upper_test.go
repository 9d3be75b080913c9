package upper

import (
	"bytes"
	"testing"
)

func testKey() [16]byte {
	var k [16]byte
	for i := range k {
		k[i] = byte(i * 3)
	}
	return k
}

func TestEncryptDecryptRoundTripApp(t *testing.T) {
	key := testKey()
	p := Params{AKF: true, ASZMIC: false, SeqAuth: 0x001234, Src: 0x0001, Dst: 0x0002, IVIndex: 7}
	plaintext := []byte("hello mesh")

	ct, err := Encrypt(key, p, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(ct) != len(plaintext)+4 {
		t.Fatalf("expected 4-byte TransMIC appended, got len %d", len(ct))
	}

	pt, err := Decrypt(key, p, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("decrypted payload mismatch: %q vs %q", pt, plaintext)
	}
}

func TestEncryptDecryptRoundTripDeviceSegmented(t *testing.T) {
	key := testKey()
	p := Params{AKF: false, ASZMIC: true, SeqAuth: 0x00ABCD, Src: 0x0010, Dst: 0x0020, IVIndex: 42}
	plaintext := bytes.Repeat([]byte{0xCD}, 20)

	ct, err := Encrypt(key, p, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(ct) != len(plaintext)+8 {
		t.Fatalf("expected 8-byte TransMIC appended, got len %d", len(ct))
	}

	pt, err := Decrypt(key, p, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("decrypted payload mismatch")
	}
}

func TestVirtualAddressAADMismatchFails(t *testing.T) {
	key := testKey()
	label1 := [16]byte{1, 2, 3}
	label2 := [16]byte{4, 5, 6}
	p := Params{AKF: true, Src: 1, Dst: 0xC000, IVIndex: 1, VirtualLabel: &label1}

	ct, err := Encrypt(key, p, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}

	p.VirtualLabel = &label2
	if _, err := Decrypt(key, p, ct); err == nil {
		t.Fatal("expected decrypt to fail with mismatched virtual label AAD")
	}
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	key := testKey()
	wrong := testKey()
	wrong[0] ^= 0xFF
	p := Params{AKF: false, Src: 1, Dst: 2, IVIndex: 1}

	ct, err := Encrypt(key, p, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(wrong, p, ct); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestPassThroughControl(t *testing.T) {
	payload := []byte{1, 2, 3}
	out, err := PassThroughControl(payload)
	if err != nil {
		t.Fatal(err)
	}
	if &out[0] != &payload[0] {
		t.Fatal("expected identity transform to return the same underlying data")
	}
}

func TestPassThroughControlRejectsNil(t *testing.T) {
	if _, err := PassThroughControl(nil); err == nil {
		t.Fatal("expected error for nil control payload")
	}
}
