package crypto

import (
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// S1 is the Bluetooth Mesh salt generation function: s1(M) = AES-CMAC(0^16, M).
func S1(m []byte) ([16]byte, error) {
	var out [16]byte
	zeroKey := make([]byte, 16)
	mac, err := AESCMAC(zeroKey, m)
	if err != nil {
		return out, err
	}
	copy(out[:], mac)
	return out, nil
}

// K1 derives key material: k1(N, salt, P) = AES-CMAC(AES-CMAC(salt, N), P).
// Used for identity_key, beacon_key, and every provisioning-derived key
// (confirmation key, session key/nonce, device key).
func K1(n, salt, p []byte) ([16]byte, error) {
	var out [16]byte
	t, err := AESCMAC(salt, n)
	if err != nil {
		return out, err
	}
	mac, err := AESCMAC(t, p)
	if err != nil {
		return out, err
	}
	copy(out[:], mac)
	return out, nil
}

// K2Output holds the three concatenated fields k2 derives for a network key:
// NID (low 7 bits of the last octet of the first CMAC output, T1),
// EncryptionKey and PrivacyKey.
type K2Output struct {
	NID            byte
	EncryptionKey  [16]byte
	PrivacyKey     [16]byte
}

// K2 derives NID/EncryptionKey/PrivacyKey from a network key N and a key
// refresh phase tag p (0x00 during normal use).
func K2(n []byte, p byte) (K2Output, error) {
	var out K2Output
	salt, err := S1([]byte("smk2"))
	if err != nil {
		return out, err
	}
	t, err := AESCMAC(salt[:], n)
	if err != nil {
		return out, err
	}

	t1, err := AESCMAC(t, append([]byte{p}, 0x01))
	if err != nil {
		return out, err
	}
	t2buf := append(append([]byte{}, t1...), p)
	t2buf = append(t2buf, 0x02)
	t2, err := AESCMAC(t, t2buf)
	if err != nil {
		return out, err
	}
	t3buf := append(append([]byte{}, t2...), p)
	t3buf = append(t3buf, 0x03)
	t3, err := AESCMAC(t, t3buf)
	if err != nil {
		return out, err
	}

	out.NID = t1[15] & 0x7F
	copy(out.EncryptionKey[:], t2)
	copy(out.PrivacyKey[:], t3)
	return out, nil
}

// K3 derives the 8-octet network_id from a network key: the last 8 octets
// of AES-CMAC(s1("smk3"), N) folded through the "id64" label.
func K3(n []byte) ([8]byte, error) {
	var out [8]byte
	salt, err := S1([]byte("smk3"))
	if err != nil {
		return out, err
	}
	t, err := AESCMAC(salt[:], n)
	if err != nil {
		return out, err
	}
	mac, err := AESCMAC(t, append([]byte("id64"), 0x01))
	if err != nil {
		return out, err
	}
	if len(mac) < 8 {
		return out, fmt.Errorf("k3 output too short: %w", merr.Fail)
	}
	copy(out[:], mac[8:16])
	return out, nil
}

// K4 derives the 6-bit AID from an application key: low 6 bits of the last
// octet of AES-CMAC(s1("smk4"), A) folded through the "id6" label.
func K4(a []byte) (byte, error) {
	salt, err := S1([]byte("smk4"))
	if err != nil {
		return 0, err
	}
	t, err := AESCMAC(salt[:], a)
	if err != nil {
		return 0, err
	}
	mac, err := AESCMAC(t, append([]byte("id6"), 0x01))
	if err != nil {
		return 0, err
	}
	return mac[15] & 0x3F, nil
}
