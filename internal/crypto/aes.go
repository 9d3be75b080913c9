// Package crypto adapts AES-128-ECB, AES-CMAC, AES-CCM and ECDH P-256 for
// the rest of the mesh core (spec §4.1, component C1). Every primitive here
// is side-effect-free except key generation; MIC failure is reported
// distinctly from a malformed-argument error so callers never mistake one
// for the other.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// EncryptBlock performs a single AES-128-ECB encryption of a 16-byte block,
// used directly by the k2 derivation and by network-PDU obfuscation (PECB).
func EncryptBlock(key, in []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("aes128 key must be 16 bytes: %w", merr.Inval)
	}
	if len(in) != 16 {
		return nil, fmt.Errorf("aes128 block must be 16 bytes: %w", merr.Inval)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes128 key schedule: %w", merr.Inval)
	}
	out := make([]byte, 16)
	block.Encrypt(out, in)
	return out, nil
}

// CCMEncrypt seals plaintext under key/nonce with additional authenticated
// data aad, producing ciphertext||tag of length len(plaintext)+micLen.
// micLen must be 4 or 8 (NetMIC/TransMIC sizes used throughout the stack).
func CCMEncrypt(key, nonce, aad, plaintext []byte, micLen int) ([]byte, error) {
	aead, err := newCCM(key, micLen)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("ccm nonce must be %d bytes: %w", aead.NonceSize(), merr.Inval)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// CCMDecrypt opens ciphertext (which includes the trailing tag) under
// key/nonce/aad. A MIC failure is reported as merr.Key, distinct from a
// malformed-argument error (merr.Inval), per the §4.1 contract.
func CCMDecrypt(key, nonce, aad, ciphertext []byte, micLen int) ([]byte, error) {
	aead, err := newCCM(key, micLen)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("ccm nonce must be %d bytes: %w", aead.NonceSize(), merr.Inval)
	}
	if len(ciphertext) < micLen {
		return nil, fmt.Errorf("ccm ciphertext shorter than mic: %w", merr.Length)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		// crypto/cipher reports both auth failure and malformed input via
		// the same opaque error; at this point length/argument shape has
		// already been validated above, so any failure here is a MIC
		// mismatch, not an argument problem.
		return nil, fmt.Errorf("ccm authentication failed: %w", merr.Key)
	}
	return plaintext, nil
}

func newCCM(key []byte, micLen int) (cipher.AEAD, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("ccm key must be 16 bytes: %w", merr.Inval)
	}
	if micLen != 4 && micLen != 8 {
		return nil, fmt.Errorf("ccm mic length must be 4 or 8: %w", merr.Inval)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ccm key schedule: %w", merr.Inval)
	}
	// Bluetooth Mesh uses a 13-byte nonce (network_nonce/app_nonce/
	// device_nonce are all 13 bytes), the maximum nonce size the standard
	// CCM construction allows alongside a 32-bit length field.
	aead, err := cipher.NewCCMWithNonceAndTagSize(block, 13, micLen)
	if err != nil {
		return nil, fmt.Errorf("ccm mode init: %w", merr.Inval)
	}
	return aead, nil
}
