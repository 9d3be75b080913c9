package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

const cmacBlockSize = 16

// AESCMAC computes the NIST SP 800-38B CMAC of msg under a 16-byte key. No
// library in the retrieved pack implements AES-CMAC (see DESIGN.md), so this
// is the one hand-rolled primitive in the crypto adapter; every other
// primitive here defers to a standard-library or ecosystem implementation.
func AESCMAC(key, msg []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("cmac key must be 16 bytes: %w", merr.Inval)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmac key schedule: %w", merr.Inval)
	}

	k1, k2 := cmacSubkeys(block)

	n := len(msg)
	fullBlocks := n / cmacBlockSize
	var lastBlock [cmacBlockSize]byte

	if n > 0 && n%cmacBlockSize == 0 {
		// Exact multiple: last full block is XORed with K1 and is not
		// re-processed in the loop below.
		fullBlocks--
		copy(lastBlock[:], msg[n-cmacBlockSize:])
		xorInto(lastBlock[:], k1)
	} else {
		tail := msg[fullBlocks*cmacBlockSize:]
		copy(lastBlock[:], tail)
		lastBlock[len(tail)] = 0x80
		xorInto(lastBlock[:], k2)
	}

	mac := make([]byte, cmacBlockSize)
	for i := 0; i < fullBlocks; i++ {
		block.Encrypt(mac, xor16(mac, msg[i*cmacBlockSize:(i+1)*cmacBlockSize]))
	}
	block.Encrypt(mac, xor16(mac, lastBlock[:]))
	return mac, nil
}

// cmacSubkeys derives K1/K2 per SP 800-38B §6.1.
func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87
	zero := make([]byte, cmacBlockSize)
	l := make([]byte, cmacBlockSize)
	block.Encrypt(l, zero)

	k1 = leftShiftOne(l)
	if l[0]&0x80 != 0 {
		k1[cmacBlockSize-1] ^= rb
	}
	k2 = leftShiftOne(k1)
	if k1[0]&0x80 != 0 {
		k2[cmacBlockSize-1] ^= rb
	}
	return k1, k2
}

func leftShiftOne(in []byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = (in[i] << 1) | carry
		carry = in[i] >> 7
	}
	return out
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func xor16(a, b []byte) []byte {
	out := make([]byte, cmacBlockSize)
	for i := 0; i < cmacBlockSize; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// ConstantTimeEqual reports whether a and b are equal using a constant-time
// comparison, used when checking a received CMAC/confirmation value against
// a locally computed one so timing does not leak how many leading bytes
// matched.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
