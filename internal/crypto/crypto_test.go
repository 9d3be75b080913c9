package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESCMACDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	msg := []byte("bluetooth mesh network key derivation")

	mac1, err := AESCMAC(key, msg)
	require.NoError(t, err)
	require.Len(t, mac1, 16)

	mac2, err := AESCMAC(key, msg)
	require.NoError(t, err)
	require.Equal(t, mac1, mac2, "CMAC must be a pure function of (key, msg)")

	mac3, err := AESCMAC(key, append(append([]byte{}, msg...), 0x00))
	require.NoError(t, err)
	require.NotEqual(t, mac1, mac3, "appending a byte must change the CMAC")
}

func TestAESCMACHandlesAllLengths(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 16)
	for n := 0; n <= 40; n++ {
		msg := bytes.Repeat([]byte{byte(n)}, n)
		mac, err := AESCMAC(key, msg)
		require.NoErrorf(t, err, "length %d", n)
		require.Lenf(t, mac, 16, "length %d", n)
	}
}

func TestAESCMACRejectsBadKeyLength(t *testing.T) {
	_, err := AESCMAC(make([]byte, 10), []byte("x"))
	require.Error(t, err)
}

func TestS1AndK1(t *testing.T) {
	n := bytes.Repeat([]byte{0x7d, 0xd7, 0x36, 0x4c}, 4)
	salt, err := S1([]byte("test"))
	require.NoError(t, err)
	require.NotEqual(t, [16]byte{}, salt)

	k1a, err := K1(n, salt[:], []byte("prck"))
	require.NoError(t, err)
	k1b, err := K1(n, salt[:], []byte("prsk"))
	require.NoError(t, err)
	require.NotEqual(t, k1a, k1b, "different P values must yield different keys")
}

func TestK2DerivesDistinctFields(t *testing.T) {
	n := bytes.Repeat([]byte{0xaa}, 16)
	out, err := K2(n, 0x00)
	require.NoError(t, err)
	require.LessOrEqual(t, out.NID, byte(0x7F))
	require.NotEqual(t, out.EncryptionKey, out.PrivacyKey)

	out2, err := K2(n, 0x00)
	require.NoError(t, err)
	require.Equal(t, out, out2, "k2 must be deterministic")

	different := bytes.Repeat([]byte{0xbb}, 16)
	out3, err := K2(different, 0x00)
	require.NoError(t, err)
	require.NotEqual(t, out.NID, out3.NID, "different network keys should (almost certainly) produce different NIDs")
}

func TestK3AndK4(t *testing.T) {
	n := bytes.Repeat([]byte{0x11}, 16)
	id1, err := K3(n)
	require.NoError(t, err)
	id2, err := K3(n)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	a := bytes.Repeat([]byte{0x22}, 16)
	aid, err := K4(a)
	require.NoError(t, err)
	require.LessOrEqual(t, aid, byte(0x3F))
}

func TestCCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x5c}, 16)
	nonce := bytes.Repeat([]byte{0x01}, 13)
	aad := []byte{0x12, 0x34}
	plaintext := []byte("mesh access payload")

	ct, err := CCMEncrypt(key, nonce, aad, plaintext, 4)
	require.NoError(t, err)
	require.Len(t, ct, len(plaintext)+4)

	pt, err := CCMDecrypt(key, nonce, aad, ct, 4)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestCCMDecryptFailsOnTamper(t *testing.T) {
	key := bytes.Repeat([]byte{0x5c}, 16)
	nonce := bytes.Repeat([]byte{0x01}, 13)
	plaintext := []byte("mesh access payload")

	ct, err := CCMEncrypt(key, nonce, nil, plaintext, 8)
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = CCMDecrypt(key, nonce, nil, ct, 8)
	require.ErrorContains(t, err, "authentication failed")
}

func TestECDHSharedSecretAgrees(t *testing.T) {
	a, err := ECDHMakeKey()
	require.NoError(t, err)
	b, err := ECDHMakeKey()
	require.NoError(t, err)

	require.True(t, ECDHValidatePublic(a.Public))
	require.True(t, ECDHValidatePublic(b.Public))

	sharedA, err := ECDHSharedSecret(b.Public, a.Private)
	require.NoError(t, err)
	sharedB, err := ECDHSharedSecret(a.Public, b.Private)
	require.NoError(t, err)
	require.Equal(t, sharedA, sharedB)
}

func TestECDHValidatePublicRejectsGarbage(t *testing.T) {
	var garbage [64]byte
	for i := range garbage {
		garbage[i] = byte(i)
	}
	require.False(t, ECDHValidatePublic(garbage))
}
