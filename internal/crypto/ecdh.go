package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/meshx/meshcore/internal/merr"
)

// ECDHKeyPair is an ephemeral P-256 key pair in the uncompressed wire form
// the provisioning FSM exchanges on the link: a 64-byte public key (X||Y,
// 32 bytes each) and a 32-byte private scalar.
type ECDHKeyPair struct {
	Public  [64]byte
	Private [32]byte
}

// ECDHMakeKey generates a fresh P-256 key pair, matching the teacher's use
// of crypto/ecdh-family APIs (cmd/root.go parses crypto/ecdsa keys from the
// same standard-library family) rather than a third-party curve library.
func ECDHMakeKey() (ECDHKeyPair, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return ECDHKeyPair{}, fmt.Errorf("ecdh key generation: %w", merr.Mem)
	}
	var kp ECDHKeyPair
	copy(kp.Private[:], priv.Bytes())
	pub := priv.PublicKey().Bytes() // uncompressed: 0x04 || X || Y
	if len(pub) != 65 {
		return ECDHKeyPair{}, fmt.Errorf("unexpected ecdh public key encoding: %w", merr.Fail)
	}
	copy(kp.Public[:], pub[1:])
	return kp, nil
}

// ECDHValidatePublic reports whether pub (64-byte X||Y) lies on the P-256
// curve, as the provisioning FSM must check before using a peer's public
// key (spec §4.14, PUBLIC_KEY state).
func ECDHValidatePublic(pub [64]byte) bool {
	_, err := decodePublic(pub)
	return err == nil
}

// ECDHSharedSecret computes the P-256 ECDH shared secret (the X coordinate
// of priv*peerPub) used to derive the provisioning confirmation/session
// keys (spec §4.14).
func ECDHSharedSecret(peerPub [64]byte, priv [32]byte) ([32]byte, error) {
	var out [32]byte
	curve := ecdh.P256()

	peerKey, err := decodePublic(peerPub)
	if err != nil {
		return out, fmt.Errorf("peer public key not on curve: %w", merr.Inval)
	}
	privKey, err := curve.NewPrivateKey(priv[:])
	if err != nil {
		return out, fmt.Errorf("invalid private scalar: %w", merr.Inval)
	}
	shared, err := privKey.ECDH(peerKey)
	if err != nil {
		return out, fmt.Errorf("ecdh agreement failed: %w", merr.Inval)
	}
	if len(shared) != 32 {
		return out, fmt.Errorf("unexpected shared secret length: %w", merr.Fail)
	}
	copy(out[:], shared)
	return out, nil
}

func decodePublic(pub [64]byte) (*ecdh.PublicKey, error) {
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], pub[:])
	return ecdh.P256().NewPublicKey(uncompressed)
}
