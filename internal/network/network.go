// Package network implements the network layer: PDU encryption,
// obfuscation, candidate-NID decryption, and the relay decision (spec
// §4.8, component C8).
package network

import (
	"fmt"

	"github.com/meshx/meshcore/internal/crypto"
	"github.com/meshx/meshcore/internal/keystore"
	"github.com/meshx/meshcore/internal/merr"
	"github.com/meshx/meshcore/internal/mesh"
)

// headerLen is the obfuscated portion of the wire PDU: CTL‖TTL (1) ‖ SEQ (3)
// ‖ SRC (2).
const headerLen = 6

// TxParams carries everything Encode needs to build one outbound network
// PDU (spec §4.8 "Encrypt (TX)").
type TxParams struct {
	NID           byte
	EncryptionKey [16]byte
	PrivacyKey    [16]byte
	CTL           bool
	TTL           byte
	Seq           uint32 // 24-bit
	Src           uint16
	Dst           uint16
	IVIndex       uint32
	TransportPDU  []byte
}

// micLen returns the NetMIC length for ctl: 32 bits unsegmented/CTL=0
// messages, 64 bits for CTL=1 (spec §4.8 wire format note).
func micLen(ctl bool) int {
	if ctl {
		return 8
	}
	return 4
}

func networkNonce(ctl bool, ttl byte, seq uint32, src uint16, ivIndex uint32) []byte {
	n := make([]byte, 13)
	n[0] = 0x00
	if ctl {
		n[1] = 0x80 | (ttl & 0x7F)
	} else {
		n[1] = ttl & 0x7F
	}
	n[2] = byte(seq >> 16)
	n[3] = byte(seq >> 8)
	n[4] = byte(seq)
	n[5] = byte(src >> 8)
	n[6] = byte(src)
	n[7] = 0
	n[8] = 0
	n[9] = byte(ivIndex >> 24)
	n[10] = byte(ivIndex >> 16)
	n[11] = byte(ivIndex >> 8)
	n[12] = byte(ivIndex)
	return n
}

// pecb computes PECB = aes128(privacy_key, 0^5 ‖ IV_INDEX ‖ first7(ciphertext))
// per spec §4.8, and returns its first 6 bytes (the obfuscation mask).
func pecb(privacyKey [16]byte, ivIndex uint32, privacyRandom []byte) ([]byte, error) {
	if len(privacyRandom) != 7 {
		return nil, fmt.Errorf("privacy random must be 7 bytes: %w", merr.Inval)
	}
	block := make([]byte, 0, 16)
	block = append(block, 0, 0, 0, 0, 0)
	block = append(block, byte(ivIndex>>24), byte(ivIndex>>16), byte(ivIndex>>8), byte(ivIndex))
	block = append(block, privacyRandom...)
	out, err := crypto.EncryptBlock(privacyKey[:], block)
	if err != nil {
		return nil, err
	}
	return out[:6], nil
}

func xorBytes(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Encode builds a complete on-the-wire network PDU.
func Encode(p TxParams) ([]byte, error) {
	if p.Seq > 0xFFFFFF {
		return nil, fmt.Errorf("sequence number exceeds 24 bits: %w", merr.Inval)
	}
	if !mesh.ValidSource(mesh.Address(p.Src)) {
		return nil, fmt.Errorf("source address %#04x is not unicast: %w", p.Src, merr.Inval)
	}
	if !mesh.ValidDestination(mesh.Address(p.Dst)) {
		return nil, fmt.Errorf("destination address %#04x is reserved or unassigned: %w", p.Dst, merr.Inval)
	}
	mlen := micLen(p.CTL)
	nonce := networkNonce(p.CTL, p.TTL, p.Seq, p.Src, p.IVIndex)

	plaintext := make([]byte, 0, 2+len(p.TransportPDU))
	plaintext = append(plaintext, byte(p.Dst>>8), byte(p.Dst))
	plaintext = append(plaintext, p.TransportPDU...)

	ciphertext, err := crypto.CCMEncrypt(p.EncryptionKey[:], nonce, nil, plaintext, mlen)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 7 {
		return nil, fmt.Errorf("ciphertext shorter than privacy random window: %w", merr.Length)
	}

	header := make([]byte, headerLen)
	if p.CTL {
		header[0] = 0x80 | (p.TTL & 0x7F)
	} else {
		header[0] = p.TTL & 0x7F
	}
	header[1] = byte(p.Seq >> 16)
	header[2] = byte(p.Seq >> 8)
	header[3] = byte(p.Seq)
	header[4] = byte(p.Src >> 8)
	header[5] = byte(p.Src)

	mask, err := pecb(p.PrivacyKey, p.IVIndex, ciphertext[:7])
	if err != nil {
		return nil, err
	}
	xorBytes(header, mask)

	ivi := byte(p.IVIndex & 1)
	wire := make([]byte, 0, 1+headerLen+len(ciphertext))
	wire = append(wire, (ivi<<7)|(p.NID&0x7F))
	wire = append(wire, header...)
	wire = append(wire, ciphertext...)
	return wire, nil
}

// RxResult is a successfully decrypted and deobfuscated inbound network PDU.
type RxResult struct {
	CTL          bool
	TTL          byte
	Seq          uint32
	Src          uint16
	Dst          uint16
	TransportPDU []byte
	IVIndex      uint32
	NetKeyIndex  uint16
}

// Decode reverses obfuscation using each network-key candidate whose NID
// matches the inbound NID, stopping at the first successful CCM
// authentication (spec §4.8 "Decrypt (RX)"). currentIVIndex lets the caller
// retry with ivIndex-1 when the inbound IVI bit disagrees with the current
// index's parity (spec §4.8 "IVI selection").
func Decode(wire []byte, store *keystore.Store, currentIVIndex uint32) (*RxResult, error) {
	if len(wire) < 1+headerLen+7 {
		return nil, fmt.Errorf("network pdu too short: %w", merr.Length)
	}
	ivi := wire[0] >> 7
	nid := wire[0] & 0x7F
	obfHeader := append([]byte(nil), wire[1:1+headerLen]...)
	ciphertext := wire[1+headerLen:]
	privacyRandom := ciphertext[:7]

	ivCandidates := []uint32{currentIVIndex}
	if byte(currentIVIndex&1) != ivi {
		if currentIVIndex > 0 {
			ivCandidates = []uint32{currentIVIndex - 1}
		}
	}

	var result *RxResult
	err := store.TraverseNID(nid, func(index uint16, root, encKey, privKey []byte) error {
		var encK, privK [16]byte
		copy(encK[:], encKey)
		copy(privK[:], privKey)

		for _, ivIndex := range ivCandidates {
			mask, err := pecb(privK, ivIndex, privacyRandom)
			if err != nil {
				continue
			}
			header := append([]byte(nil), obfHeader...)
			xorBytes(header, mask)

			ctl := header[0]&0x80 != 0
			ttl := header[0] & 0x7F
			seq := uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
			src := uint16(header[4])<<8 | uint16(header[5])

			nonce := networkNonce(ctl, ttl, seq, src, ivIndex)
			plaintext, err := crypto.CCMDecrypt(encK[:], nonce, nil, ciphertext, micLen(ctl))
			if err != nil {
				continue
			}
			if len(plaintext) < 2 {
				continue
			}
			dst := uint16(plaintext[0])<<8 | uint16(plaintext[1])
			if !mesh.ValidSource(mesh.Address(src)) || !mesh.ValidDestination(mesh.Address(dst)) {
				continue
			}
			result = &RxResult{
				CTL:          ctl,
				TTL:          ttl,
				Seq:          seq,
				Src:          src,
				Dst:          dst,
				TransportPDU: plaintext[2:],
				IVIndex:      ivIndex,
				NetKeyIndex:  index,
			}
			return merr.Stop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("no network key candidate authenticated: %w", merr.Key)
	}
	return result, nil
}

// ShouldRelay applies the relay policy: forward only when relay is
// enabled, TTL > 1, and (src, seq) has not already been seen (spec §4.8
// "Relay policy"). On true, returns the TTL to use for the outgoing copy
// (decremented by one).
func ShouldRelay(relayEnabled bool, ttl byte, alreadySeen bool) (byte, bool) {
	if !relayEnabled || ttl <= 1 || alreadySeen {
		return 0, false
	}
	return ttl - 1, true
}
