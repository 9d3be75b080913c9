// Package beacon builds unprovisioned-device and secure-network beacons
// (spec §4.12, component C12).
package beacon

import (
	"fmt"

	"github.com/meshx/meshcore/internal/crypto"
	"github.com/meshx/meshcore/internal/keystore"
	"github.com/meshx/meshcore/internal/merr"
)

// Type tags the beacon wire type byte (spec §4.12).
const (
	TypeUnprovisioned byte = 0x00
	TypeSecureNetwork byte = 0x01
)

// Flags bits for a secure network beacon.
const (
	FlagKeyRefresh byte = 1 << 0
	FlagIVUpdate   byte = 1 << 1
)

// UnprovisionedDeviceBeacon builds a UDB PDU: type ‖ device_uuid(16) ‖
// oob_info(2) ‖ [uri_hash(4)] (spec §4.12). uriHash is omitted when nil.
func UnprovisionedDeviceBeacon(deviceUUID [16]byte, oobInfo uint16, uriHash *[4]byte) []byte {
	out := make([]byte, 0, 23)
	out = append(out, TypeUnprovisioned)
	out = append(out, deviceUUID[:]...)
	out = append(out, byte(oobInfo>>8), byte(oobInfo))
	if uriHash != nil {
		out = append(out, uriHash[:]...)
	}
	return out
}

// DecodeUnprovisionedDeviceBeacon parses a UDB PDU.
func DecodeUnprovisionedDeviceBeacon(pdu []byte) (deviceUUID [16]byte, oobInfo uint16, uriHash *[4]byte, err error) {
	if len(pdu) != 19 && len(pdu) != 23 {
		return deviceUUID, 0, nil, fmt.Errorf("unexpected udb length %d: %w", len(pdu), merr.Length)
	}
	if pdu[0] != TypeUnprovisioned {
		return deviceUUID, 0, nil, fmt.Errorf("not a udb: %w", merr.Inval)
	}
	copy(deviceUUID[:], pdu[1:17])
	oobInfo = uint16(pdu[17])<<8 | uint16(pdu[18])
	if len(pdu) == 23 {
		var h [4]byte
		copy(h[:], pdu[19:23])
		uriHash = &h
	}
	return deviceUUID, oobInfo, uriHash, nil
}

// SecureNetworkBeacon builds an SNB PDU: type ‖ flags(1) ‖ network_id(8) ‖
// iv_index(4) ‖ auth(8), where auth = first8(AES_CMAC(beacon_key, flags ‖
// network_id ‖ iv_index)) (spec §4.12).
func SecureNetworkBeacon(nk *keystore.NetKey, flags byte, ivIndex uint32) ([]byte, error) {
	body := make([]byte, 0, 13)
	body = append(body, flags)
	body = append(body, nk.NetworkID[:]...)
	body = append(body, byte(ivIndex>>24), byte(ivIndex>>16), byte(ivIndex>>8), byte(ivIndex))

	mac, err := crypto.AESCMAC(nk.BeaconKey[:], body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(body)+8)
	out = append(out, TypeSecureNetwork)
	out = append(out, body...)
	out = append(out, mac[:8]...)
	return out, nil
}

// VerifySecureNetworkBeacon recomputes auth and compares it against the
// beacon's trailing 8 bytes, returning the decoded flags and ivIndex on
// success.
func VerifySecureNetworkBeacon(nk *keystore.NetKey, pdu []byte) (flags byte, ivIndex uint32, err error) {
	if len(pdu) != 22 {
		return 0, 0, fmt.Errorf("unexpected snb length %d: %w", len(pdu), merr.Length)
	}
	if pdu[0] != TypeSecureNetwork {
		return 0, 0, fmt.Errorf("not an snb: %w", merr.Inval)
	}
	body := pdu[1:14]
	wantAuth := pdu[14:22]

	mac, err := crypto.AESCMAC(nk.BeaconKey[:], body)
	if err != nil {
		return 0, 0, err
	}
	if !crypto.ConstantTimeEqual(mac[:8], wantAuth) {
		return 0, 0, fmt.Errorf("secure network beacon auth mismatch: %w", merr.Key)
	}
	flags = body[0]
	ivIndex = uint32(body[9])<<24 | uint32(body[10])<<16 | uint32(body[11])<<8 | uint32(body[12])
	return flags, ivIndex, nil
}
