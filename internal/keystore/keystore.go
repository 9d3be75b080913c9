// Package keystore owns net keys, application keys and device keys, and
// performs their derivations (spec §4.2, component C2). All mutation is
// expected to happen from the single main-loop goroutine (spec §5); the
// store itself does no locking.
package keystore

import (
	"fmt"
	"log/slog"

	"github.com/meshx/meshcore/internal/crypto"
	"github.com/meshx/meshcore/internal/merr"
)

// RefreshPhase tracks key-refresh procedure state for a network key.
type RefreshPhase int

const (
	PhaseNormal RefreshPhase = iota
	Phase1
	Phase2
)

// NetKey is a network key entry plus all material derived from its root
// (spec §3 "Key material").
type NetKey struct {
	Index         uint16 // 12-bit
	Root          [16]byte
	NID           byte
	EncryptionKey [16]byte
	PrivacyKey    [16]byte
	IdentityKey   [16]byte
	BeaconKey     [16]byte
	NetworkID     [8]byte

	Phase  RefreshPhase
	OldKey *NetKey // non-nil while Phase is Phase1/Phase2
}

// AppKey is an application key entry bound to exactly one network key index.
type AppKey struct {
	Index     uint16 // 12-bit
	NetKeyIdx uint16
	Root      [16]byte
	AID       byte

	Phase  RefreshPhase
	OldKey *AppKey
}

// DeviceKey is bound to a unicast address range owned by one element-set.
type DeviceKey struct {
	PrimaryAddr uint16
	ElementNum  uint8
	Root        [16]byte
}

// Store holds every key table for the node.
type Store struct {
	maxNetKeys    int
	maxAppKeys    int
	maxDeviceKeys int

	netKeys    map[uint16]*NetKey
	appKeys    map[uint16]*AppKey
	deviceKeys map[uint16]*DeviceKey
}

// New returns a Store bounded by the given per-table capacities (spec §4.2:
// "Capacity is bounded by configuration").
func New(maxNetKeys, maxAppKeys, maxDeviceKeys int) *Store {
	return &Store{
		maxNetKeys:    maxNetKeys,
		maxAppKeys:    maxAppKeys,
		maxDeviceKeys: maxDeviceKeys,
		netKeys:       make(map[uint16]*NetKey),
		appKeys:       make(map[uint16]*AppKey),
		deviceKeys:    make(map[uint16]*DeviceKey),
	}
}

// deriveNetKey computes identity_key, beacon_key, (nid, encryption_key,
// privacy_key) and network_id from a root key, per spec §4.2.
func deriveNetKey(index uint16, root [16]byte) (*NetKey, error) {
	idSalt, err := crypto.S1([]byte("nkik"))
	if err != nil {
		return nil, err
	}
	identityKey, err := crypto.K1(root[:], idSalt[:], append([]byte("id128"), 0x01))
	if err != nil {
		return nil, err
	}

	beaconSalt, err := crypto.S1([]byte("nkbk"))
	if err != nil {
		return nil, err
	}
	beaconKey, err := crypto.K1(root[:], beaconSalt[:], append([]byte("id128"), 0x01))
	if err != nil {
		return nil, err
	}

	k2out, err := crypto.K2(root[:], 0x00)
	if err != nil {
		return nil, err
	}

	networkID, err := crypto.K3(root[:])
	if err != nil {
		return nil, err
	}

	return &NetKey{
		Index:         index,
		Root:          root,
		NID:           k2out.NID,
		EncryptionKey: k2out.EncryptionKey,
		PrivacyKey:    k2out.PrivacyKey,
		IdentityKey:   identityKey,
		BeaconKey:     beaconKey,
		NetworkID:     networkID,
		Phase:         PhaseNormal,
	}, nil
}

// AddNetKey derives and stores a new network key at index.
func (s *Store) AddNetKey(index uint16, root [16]byte) error {
	if index > 0xFFF {
		return fmt.Errorf("net key index out of range: %w", merr.Inval)
	}
	if _, exists := s.netKeys[index]; exists {
		return fmt.Errorf("net key index %d already present: %w", index, merr.Already)
	}
	if len(s.netKeys) >= s.maxNetKeys {
		return fmt.Errorf("net key table full: %w", merr.Resource)
	}
	nk, err := deriveNetKey(index, root)
	if err != nil {
		return err
	}
	s.netKeys[index] = nk
	slog.Info("net key added", "index", index, "nid", nk.NID)
	return nil
}

// UpdateNetKey installs a second root under key-refresh phase 1, per spec
// §3: "in phase1/phase2 two key variants coexist".
func (s *Store) UpdateNetKey(index uint16, newRoot [16]byte) error {
	cur, ok := s.netKeys[index]
	if !ok {
		return fmt.Errorf("net key index %d: %w", index, merr.NotFound)
	}
	if cur.Phase != PhaseNormal {
		return fmt.Errorf("net key %d refresh already in progress: %w", index, merr.State)
	}
	nk, err := deriveNetKey(index, newRoot)
	if err != nil {
		return err
	}
	old := *cur
	nk.Phase = Phase1
	nk.OldKey = &old
	s.netKeys[index] = nk
	return nil
}

// CommitNetKeyRefresh moves a phase1 key to phase2, and a phase2 key back to
// normal (retiring the old variant), mirroring the Key Refresh Procedure's
// phase transitions driven by the beacon engine (spec §4.12).
func (s *Store) CommitNetKeyRefresh(index uint16) error {
	nk, ok := s.netKeys[index]
	if !ok {
		return fmt.Errorf("net key index %d: %w", index, merr.NotFound)
	}
	switch nk.Phase {
	case Phase1:
		nk.Phase = Phase2
	case Phase2:
		nk.Phase = PhaseNormal
		nk.OldKey = nil
	default:
		return fmt.Errorf("net key %d not in refresh: %w", index, merr.State)
	}
	return nil
}

// DeleteNetKey removes a network key. It fails with merr.State while any app
// key is still bound to it, so bound app keys must be deleted first.
func (s *Store) DeleteNetKey(index uint16) error {
	if _, ok := s.netKeys[index]; !ok {
		return fmt.Errorf("net key index %d: %w", index, merr.NotFound)
	}
	for _, ak := range s.appKeys {
		if ak.NetKeyIdx == index {
			return fmt.Errorf("net key %d still bound by app key %d: %w", index, ak.Index, merr.State)
		}
	}
	delete(s.netKeys, index)
	return nil
}

// NetKey looks up a network key by index.
func (s *Store) NetKey(index uint16) (*NetKey, bool) {
	nk, ok := s.netKeys[index]
	return nk, ok
}

// TraverseNID yields every network key (old or current variant) whose NID
// matches, so network-layer decryption can try each candidate in turn
// (spec §4.2: meshx_net_key_traverse, spec §4.8 decrypt loop).
func (s *Store) TraverseNID(nid byte, fn func(index uint16, root, encKey, privKey []byte) error) error {
	for idx, nk := range s.netKeys {
		if nk.NID == nid {
			if err := fn(idx, nk.Root[:], nk.EncryptionKey[:], nk.PrivacyKey[:]); err != nil {
				if err == merr.Stop {
					return nil
				}
				return err
			}
		}
		if nk.OldKey != nil && nk.OldKey.NID == nid {
			if err := fn(idx, nk.OldKey.Root[:], nk.OldKey.EncryptionKey[:], nk.OldKey.PrivacyKey[:]); err != nil {
				if err == merr.Stop {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// AddAppKey derives and stores a new application key bound to netKeyIdx.
func (s *Store) AddAppKey(index, netKeyIdx uint16, root [16]byte) error {
	if index > 0xFFF {
		return fmt.Errorf("app key index out of range: %w", merr.Inval)
	}
	if _, ok := s.netKeys[netKeyIdx]; !ok {
		return fmt.Errorf("bound net key %d: %w", netKeyIdx, merr.NotFound)
	}
	if _, exists := s.appKeys[index]; exists {
		return fmt.Errorf("app key index %d already present: %w", index, merr.Already)
	}
	if len(s.appKeys) >= s.maxAppKeys {
		return fmt.Errorf("app key table full: %w", merr.Resource)
	}
	aid, err := crypto.K4(root[:])
	if err != nil {
		return err
	}
	s.appKeys[index] = &AppKey{
		Index:     index,
		NetKeyIdx: netKeyIdx,
		Root:      root,
		AID:       aid,
		Phase:     PhaseNormal,
	}
	return nil
}

// UpdateAppKey installs a second root for key refresh, tracking the
// coexisting old key the same way net keys do.
func (s *Store) UpdateAppKey(index uint16, newRoot [16]byte) error {
	cur, ok := s.appKeys[index]
	if !ok {
		return fmt.Errorf("app key index %d: %w", index, merr.NotFound)
	}
	if cur.Phase != PhaseNormal {
		return fmt.Errorf("app key %d refresh already in progress: %w", index, merr.State)
	}
	aid, err := crypto.K4(newRoot[:])
	if err != nil {
		return err
	}
	old := *cur
	s.appKeys[index] = &AppKey{
		Index:     index,
		NetKeyIdx: cur.NetKeyIdx,
		Root:      newRoot,
		AID:       aid,
		Phase:     Phase1,
		OldKey:    &old,
	}
	return nil
}

// DeleteAppKey removes an application key.
func (s *Store) DeleteAppKey(index uint16) error {
	if _, ok := s.appKeys[index]; !ok {
		return fmt.Errorf("app key index %d: %w", index, merr.NotFound)
	}
	delete(s.appKeys, index)
	return nil
}

// AppKey looks up an application key by index.
func (s *Store) AppKey(index uint16) (*AppKey, bool) {
	ak, ok := s.appKeys[index]
	return ak, ok
}

// TraverseAID yields every application key (old or current variant) bound
// to netKeyIdx whose AID matches.
func (s *Store) TraverseAID(netKeyIdx uint16, aid byte, fn func(root []byte) error) error {
	for _, ak := range s.appKeys {
		if ak.NetKeyIdx != netKeyIdx {
			continue
		}
		if ak.AID == aid {
			if err := fn(ak.Root[:]); err != nil {
				if err == merr.Stop {
					return nil
				}
				return err
			}
		}
		if ak.OldKey != nil && ak.OldKey.AID == aid {
			if err := fn(ak.OldKey.Root[:]); err != nil {
				if err == merr.Stop {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// AddDeviceKey stores a device key bound to a unicast address range.
func (s *Store) AddDeviceKey(primaryAddr uint16, elementNum uint8, root [16]byte) error {
	if _, exists := s.deviceKeys[primaryAddr]; exists {
		return fmt.Errorf("device key for 0x%04x already present: %w", primaryAddr, merr.Already)
	}
	if len(s.deviceKeys) >= s.maxDeviceKeys {
		return fmt.Errorf("device key table full: %w", merr.Resource)
	}
	s.deviceKeys[primaryAddr] = &DeviceKey{PrimaryAddr: primaryAddr, ElementNum: elementNum, Root: root}
	return nil
}

// DeleteDeviceKey removes a device key by its element's primary address.
func (s *Store) DeleteDeviceKey(primaryAddr uint16) error {
	if _, ok := s.deviceKeys[primaryAddr]; !ok {
		return fmt.Errorf("device key for 0x%04x: %w", primaryAddr, merr.NotFound)
	}
	delete(s.deviceKeys, primaryAddr)
	return nil
}

// DeviceKeyFor returns the device key whose element range covers addr.
func (s *Store) DeviceKeyFor(addr uint16) (*DeviceKey, bool) {
	for _, dk := range s.deviceKeys {
		if addr >= dk.PrimaryAddr && addr < dk.PrimaryAddr+uint16(dk.ElementNum) {
			return dk, true
		}
	}
	return nil, false
}

// ListNetKeyIndices returns every stored network key index, for NVM
// persistence and for the secure-network-beacon engine (spec §4.12:
// "Emitted for each known network key").
func (s *Store) ListNetKeyIndices() []uint16 {
	out := make([]uint16, 0, len(s.netKeys))
	for idx := range s.netKeys {
		out = append(out, idx)
	}
	return out
}

// ListAppKeyIndices returns every stored application key index, for NVM
// persistence (spec §6: "app-key table").
func (s *Store) ListAppKeyIndices() []uint16 {
	out := make([]uint16, 0, len(s.appKeys))
	for idx := range s.appKeys {
		out = append(out, idx)
	}
	return out
}

// ListDeviceKeyAddrs returns every stored device key's primary address, for
// NVM persistence (spec §6: "device-key table").
func (s *Store) ListDeviceKeyAddrs() []uint16 {
	out := make([]uint16, 0, len(s.deviceKeys))
	for addr := range s.deviceKeys {
		out = append(out, addr)
	}
	return out
}
