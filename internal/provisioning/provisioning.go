// Package provisioning implements the provisioning FSM that drives the PB-ADV
// link through invitation, capability exchange, key agreement, confirmation,
// and provisioning-data delivery (spec §4.14, component C14).
package provisioning

import (
	"fmt"

	"github.com/meshx/meshcore/internal/crypto"
	"github.com/meshx/meshcore/internal/merr"
)

// State is the shared provisioner/device state enum (spec §4.14).
type State int

const (
	Idle State = iota
	LinkOpening
	LinkOpened
	Invite
	Capabilities
	Start
	PublicKey
	InputComplete
	Confirmation
	Random
	Data
	Complete
	Failed
	LinkClosing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case LinkOpening:
		return "LINK_OPENING"
	case LinkOpened:
		return "LINK_OPENED"
	case Invite:
		return "INVITE"
	case Capabilities:
		return "CAPABILITIES"
	case Start:
		return "START"
	case PublicKey:
		return "PUBLIC_KEY"
	case InputComplete:
		return "INPUT_COMPLETE"
	case Confirmation:
		return "CONFIRMATION"
	case Random:
		return "RANDOM"
	case Data:
		return "DATA"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	case LinkClosing:
		return "LINK_CLOSING"
	default:
		return "UNKNOWN"
	}
}

// FailReason mirrors the Provisioning Failed opcode's error codes.
type FailReason byte

const (
	FailInvalidPDU         FailReason = 0x01
	FailInvalidFormat      FailReason = 0x02
	FailUnexpectedPDU      FailReason = 0x03
	FailConfirmationFailed FailReason = 0x04
	FailOutOfResources     FailReason = 0x05
	FailDecryptionFailed   FailReason = 0x06
	FailUnexpectedError    FailReason = 0x07
	FailCannotAssignAddr   FailReason = 0x08
)

// AuthMethod is the Start PDU's authentication method selector.
type AuthMethod byte

const (
	AuthNoOOB     AuthMethod = 0x00
	AuthStaticOOB AuthMethod = 0x01
	AuthOutputOOB AuthMethod = 0x02
	AuthInputOOB  AuthMethod = 0x03
)

// InviteMessage is the Provisioning Invite PDU.
type InviteMessage struct {
	Attention byte
}

// Capabilities is the Provisioning Capabilities PDU (13 bytes on the wire,
// big-endian multi-byte fields per spec §4.14).
type Capabilities struct {
	NumElements      byte
	Algorithms       uint16
	PublicKeyType    byte
	StaticOOBType    byte
	OutputOOBSize    byte
	OutputOOBActions uint16
	InputOOBSize     byte
	InputOOBActions  uint16
}

// EncodeCapabilities serializes Capabilities to its 13-byte wire form.
func EncodeCapabilities(c Capabilities) []byte {
	out := make([]byte, 13)
	out[0] = c.NumElements
	out[1] = byte(c.Algorithms >> 8)
	out[2] = byte(c.Algorithms)
	out[3] = c.PublicKeyType
	out[4] = c.StaticOOBType
	out[5] = c.OutputOOBSize
	out[6] = byte(c.OutputOOBActions >> 8)
	out[7] = byte(c.OutputOOBActions)
	out[8] = c.InputOOBSize
	out[9] = byte(c.InputOOBActions >> 8)
	out[10] = byte(c.InputOOBActions)
	out[11] = 0
	out[12] = 0
	return out
}

// DecodeCapabilities parses a 13-byte Capabilities PDU.
func DecodeCapabilities(pdu []byte) (Capabilities, error) {
	var c Capabilities
	if len(pdu) < 11 {
		return c, fmt.Errorf("capabilities pdu too short: %w", merr.Length)
	}
	c.NumElements = pdu[0]
	c.Algorithms = uint16(pdu[1])<<8 | uint16(pdu[2])
	c.PublicKeyType = pdu[3]
	c.StaticOOBType = pdu[4]
	c.OutputOOBSize = pdu[5]
	c.OutputOOBActions = uint16(pdu[6])<<8 | uint16(pdu[7])
	c.InputOOBSize = pdu[8]
	c.InputOOBActions = uint16(pdu[9])<<8 | uint16(pdu[10])
	return c, nil
}

// ValidateCapabilities checks the device-advertised Capabilities a
// provisioner receives (spec §4.14 "Capabilities validation").
func ValidateCapabilities(c Capabilities) error {
	if c.NumElements == 0 {
		return fmt.Errorf("element_nums must be > 0: %w", merr.Inval)
	}
	if c.PublicKeyType > 1 {
		return fmt.Errorf("public-key type out of range: %w", merr.Inval)
	}
	if c.StaticOOBType > 1 {
		return fmt.Errorf("static-oob type out of range: %w", merr.Inval)
	}
	if c.OutputOOBSize > 8 {
		return fmt.Errorf("output-oob size out of range: %w", merr.Inval)
	}
	if c.InputOOBSize > 8 {
		return fmt.Errorf("input-oob size out of range: %w", merr.Inval)
	}
	const definedActionBits = 0x1F
	if c.OutputOOBActions&^definedActionBits != 0 {
		return fmt.Errorf("output-oob action mask has undefined bits: %w", merr.Inval)
	}
	if c.InputOOBActions&^definedActionBits != 0 {
		return fmt.Errorf("input-oob action mask has undefined bits: %w", merr.Inval)
	}
	return nil
}

// StartMessage is the Provisioning Start PDU.
type StartMessage struct {
	Algorithm  byte
	PublicKey  byte
	AuthMethod AuthMethod
	AuthAction byte
	AuthSize   byte
}

// EncodeStart serializes a StartMessage to its 5-byte wire form.
func EncodeStart(s StartMessage) []byte {
	return []byte{s.Algorithm, s.PublicKey, byte(s.AuthMethod), s.AuthAction, s.AuthSize}
}

// DecodeStart parses a 5-byte Start PDU.
func DecodeStart(pdu []byte) (StartMessage, error) {
	var s StartMessage
	if len(pdu) < 5 {
		return s, fmt.Errorf("start pdu too short: %w", merr.Length)
	}
	s.Algorithm = pdu[0]
	s.PublicKey = pdu[1]
	s.AuthMethod = AuthMethod(pdu[2])
	s.AuthAction = pdu[3]
	s.AuthSize = pdu[4]
	return s, nil
}

// ValidateStart checks a Start PDU a device receives against its own
// advertised capabilities (spec §4.14 "Start validation").
func ValidateStart(s StartMessage, caps Capabilities) error {
	if s.PublicKey > caps.PublicKeyType {
		return fmt.Errorf("start requests unsupported public key method: %w", merr.Inval)
	}
	if s.AuthMethod > AuthInputOOB {
		return fmt.Errorf("auth_method out of range: %w", merr.Inval)
	}
	if s.AuthMethod == AuthOutputOOB || s.AuthMethod == AuthInputOOB {
		if s.AuthSize < 1 || s.AuthSize > 8 {
			return fmt.Errorf("auth_size out of range for oob method: %w", merr.Inval)
		}
	}
	if s.AuthMethod == AuthStaticOOB && caps.StaticOOBType == 0 {
		return fmt.Errorf("static oob requested but device has none: %w", merr.Inval)
	}
	return nil
}

// AuthValue encodes the authentication value a Start PDU's method/action/size
// implies into the 16-byte field the confirmation computation consumes
// (spec §4.14 "Auth value encoding").
func AuthValue(s StartMessage, staticOOB []byte, numeric uint32, alphanumeric string) [16]byte {
	var out [16]byte
	switch s.AuthMethod {
	case AuthNoOOB:
		// all zeros
	case AuthStaticOOB:
		copy(out[:], staticOOB)
	case AuthOutputOOB, AuthInputOOB:
		if isNumericAction(s.AuthAction) {
			out[12] = byte(numeric >> 24)
			out[13] = byte(numeric >> 16)
			out[14] = byte(numeric >> 8)
			out[15] = byte(numeric)
		} else {
			copy(out[:], []byte(alphanumeric))
		}
	}
	return out
}

// isNumericAction reports whether an output/input OOB action is the numeric
// (display/enter number) variant rather than the alphanumeric one.
func isNumericAction(action byte) bool {
	return action != 0x04 // 0x04 == Alphanumeric per the OOB action enumeration
}

// Context carries the inputs a provisioner/device FSM accumulates across the
// exchange (confirmation_inputs, key pairs, OOB-derived auth value).
type Context struct {
	Invite       InviteMessage
	Caps         Capabilities
	StartMsg     StartMessage
	LocalKeys    crypto.ECDHKeyPair
	PeerPublic   [64]byte
	SharedSecret [32]byte
	AuthValue    [16]byte

	RandomLocal [16]byte
	RandomPeer  [16]byte

	confirmationSalt [16]byte
	peerConfirmation [16]byte

	SessionKey   [16]byte
	SessionNonce [13]byte
	DeviceKey    [16]byte
}

// ConfirmationInputs assembles Invite‖Capabilities‖Start‖ProvisionerPubKey‖DevicePubKey
// (spec §4.14 "Confirmation computation"). provisionerPub is always placed
// before devicePub, whichever role the caller plays.
func ConfirmationInputs(c *Context, provisionerPub, devicePub [64]byte) []byte {
	out := make([]byte, 0, 1+13+5+64+64)
	out = append(out, c.Invite.Attention)
	out = append(out, EncodeCapabilities(c.Caps)...)
	out = append(out, EncodeStart(c.StartMsg)...)
	out = append(out, provisionerPub[:]...)
	out = append(out, devicePub[:]...)
	return out
}

// ComputeConfirmation derives confirmation_salt/confirmation_key and returns
// the confirmation value for localRandom (spec §4.14).
func ComputeConfirmation(c *Context, confirmationInputs []byte, random [16]byte) ([16]byte, error) {
	var out [16]byte
	salt, err := crypto.S1(confirmationInputs)
	if err != nil {
		return out, err
	}
	c.confirmationSalt = salt
	confKey, err := crypto.K1(c.SharedSecret[:], salt[:], []byte("prck"))
	if err != nil {
		return out, err
	}
	mac, err := crypto.AESCMAC(confKey[:], append(random[:], c.AuthValue[:]...))
	if err != nil {
		return out, err
	}
	copy(out[:], mac)
	return out, nil
}

// StorePeerConfirmation records an inbound Confirmation PDU's value for
// later verification against the peer's revealed random.
func (c *Context) StorePeerConfirmation(conf [16]byte) {
	c.peerConfirmation = conf
}

// VerifyPeerConfirmation recomputes confirmation from confirmation_salt (set
// by an earlier ComputeConfirmation call on this Context) plus the peer's
// revealed random, and checks it against the stored value (spec §4.14
// "CONFIRMATION -> RANDOM": "recompute confirmation ... fail if mismatch").
func (c *Context) VerifyPeerConfirmation(peerRandom [16]byte) error {
	confKey, err := crypto.K1(c.SharedSecret[:], c.confirmationSalt[:], []byte("prck"))
	if err != nil {
		return err
	}
	mac, err := crypto.AESCMAC(confKey[:], append(peerRandom[:], c.AuthValue[:]...))
	if err != nil {
		return err
	}
	if !crypto.ConstantTimeEqual(mac, c.peerConfirmation[:]) {
		return fmt.Errorf("peer confirmation mismatch: %w", merr.Diff)
	}
	c.RandomPeer = peerRandom
	return nil
}

// DeriveSessionAndDeviceKeys computes provisioning_salt, session_key,
// session_nonce and device_key once both randoms are known (spec §4.14
// "Session and device-key derivation").
func (c *Context) DeriveSessionAndDeviceKeys(randomProvisioner, randomDevice [16]byte) error {
	provSalt, err := crypto.S1(append(append(append([]byte{}, c.confirmationSalt[:]...), randomProvisioner[:]...), randomDevice[:]...))
	if err != nil {
		return err
	}
	sessionKey, err := crypto.K1(c.SharedSecret[:], provSalt[:], []byte("prsk"))
	if err != nil {
		return err
	}
	sessionNonceFull, err := crypto.K1(c.SharedSecret[:], provSalt[:], []byte("prsn"))
	if err != nil {
		return err
	}
	deviceKey, err := crypto.K1(c.SharedSecret[:], provSalt[:], []byte("prdk"))
	if err != nil {
		return err
	}
	c.SessionKey = sessionKey
	copy(c.SessionNonce[:], sessionNonceFull[3:16]) // last 13 bytes
	c.DeviceKey = deviceKey
	return nil
}

// ProvisioningData is the plaintext carried by the Provisioning Data PDU.
type ProvisioningData struct {
	NetKey      [16]byte
	NetKeyIndex uint16
	Flags       byte
	IVIndex     uint32
	UnicastAddr uint16
}

// EncodeProvisioningData serializes ProvisioningData to its 25-byte plaintext
// form (net key 16, key index 2, flags 1, iv index 4, unicast addr 2).
func EncodeProvisioningData(d ProvisioningData) []byte {
	out := make([]byte, 0, 25)
	out = append(out, d.NetKey[:]...)
	out = append(out, byte(d.NetKeyIndex>>8), byte(d.NetKeyIndex))
	out = append(out, d.Flags)
	out = append(out, byte(d.IVIndex>>24), byte(d.IVIndex>>16), byte(d.IVIndex>>8), byte(d.IVIndex))
	out = append(out, byte(d.UnicastAddr>>8), byte(d.UnicastAddr))
	return out
}

// DecodeProvisioningData parses the 25-byte plaintext form.
func DecodeProvisioningData(b []byte) (ProvisioningData, error) {
	var d ProvisioningData
	if len(b) < 25 {
		return d, fmt.Errorf("provisioning data too short: %w", merr.Length)
	}
	copy(d.NetKey[:], b[0:16])
	d.NetKeyIndex = uint16(b[16])<<8 | uint16(b[17])
	d.Flags = b[18]
	d.IVIndex = uint32(b[19])<<24 | uint32(b[20])<<16 | uint32(b[21])<<8 | uint32(b[22])
	d.UnicastAddr = uint16(b[23])<<8 | uint16(b[24])
	return d, nil
}

// EncryptProvisioningData AES-CCM-encrypts ProvisioningData with the session
// key/nonce and an 8-octet MIC, returning ciphertext‖MIC (33 bytes total).
func EncryptProvisioningData(c *Context, d ProvisioningData) ([]byte, error) {
	return crypto.CCMEncrypt(c.SessionKey[:], c.SessionNonce[:], nil, EncodeProvisioningData(d), 8)
}

// DecryptProvisioningData reverses EncryptProvisioningData.
func DecryptProvisioningData(c *Context, ciphertext []byte) (ProvisioningData, error) {
	plain, err := crypto.CCMDecrypt(c.SessionKey[:], c.SessionNonce[:], nil, ciphertext, 8)
	if err != nil {
		return ProvisioningData{}, err
	}
	return DecodeProvisioningData(plain)
}

// FSM drives one side (provisioner or device) of the exchange described by
// spec §4.14's transition table. The two roles share this type; role-specific
// behavior (which side sends Start vs validates it, who initiates Data) is
// selected by the caller invoking the matching method.
type FSM struct {
	state State
	ctx   Context

	OnFailed func(reason FailReason)
}

// NewFSM creates an FSM in IDLE.
func NewFSM() *FSM {
	return &FSM{state: Idle}
}

// State returns the current FSM state.
func (f *FSM) State() State { return f.state }

// Context exposes the accumulated exchange context for the caller's use in
// building/parsing PDUs (opcode framing lives outside this package, as the
// bearer/lower-transport wiring owns it).
func (f *FSM) Context() *Context { return &f.ctx }

func (f *FSM) fail(reason FailReason) error {
	f.state = Failed
	if f.OnFailed != nil {
		f.OnFailed(reason)
	}
	return fmt.Errorf("provisioning failed (%d): %w", reason, merr.State)
}

// requireState checks the current state equals want before allowing a
// transition driven by an inbound/outbound event.
func (f *FSM) requireState(want State) error {
	if f.state != want {
		return f.fail(FailUnexpectedPDU)
	}
	return nil
}

// OnLinkOpened transitions LINK_OPENING -> LINK_OPENED.
func (f *FSM) OnLinkOpened() error {
	if err := f.requireState(LinkOpening); err != nil {
		return err
	}
	f.state = LinkOpened
	return nil
}

// BeginLinkOpening transitions IDLE -> LINK_OPENING.
func (f *FSM) BeginLinkOpening() error {
	if err := f.requireState(Idle); err != nil {
		return err
	}
	f.state = LinkOpening
	return nil
}

// SendInvite transitions LINK_OPENED -> INVITE.
func (f *FSM) SendInvite(msg InviteMessage) error {
	if err := f.requireState(LinkOpened); err != nil {
		return err
	}
	f.ctx.Invite = msg
	f.state = Invite
	return nil
}

// OnCapabilities transitions INVITE -> CAPABILITIES after validating and
// recording the device's advertised capabilities.
func (f *FSM) OnCapabilities(caps Capabilities) error {
	if err := f.requireState(Invite); err != nil {
		return err
	}
	if err := ValidateCapabilities(caps); err != nil {
		return f.fail(FailInvalidFormat)
	}
	f.ctx.Caps = caps
	f.state = Capabilities
	return nil
}

// SendStart transitions CAPABILITIES -> START.
func (f *FSM) SendStart(msg StartMessage) error {
	if err := f.requireState(Capabilities); err != nil {
		return err
	}
	if err := ValidateStart(msg, f.ctx.Caps); err != nil {
		return f.fail(FailInvalidFormat)
	}
	f.ctx.StartMsg = msg
	f.state = Start
	return nil
}

// ExchangePublicKeys validates the peer's public key, computes the ECDH
// shared secret, and transitions START -> PUBLIC_KEY.
func (f *FSM) ExchangePublicKeys(local crypto.ECDHKeyPair, peerPublic [64]byte) error {
	if err := f.requireState(Start); err != nil {
		return err
	}
	if !crypto.ECDHValidatePublic(peerPublic) {
		return f.fail(FailInvalidFormat)
	}
	shared, err := crypto.ECDHSharedSecret(peerPublic, local.Private)
	if err != nil {
		return f.fail(FailInvalidFormat)
	}
	f.ctx.LocalKeys = local
	f.ctx.PeerPublic = peerPublic
	f.ctx.SharedSecret = shared
	f.state = PublicKey
	return nil
}

// OnInputComplete transitions PUBLIC_KEY -> INPUT_COMPLETE (only reachable
// when the Start PDU selected an OOB input method).
func (f *FSM) OnInputComplete() error {
	if err := f.requireState(PublicKey); err != nil {
		return err
	}
	f.state = InputComplete
	return nil
}

// OnConfirmation stores the peer's confirmation value and transitions
// PUBLIC_KEY or INPUT_COMPLETE -> CONFIRMATION.
func (f *FSM) OnConfirmation(conf [16]byte) error {
	if f.state != PublicKey && f.state != InputComplete {
		return f.fail(FailUnexpectedPDU)
	}
	f.ctx.StorePeerConfirmation(conf)
	f.state = Confirmation
	return nil
}

// OnRandom verifies the peer's confirmation against its revealed random,
// derives session/device keys, and transitions CONFIRMATION -> RANDOM.
func (f *FSM) OnRandom(peerRandom, localRandom [16]byte) error {
	if err := f.requireState(Confirmation); err != nil {
		return err
	}
	if err := f.ctx.VerifyPeerConfirmation(peerRandom); err != nil {
		return f.fail(FailConfirmationFailed)
	}
	f.ctx.RandomLocal = localRandom
	if err := f.ctx.DeriveSessionAndDeviceKeys(localRandom, peerRandom); err != nil {
		return f.fail(FailUnexpectedError)
	}
	f.state = Random
	return nil
}

// SendData transitions RANDOM -> DATA.
func (f *FSM) SendData() error {
	if err := f.requireState(Random); err != nil {
		return err
	}
	f.state = Data
	return nil
}

// OnComplete transitions DATA -> COMPLETE.
func (f *FSM) OnComplete() error {
	if err := f.requireState(Data); err != nil {
		return err
	}
	f.state = Complete
	return nil
}

// BeginLinkClosing drains any state into LINK_CLOSING.
func (f *FSM) BeginLinkClosing() {
	f.state = LinkClosing
}
