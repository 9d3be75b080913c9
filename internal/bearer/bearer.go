// Package bearer implements the advertising and loopback bearers, and the
// AD-type demultiplexing that feeds network/PB-ADV/beacon (spec §4.6,
// component C6). Bearer polymorphism is a tagged variant (spec §9), not an
// interface hierarchy with separate concrete types per kind, so a bearer
// can be stored, indexed and compared cheaply from the network-interface
// table (C7).
package bearer

import (
	"fmt"
	"log/slog"

	"github.com/meshx/meshcore/internal/gap"
	"github.com/meshx/meshcore/internal/merr"
	"github.com/meshx/meshcore/internal/platform"
)

// PacketType is the payload tag carried by a bearer send/receive (spec
// §4.6).
type PacketType int

const (
	PBADV PacketType = iota
	MeshMsg
	Beacon
)

// AD types on the wire (spec §4.6).
const (
	ADTypePBADV   byte = 0x29
	ADTypeMesh    byte = 0x2A
	ADTypeBeacon  byte = 0x2B
)

// Classify maps a raw AD type byte to a PacketType, ahead of dispatch
// (supplementing the distilled spec per SPEC_FULL.md: the C source tags
// advertisements by AD type before demux rather than inline in the GAP
// callback).
func Classify(adType byte) (PacketType, bool) {
	switch adType {
	case ADTypePBADV:
		return PBADV, true
	case ADTypeMesh:
		return MeshMsg, true
	case ADTypeBeacon:
		return Beacon, true
	default:
		return 0, false
	}
}

func (t PacketType) adType() byte {
	switch t {
	case PBADV:
		return ADTypePBADV
	case MeshMsg:
		return ADTypeMesh
	case Beacon:
		return ADTypeBeacon
	default:
		return 0
	}
}

// Kind tags which concrete bearer variant a Handle refers to.
type Kind int

const (
	KindADV Kind = iota
	KindLoopback
)

// Handle identifies a bearer instance.
type Handle uint32

// Dispatcher receives demultiplexed packets. The network layer, PB-ADV
// transport and beacon engine each implement one method of interest and
// are wired in by the node during startup.
type Dispatcher interface {
	OnMeshMessage(bearer Handle, pdu []byte)
	OnPBADV(bearer Handle, pdu []byte)
	OnBeacon(bearer Handle, pdu []byte)
}

// entry is one bearer's state; the tagged-variant polymorphism from spec §9
// is this single struct rather than an interface with N implementations.
type entry struct {
	kind     Kind
	duration int // per-bearer advertise duration in ms; spec §4.6
	netIface int // index into the network-interface table; -1 if unbound
}

// Layer owns every bearer instance and the GAP scheduler it drives.
type Layer struct {
	gap        *gap.Scheduler
	dispatcher Dispatcher

	bearers     map[Handle]*entry
	nextID      uint32
	capacity    int
	advRxHandle Handle // first created ADV bearer; all ADV bearers share one physical scan
}

// New creates a bearer Layer. The loopback bearer is always present (spec
// §4.6, §4.7) and is created eagerly at handle 0.
func New(scheduler *gap.Scheduler, dispatcher Dispatcher, capacity int) *Layer {
	l := &Layer{
		gap:        scheduler,
		dispatcher: dispatcher,
		bearers:    make(map[Handle]*entry),
		capacity:   capacity,
	}
	l.nextID = 1
	l.bearers[0] = &entry{kind: KindLoopback, netIface: -1}
	return l
}

// LoopbackHandle is the handle of the always-present loopback bearer.
const LoopbackHandle Handle = 0

// Create allocates a new ADV bearer with the given per-packet advertise
// duration in milliseconds (spec §4.6).
func (l *Layer) Create(advDurationMS int) (Handle, error) {
	if len(l.bearers) >= l.capacity {
		return 0, fmt.Errorf("bearer table full: %w", merr.Resource)
	}
	h := Handle(l.nextID)
	l.nextID++
	l.bearers[h] = &entry{kind: KindADV, duration: advDurationMS, netIface: -1}
	if l.advRxHandle == 0 {
		l.advRxHandle = h
	}
	return h, nil
}

// Delete removes a bearer. The loopback bearer cannot be deleted.
func (l *Layer) Delete(h Handle) error {
	if h == LoopbackHandle {
		return fmt.Errorf("cannot delete loopback bearer: %w", merr.Inval)
	}
	if _, ok := l.bearers[h]; !ok {
		return fmt.Errorf("bearer %d: %w", h, merr.InvalBearer)
	}
	delete(l.bearers, h)
	return nil
}

// BindNetIface records which network-interface-table slot this bearer is
// bound to (spec §4.7, §9 cyclic reference resolved via indices).
func (l *Layer) BindNetIface(h Handle, ifaceIdx int) error {
	e, ok := l.bearers[h]
	if !ok {
		return fmt.Errorf("bearer %d: %w", h, merr.InvalBearer)
	}
	e.netIface = ifaceIdx
	return nil
}

// NetIface returns the network-interface-table index bound to h, or -1.
func (l *Layer) NetIface(h Handle) (int, error) {
	e, ok := l.bearers[h]
	if !ok {
		return -1, fmt.Errorf("bearer %d: %w", h, merr.InvalBearer)
	}
	return e.netIface, nil
}

// Send wraps pdu as [len, ad_type, pdu] (loopback bypasses the wire framing
// entirely, per spec §4.6) and enqueues a GAP advertise action using the
// bearer's configured duration.
func (l *Layer) Send(h Handle, pktType PacketType, pdu []byte) error {
	e, ok := l.bearers[h]
	if !ok {
		return fmt.Errorf("bearer %d: %w", h, merr.InvalBearer)
	}
	if len(pdu) > 31 {
		return fmt.Errorf("adv payload exceeds 31 octets: %w", merr.Length)
	}

	if e.kind == KindLoopback {
		l.dispatchLocal(h, pktType, pdu)
		return nil
	}

	adType := pktType.adType()
	if adType == 0 {
		return fmt.Errorf("unknown packet type: %w", merr.InvalAdType)
	}
	frame := make([]byte, 0, len(pdu)+2)
	frame = append(frame, byte(len(pdu)+1), pktType.adType())
	frame = append(frame, pdu...)

	_, err := l.gap.AddAdvertiseAction(platform.AdvParams{
		Type: platform.AdvNonConnectableUndirected,
		Data: frame,
	}, nil)
	return err
}

func (l *Layer) dispatchLocal(h Handle, pktType PacketType, pdu []byte) {
	switch pktType {
	case MeshMsg:
		l.dispatcher.OnMeshMessage(h, pdu)
	case PBADV:
		l.dispatcher.OnPBADV(h, pdu)
	case Beacon:
		l.dispatcher.OnBeacon(h, pdu)
	}
}

// OnAdvReceived is the push API called from the GAP scheduler's scan
// callback (spec §4.6: "on_adv_received(data, metadata)"). It parses the
// [len, ad_type, pdu] framing and demultiplexes to the registered
// dispatcher.
func (l *Layer) OnAdvReceived(report platform.AdvReport) {
	data := report.Data
	if len(data) < 2 {
		return
	}
	length := int(data[0])
	if length < 1 || length > len(data)-1 {
		slog.Debug("bearer: malformed adv length field", "length", length)
		return
	}
	adType := data[1]
	pdu := data[2 : 1+length]

	pktType, ok := Classify(adType)
	if !ok {
		slog.Debug("bearer: unknown AD type", "ad_type", adType)
		return
	}
	// Inbound frames within a bearer are delivered in arrival order (spec
	// §5); every ADV bearer shares the one physical scan, so the first
	// created ADV bearer stands in as the receiving handle.
	l.dispatchLocal(l.advRxHandle, pktType, pdu)
}
