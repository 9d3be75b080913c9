// Package node wires every protocol component (C1-C15) into the single
// cooperative main loop the rest of the core assumes (spec §5): all
// protocol state mutation happens here, on one goroutine, driven by the
// mailbox. It plays the role the teacher's cmd/rendezvous.go RendezvousServer
// plays for the HTTP server: own construction, the run loop, and graceful
// shutdown, generalized from "serve HTTP requests" to "drain the mailbox".
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshx/meshcore/internal/access"
	"github.com/meshx/meshcore/internal/beacon"
	"github.com/meshx/meshcore/internal/bearer"
	"github.com/meshx/meshcore/internal/config"
	"github.com/meshx/meshcore/internal/crypto"
	"github.com/meshx/meshcore/internal/gap"
	"github.com/meshx/meshcore/internal/keystore"
	"github.com/meshx/meshcore/internal/mailbox"
	"github.com/meshx/meshcore/internal/merr"
	"github.com/meshx/meshcore/internal/netif"
	"github.com/meshx/meshcore/internal/network"
	"github.com/meshx/meshcore/internal/nvm"
	"github.com/meshx/meshcore/internal/platform"
	"github.com/meshx/meshcore/internal/provad"
	"github.com/meshx/meshcore/internal/provisioning"
	"github.com/meshx/meshcore/internal/replay"
	"github.com/meshx/meshcore/internal/seqiv"
	"github.com/meshx/meshcore/internal/transport"
	"github.com/meshx/meshcore/internal/upper"
)

// mailboxCapacity bounds the pending-message queue (spec §5 resource
// bounds: every queue in the core is a fixed configuration constant).
const mailboxCapacity = 256

// provisioning PDU leading type octet (Bluetooth Mesh Provisioning PDU
// format; internal/provisioning encodes only the body, framing is the
// caller's job per its doc comment on FSM.Context).
const (
	pduTypeInvite        = 0x00
	pduTypeCapabilities  = 0x01
	pduTypeStart         = 0x02
	pduTypePublicKey     = 0x03
	pduTypeInputComplete = 0x04
	pduTypeConfirmation  = 0x05
	pduTypeRandom        = 0x06
	pduTypeData          = 0x07
	pduTypeComplete      = 0x08
	pduTypeFailed        = 0x09
)

// linkContext tracks the bookkeeping a PB-ADV link needs beyond what
// provad.Link itself holds: the peer UUID (for link-open retries) and the
// provisioning FSM driving the exchange over it.
type linkContext struct {
	link       *provad.Link
	deviceUUID [16]byte
	fsm        *provisioning.FSM
}

// Node owns every component instance and is the sole place protocol state
// is mutated (spec §5: "all mutation happens on the main loop").
type Node struct {
	cfg   config.Config
	radio platform.Radio
	timer platform.Timer
	mbox  *mailbox.Mailbox
	nv    *nvm.Adapter

	unicastAddr  uint16
	elementCount int
	primaryNKI   uint16 // primary network key index, 0 once provisioned

	keys  *keystore.Store
	seq   *seqiv.Store
	nmc   *replay.NMC
	rpl   *replay.RPL
	gapS  *gap.Scheduler
	brr   *bearer.Layer
	nif   *netif.Table
	xport *transport.Manager
	acc   *access.Dispatcher
	pm    *provisioning.Manager

	links map[uint32]*linkContext

	// advBearer is the node's one advertising bearer: every outbound
	// PB-ADV/mesh-message/beacon frame goes out through it, matching a
	// single physical radio (spec §4.5 "the radio is a singleton"). It is
	// also the bearer the scan callback demultiplexes inbound frames onto
	// (bearer.Layer.advRxHandle), since only one ADV bearer is ever
	// created.
	advBearer bearer.Handle
	advIface  int

	shutdown chan struct{}
}

// New constructs a Node from cfg and opens its NVM database, restoring any
// persisted key/sequence/replay state (spec §6 "Persisted state").
func New(cfg config.Config, radio platform.Radio, timer platform.Timer) (*Node, error) {
	nv, err := nvm.Open(cfg.NVM)
	if err != nil {
		return nil, fmt.Errorf("node: opening nvm: %w", err)
	}

	n := &Node{
		cfg:          cfg,
		radio:        radio,
		timer:        timer,
		mbox:         mailbox.New(mailboxCapacity),
		nv:           nv,
		elementCount: cfg.Node.ElementCount,
		keys:         keystore.New(cfg.Network.MaxNetKeys, cfg.Network.MaxAppKeys, cfg.Network.MaxDeviceKeys),
		nmc:          replay.NewNMC(cfg.Network.NMCSize),
		rpl:          replay.NewRPL(cfg.Network.RPLSize),
		acc:          access.NewDispatcher(),
		pm:           provisioning.NewManager(cfg.Provisioning.MaxConcurrentLinks),
		links:        make(map[uint32]*linkContext),
		shutdown:     make(chan struct{}),
	}
	n.seq = seqiv.New(0, n.hasPendingTx)

	if addr, count, ok, err := nv.LoadNodeState(); err != nil {
		return nil, fmt.Errorf("node: loading node state: %w", err)
	} else if ok {
		n.unicastAddr = addr
		n.elementCount = count
	}
	if err := nv.LoadSeqIV(n.seq); err != nil {
		return nil, fmt.Errorf("node: loading seq/iv state: %w", err)
	}
	if err := nv.LoadKeys(n.keys); err != nil {
		return nil, fmt.Errorf("node: loading keys: %w", err)
	}
	if err := nv.LoadRPL(n.rpl); err != nil {
		return nil, fmt.Errorf("node: loading rpl: %w", err)
	}

	n.gapS = gap.New(radio, cfg.Radio.ActionCapacity, rate.Limit(cfg.Radio.AdvRateLimitHz))
	n.brr = bearer.New(n.gapS, n, cfg.GAP.BearerCapacity)
	n.nif = netif.New(cfg.Network.InterfaceCapacity)

	advBearer, err := n.brr.Create(cfg.Radio.AdvDurationMs)
	if err != nil {
		return nil, fmt.Errorf("node: creating advertising bearer: %w", err)
	}
	n.advBearer = advBearer
	advIface, err := n.nif.Bind(advBearer)
	if err != nil {
		return nil, fmt.Errorf("node: binding advertising bearer to interface table: %w", err)
	}
	n.advIface = advIface
	if err := n.brr.BindNetIface(advBearer, advIface); err != nil {
		return nil, fmt.Errorf("node: binding bearer to iface: %w", err)
	}

	scanParams := platform.ScanParams{
		Type:     platform.ScanPassive,
		Interval: time.Duration(cfg.Radio.ScanIntervalMs) * time.Millisecond,
		Window:   time.Duration(cfg.Radio.ScanWindowMs) * time.Millisecond,
	}
	if err := n.gapS.AddScanAction(scanParams, n.brr.OnAdvReceived); err != nil {
		return nil, fmt.Errorf("node: adding scan action: %w", err)
	}

	txCfg := transport.Config{}
	txCfg.RetryBase, txCfg.RetryPerTTL, txCfg.GroupRetryMin, txCfg.GroupRetryMax,
		txCfg.AckBase, txCfg.AckPerTTL, txCfg.IncompleteAfter = cfg.Transport.Durations()
	txCfg.MaxRetries = cfg.Transport.MaxRetries
	txCfg.MaxConcurrentTx = cfg.Transport.MaxConcurrentTx
	txCfg.MaxConcurrentRx = cfg.Transport.MaxConcurrentRx
	n.xport = transport.New(txCfg, n.seq, n.primaryElementAddr(), timer, n.mbox, n.transmitLowerPDU, n.deliverUpper)

	n.gapS.Start()
	return n, nil
}

func (n *Node) primaryElementAddr() uint16 { return n.unicastAddr }

// hasPendingTx reports whether any lower-transport TX task is in flight,
// gating the IV update-state transition (spec §4.3).
func (n *Node) hasPendingTx() bool {
	return n.xport != nil && n.xport.TxTaskCount() > 0
}

// Reset wipes key store, sequence/IV store and RPL and returns the node to
// unprovisioned UDB broadcast (original_source's meshx_node_reset, exercised
// by the shell's nr command per SPEC_FULL.md's supplemented features).
func (n *Node) Reset() error {
	n.keys = keystore.New(n.cfg.Network.MaxNetKeys, n.cfg.Network.MaxAppKeys, n.cfg.Network.MaxDeviceKeys)
	n.seq = seqiv.New(0, n.hasPendingTx)
	n.rpl = replay.NewRPL(n.cfg.Network.RPLSize)
	n.nmc = replay.NewNMC(n.cfg.Network.NMCSize)
	n.unicastAddr = 0
	n.links = make(map[uint32]*linkContext)
	if err := n.nv.SaveNodeState(0, n.elementCount); err != nil {
		return err
	}
	if err := n.flush(); err != nil {
		return err
	}
	slog.Info("node reset to unprovisioned state")
	return n.startUnprovisionedBeaconing()
}

func (n *Node) flush() error {
	if err := n.nv.FlushSeqIV(n.seq); err != nil {
		return err
	}
	if err := n.nv.FlushKeys(n.keys); err != nil {
		return err
	}
	return n.nv.FlushRPL(n.rpl)
}

// Close releases the node's NVM handle. Callers should flush state first.
func (n *Node) Close() error { return n.nv.Close() }

// --- bearer.Dispatcher ---

// OnMeshMessage handles an inbound Network PDU framed as MESH_MSG (spec
// §4.8 decrypt/relay, §4.9 handoff into the lower transport).
func (n *Node) OnMeshMessage(h bearer.Handle, pdu []byte) {
	res, err := network.Decode(pdu, n.keys, n.seq.IVIndexGet())
	if err != nil {
		slog.Debug("node: network decode failed", "err", err)
		return
	}
	if !n.nmc.Check(res.Src, res.Seq) {
		return // duplicate network PDU, silently dropped (spec §4.4)
	}
	fresh, err := n.rpl.CheckAndUpdate(res.Src, res.Seq, res.IVIndex)
	if err != nil {
		slog.Warn("node: rpl rejected pdu", "src", res.Src, "err", err)
		return
	}

	if idx, ok := n.ifaceForBearer(h); ok {
		if admit, _ := n.nif.AdmitRx(idx, res.Src); !admit {
			return
		}
	}

	if newTTL, relay := network.ShouldRelay(n.cfg.Network.RelayEnabled, res.TTL, !fresh); relay {
		n.relayPDU(res, newTTL)
	}

	if res.Dst == n.unicastAddr || res.Dst == 0xFFFF {
		if err := n.xport.HandleInbound(res.Src, res.TTL, res.CTL, res.Seq, res.TransportPDU); err != nil {
			slog.Debug("node: lower transport rejected inbound pdu", "err", err)
		}
	}
}

func (n *Node) relayPDU(res *network.RxResult, ttl byte) {
	nk, ok := n.keys.NetKey(res.NetKeyIndex)
	if !ok {
		return
	}
	wire, err := network.Encode(network.TxParams{
		NID: nk.NID, EncryptionKey: nk.EncryptionKey, PrivacyKey: nk.PrivacyKey,
		CTL: res.CTL, TTL: ttl, Seq: res.Seq, Src: res.Src, Dst: res.Dst,
		IVIndex: res.IVIndex, TransportPDU: res.TransportPDU,
	})
	if err != nil {
		slog.Warn("node: relay re-encode failed", "err", err)
		return
	}
	if err := n.brr.Send(n.advBearer, bearer.MeshMsg, wire); err != nil {
		slog.Debug("node: relay send failed", "err", err)
	}
}

// OnPBADV handles an inbound Generic Provisioning PDU (spec §4.13).
func (n *Node) OnPBADV(h bearer.Handle, pdu []byte) {
	d, err := provad.Decode(pdu)
	if err != nil {
		slog.Debug("node: pb-adv decode failed", "err", err)
		return
	}

	lc, ok := n.links[d.Header.LinkID]
	if !ok {
		if d.Control == nil || d.Control.Opcode != provad.BearerOpLinkOpen || n.cfg.Node.Role != "device" {
			return
		}
		lc = n.acceptInboundLink(d.Header.LinkID, d.Control.DeviceUUID)
	}
	lc.link.HandleInbound(d)
}

func (n *Node) acceptInboundLink(linkID uint32, deviceUUID [16]byte) *linkContext {
	link := provad.NewLink(provad.RoleDevice, linkID, func(p []byte) error {
		return n.brr.Send(n.advBearer, bearer.PBADV, p)
	}, n.timer, n.mbox)
	fsm := provisioning.NewFSM()
	lc := &linkContext{link: link, deviceUUID: deviceUUID, fsm: fsm}
	link.OnTransactionPDU = func(payload []byte) { n.onProvisioningPDU(lc, payload) }
	link.OnLinkClosed = func(reason byte) { delete(n.links, linkID) }
	n.links[linkID] = lc
	return lc
}

// OnBeacon handles an inbound beacon (spec §4.12).
func (n *Node) OnBeacon(h bearer.Handle, pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	switch pdu[0] {
	case beacon.TypeUnprovisioned:
		uuid, oobInfo, _, err := beacon.DecodeUnprovisionedDeviceBeacon(pdu)
		if err != nil {
			return
		}
		slog.Info("node: unprovisioned device beacon observed", "uuid", uuid, "oob_info", oobInfo)
	case beacon.TypeSecureNetwork:
		for _, idx := range n.keys.ListNetKeyIndices() {
			nk, ok := n.keys.NetKey(idx)
			if !ok {
				continue
			}
			if flags, ivIndex, err := beacon.VerifySecureNetworkBeacon(nk, pdu); err == nil {
				n.onSecureNetworkBeacon(nk, uint32(flags), ivIndex)
				return
			}
		}
	}
}

func (n *Node) onSecureNetworkBeacon(nk *keystore.NetKey, flags, ivIndex uint32) {
	if flags&uint32(beacon.FlagIVUpdate) != 0 && ivIndex > n.seq.IVIndexGet() {
		if err := n.seq.IVUpdateStateTransit(seqiv.IVInProgress); err != nil {
			slog.Debug("node: iv update transit rejected", "err", err)
		}
	}
}

func (n *Node) ifaceForBearer(h bearer.Handle) (int, bool) {
	for _, idx := range n.nif.Indices() {
		if bh, err := n.nif.BearerHandle(idx); err == nil && bh == h {
			return idx, true
		}
	}
	return 0, false
}

// --- provisioning wiring ---

func (n *Node) onProvisioningPDU(lc *linkContext, payload []byte) {
	if len(payload) == 0 {
		return
	}
	f := lc.fsm
	switch payload[0] {
	case pduTypeInvite:
		_ = f.BeginLinkOpening()
		_ = f.OnLinkOpened()
		_ = f.SendInvite(provisioning.InviteMessage{Attention: payload[1]})
	case pduTypeCapabilities:
		caps, err := provisioning.DecodeCapabilities(payload[1:])
		if err == nil {
			_ = f.OnCapabilities(caps)
		}
	case pduTypeStart:
		msg, err := provisioning.DecodeStart(payload[1:])
		if err == nil {
			_ = f.SendStart(msg)
		}
	case pduTypePublicKey:
		var pub [64]byte
		copy(pub[:], payload[1:])
		local, err := crypto.ECDHMakeKey()
		if err == nil {
			_ = f.ExchangePublicKeys(local, pub)
		}
	case pduTypeInputComplete:
		_ = f.OnInputComplete()
	case pduTypeConfirmation:
		var conf [16]byte
		copy(conf[:], payload[1:])
		_ = f.OnConfirmation(conf)
	case pduTypeRandom:
		var peerRandom, localRandom [16]byte
		copy(peerRandom[:], payload[1:])
		_ = f.OnRandom(peerRandom, localRandom)
	case pduTypeData:
		data, err := provisioning.DecryptProvisioningData(f.Context(), payload[1:])
		if err == nil {
			n.applyProvisioningData(data)
			_ = f.SendData()
			_ = f.OnComplete()
		}
	}
}

func (n *Node) applyProvisioningData(d provisioning.ProvisioningData) {
	n.unicastAddr = d.UnicastAddr
	n.seq.RestoreIV(d.IVIndex, seqiv.IVNormal, time.Now())
	if err := n.keys.AddNetKey(d.NetKeyIndex, d.NetKey); err != nil {
		slog.Warn("node: installing provisioned net key failed", "err", err)
		return
	}
	n.primaryNKI = d.NetKeyIndex
	if err := n.nv.SaveNodeState(n.unicastAddr, n.elementCount); err != nil {
		slog.Warn("node: persisting provisioned node state failed", "err", err)
	}
	if err := n.flush(); err != nil {
		slog.Warn("node: flushing provisioned state failed", "err", err)
	}
}

// --- transport callbacks ---

func (n *Node) transmitLowerPDU(seq uint32, dst uint16, ttl byte, ctl bool, lowerPDU []byte) error {
	nk, ok := n.keys.NetKey(n.primaryNKI)
	if !ok {
		return fmt.Errorf("no primary net key installed: %w", merr.Key)
	}
	wire, err := network.Encode(network.TxParams{
		NID: nk.NID, EncryptionKey: nk.EncryptionKey, PrivacyKey: nk.PrivacyKey,
		CTL: ctl, TTL: ttl, Seq: seq, Src: n.unicastAddr, Dst: dst,
		IVIndex: n.seq.IVIndexTxGet(), TransportPDU: lowerPDU,
	})
	if err != nil {
		return err
	}
	if dst == n.unicastAddr {
		// addressed to ourselves: deliver locally without keying up the
		// radio (spec §4.6, the loopback bearer's whole purpose).
		n.brr.Send(bearer.LoopbackHandle, bearer.MeshMsg, wire)
		return nil
	}
	return n.brr.Send(n.advBearer, bearer.MeshMsg, wire)
}

// deliverUpper undoes the upper-transport encryption (spec §4.10) before
// handing the plaintext access payload to the opcode dispatcher. Control
// messages pass through unkeyed (spec §4.10 identity transform) and have no
// model dispatch.
func (n *Node) deliverUpper(src, dst uint16, ctl, akf bool, aid byte, seqAuth uint32, payload []byte) {
	if ctl {
		return
	}

	params := upper.Params{AKF: akf, SeqAuth: seqAuth, Src: src, Dst: dst, IVIndex: n.seq.IVIndexGet()}

	var appKeyIdx uint16
	var key [16]byte
	found := false
	if akf {
		for _, idx := range n.keys.ListAppKeyIndices() {
			ak, ok := n.keys.AppKey(idx)
			if !ok || ak.AID != aid || ak.NetKeyIdx != n.primaryNKI {
				continue
			}
			appKeyIdx, key, found = idx, ak.Root, true
			break
		}
	} else {
		if dk, ok := n.keys.DeviceKeyFor(dst); ok {
			key, found = dk.Root, true
		}
	}
	if !found {
		slog.Debug("node: no matching key for upper-transport pdu", "src", src, "akf", akf, "aid", aid)
		return
	}

	plaintext, err := upper.Decrypt(key, params, payload)
	if err != nil {
		slog.Debug("node: upper transport decrypt failed", "err", err)
		return
	}

	if err := n.acc.Dispatch(src, dst, n.primaryNKI, appKeyIdx, akf, false, false, plaintext); err != nil {
		slog.Debug("node: access dispatch failed", "err", err)
	}
}

// --- beaconing ---

func (n *Node) startUnprovisionedBeaconing() error {
	var uuid [16]byte
	raw, err := hex.DecodeString(n.cfg.Node.UUIDHex)
	if err != nil {
		return fmt.Errorf("node: decoding node.uuid: %w", merr.Inval)
	}
	copy(uuid[:], raw)
	udb := beacon.UnprovisionedDeviceBeacon(uuid, 0, nil)
	return n.brr.Send(n.advBearer, bearer.Beacon, udb)
}

// --- main loop ---

// Run drains the mailbox until ctx is cancelled, processing every message
// kind the core's components post (spec §5: "the main loop is the only
// place protocol state is mutated"). It mirrors the teacher's
// RendezvousServer.Start signal-channel shutdown, substituting context
// cancellation for an OS signal.
func (n *Node) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("node: shutting down")
			return nil
		case <-n.shutdown:
			return nil
		case <-sweepTicker.C:
			n.xport.SweepIncomplete(time.Now())
			n.gapS.Tick()
			if n.seq.DwellExceeded() {
				if err := n.seq.IVUpdateStateTransit(seqiv.IVNormal); err == nil {
					_ = n.flush()
				}
			}
		case <-n.mbox.Wait():
			for _, msg := range n.mbox.Drain() {
				n.handleMessage(msg)
			}
		}
	}
}

// Shutdown requests the run loop stop on its next iteration.
func (n *Node) Shutdown() {
	close(n.shutdown)
}

func (n *Node) handleMessage(msg mailbox.Message) {
	switch msg.Kind {
	case mailbox.KindLowerTxRetry:
		if dst, ok := msg.Payload.(uint16); ok {
			n.xport.OnRetryTimer(dst)
		}
	case mailbox.KindPBADVRetry:
		n.onLinkRetry(msg.Payload)
	case mailbox.KindPBADVLinkLoss:
		if linkID, ok := msg.Payload.(uint32); ok {
			delete(n.links, linkID)
		}
	case mailbox.KindIVIndexTick:
		if n.seq.DwellExceeded() {
			_ = n.seq.IVUpdateStateTransit(seqiv.IVNormal)
		}
	case mailbox.KindBeaconTick:
		// no component posts this kind and no beacon-interval timer is
		// created; periodic secure-network beacon re-broadcast is not
		// implemented, so the message is ignored.
	}
}

func (n *Node) onLinkRetry(payload any) {
	linkID, ok := payload.(uint32)
	if !ok {
		return
	}
	lc, ok := n.links[linkID]
	if !ok {
		return
	}
	switch lc.link.State() {
	case provad.LinkOpening:
		_ = lc.link.OnLinkRetryTimer(lc.deviceUUID)
	default:
		_ = lc.link.OnTransactionRetryTimer()
	}
}
