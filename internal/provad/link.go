package provad

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meshx/meshcore/internal/mailbox"
	"github.com/meshx/meshcore/internal/merr"
	"github.com/meshx/meshcore/internal/platform"
)

// Role determines which half of the transaction-number space a link uses
// (spec §4.13: "provisioner 0x00..0x7F wrapping; device 0x80..0xFF
// wrapping").
type Role int

const (
	RoleProvisioner Role = iota
	RoleDevice
)

func (r Role) transNumRange() (lo, hi byte) {
	if r == RoleDevice {
		return 0x80, 0xFF
	}
	return 0x00, 0x7F
}

// LinkState is the PB-ADV link's lifecycle state.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOpening
	LinkOpened
	LinkClosing
	LinkClosed
)

// Timing defaults (spec §4.13 "Timers (provisioner side)").
const (
	LinkRetryInterval  = 200 * time.Millisecond
	LinkRetryTimeout   = 60 * time.Second
	TransRetryInterval = 500 * time.Millisecond
	TransRetryTimeout  = 30 * time.Second
	LinkIdleTimeout    = 60 * time.Second
)

type rxTransaction struct {
	transNum byte
	totalLen uint16
	fcs      byte
	lastSegN byte
	segs     [][]byte
	have     []bool
}

func (t *rxTransaction) complete() bool {
	for _, h := range t.have {
		if !h {
			return false
		}
	}
	return true
}

func (t *rxTransaction) assembled() []byte {
	out := make([]byte, 0, t.totalLen)
	for _, s := range t.segs {
		out = append(out, s...)
	}
	return out
}

// Link drives one PB-ADV link's send/ack/reassembly bookkeeping (spec
// §4.13). The caller supplies Send to actually transmit a framed GPDU
// (bearer.Send with AD type PB-ADV) and the callbacks for lifecycle and
// data events.
type Link struct {
	role   Role
	linkID uint32
	state  LinkState

	outTransNum  byte
	haveOutTrans bool

	ackedTransNum byte
	haveAcked     bool
	rx            *rxTransaction

	send  func(pdu []byte) error
	timer platform.Timer
	mbox  *mailbox.Mailbox

	linkOpenedAt time.Time
	lastRXAt     time.Time
	linkRetries  int
	transRetries int

	pendingTrans     []byte // most recently sent transaction payload, kept for retry
	pendingTransNum  byte
	havePendingTrans bool

	OnLinkOpened     func()
	OnTransactionPDU func(payload []byte)
	OnLinkClosed     func(reason byte)
}

// NewLink creates a Link for linkID in the given role.
func NewLink(role Role, linkID uint32, send func(pdu []byte) error, timer platform.Timer, mbox *mailbox.Mailbox) *Link {
	lo, _ := role.transNumRange()
	return &Link{
		role: role, linkID: linkID, state: LinkIdle,
		outTransNum: lo, send: send, timer: timer, mbox: mbox,
	}
}

func (l *Link) nextTransNum() byte {
	lo, hi := l.role.transNumRange()
	if !l.haveOutTrans {
		l.haveOutTrans = true
		return l.outTransNum
	}
	n := l.outTransNum + 1
	if n < lo || n > hi {
		n = lo
	}
	l.outTransNum = n
	return n
}

// OpenLinkOut sends a Link Open (provisioner role only) and arms the link
// retry timer.
func (l *Link) OpenLinkOut(deviceUUID [16]byte) error {
	l.state = LinkOpening
	l.linkRetries = 0
	return l.sendLinkOpen(deviceUUID)
}

func (l *Link) sendLinkOpen(deviceUUID [16]byte) error {
	pdu, err := EncodeBearerControl(BearerControl{
		Header: Header{LinkID: l.linkID, TransNum: 0},
		Opcode: BearerOpLinkOpen, DeviceUUID: deviceUUID,
	})
	if err != nil {
		return err
	}
	if err := l.send(pdu); err != nil {
		return err
	}
	l.armLinkRetry(deviceUUID)
	return nil
}

func (l *Link) armLinkRetry(deviceUUID [16]byte) {
	if l.timer == nil {
		return
	}
	h, err := l.timer.Create(platform.TimerOneShot, func(any) {
		l.mbox.Post(mailbox.Message{Kind: mailbox.KindPBADVRetry, Payload: l.linkID})
	}, nil)
	if err != nil {
		slog.Warn("provad: link retry timer create failed", "err", err)
		return
	}
	_ = l.timer.Start(h, LinkRetryInterval)
}

// OnLinkRetryTimer resends Link Open until LinkRetryTimeout elapses, then
// declares link loss.
func (l *Link) OnLinkRetryTimer(deviceUUID [16]byte) error {
	if l.state != LinkOpening {
		return nil
	}
	l.linkRetries++
	if time.Duration(l.linkRetries)*LinkRetryInterval >= LinkRetryTimeout {
		l.state = LinkClosed
		l.mbox.Post(mailbox.Message{Kind: mailbox.KindPBADVLinkLoss, Payload: l.linkID})
		return fmt.Errorf("link open timed out: %w", merr.Timeout)
	}
	return l.sendLinkOpen(deviceUUID)
}

// OnLinkAckReceived transitions LinkOpening -> LinkOpened.
func (l *Link) OnLinkAckReceived() {
	if l.state != LinkOpening {
		return
	}
	l.state = LinkOpened
	l.linkOpenedAt = time.Now()
	if l.OnLinkOpened != nil {
		l.OnLinkOpened()
	}
}

// SendTransaction segments payload into a Transaction Start + Continues and
// transmits them, arming the transaction retry timer (spec §4.13).
func (l *Link) SendTransaction(payload []byte) error {
	transNum := l.nextTransNum()
	l.pendingTrans = payload
	l.pendingTransNum = transNum
	l.havePendingTrans = true
	l.transRetries = 0
	if err := l.sendTransactionSegments(transNum, payload); err != nil {
		l.havePendingTrans = false
		return err
	}
	l.armTransRetry()
	return nil
}

func (l *Link) armTransRetry() {
	if l.timer == nil {
		return
	}
	h, err := l.timer.Create(platform.TimerOneShot, func(any) {
		l.mbox.Post(mailbox.Message{Kind: mailbox.KindPBADVRetry, Payload: l.linkID})
	}, nil)
	if err != nil {
		slog.Warn("provad: transaction retry timer create failed", "err", err)
		return
	}
	_ = l.timer.Start(h, TransRetryInterval)
}

// OnTransactionRetryTimer resends the last unacked transaction until
// TransRetryTimeout elapses, then declares link loss.
func (l *Link) OnTransactionRetryTimer() error {
	if !l.havePendingTrans {
		return nil
	}
	l.transRetries++
	if time.Duration(l.transRetries)*TransRetryInterval >= TransRetryTimeout {
		l.havePendingTrans = false
		l.state = LinkClosed
		l.mbox.Post(mailbox.Message{Kind: mailbox.KindPBADVLinkLoss, Payload: l.linkID})
		return fmt.Errorf("transaction ack timed out: %w", merr.Timeout)
	}
	if err := l.sendTransactionSegments(l.pendingTransNum, l.pendingTrans); err != nil {
		return err
	}
	l.armTransRetry()
	return nil
}

// OnTransactionAckReceived clears the pending-retry state for an
// acknowledged outgoing transaction.
func (l *Link) OnTransactionAckReceived(transNum byte) {
	if l.havePendingTrans && transNum == l.pendingTransNum {
		l.havePendingTrans = false
	}
}

func (l *Link) sendTransactionSegments(transNum byte, payload []byte) error {
	fcs := FCS(payload)

	startLen := MaxStartPayload
	if len(payload) < startLen {
		startLen = len(payload)
	}
	rest := payload[startLen:]
	segN := 0
	if len(rest) > 0 {
		segN = 1 + (len(rest)-1)/MaxContinuePayload
	}

	startPDU, err := EncodeTransactionStart(TransactionStart{
		Header:   Header{LinkID: l.linkID, TransNum: transNum},
		LastSegN: byte(segN), TotalLen: uint16(len(payload)), FCS: fcs,
		Payload: payload[:startLen],
	})
	if err != nil {
		return err
	}
	if err := l.send(startPDU); err != nil {
		return err
	}

	off := startLen
	for i := 1; i <= segN; i++ {
		end := off + MaxContinuePayload
		if end > len(payload) {
			end = len(payload)
		}
		pdu, err := EncodeTransactionContinue(TransactionContinue{
			Header:   Header{LinkID: l.linkID, TransNum: transNum},
			SegIndex: byte(i), Payload: payload[off:end],
		})
		if err != nil {
			return err
		}
		if err := l.send(pdu); err != nil {
			return err
		}
		off = end
	}
	return nil
}

// OnStart handles an inbound Transaction Start segment (spec §4.13
// reassembly rules: "Segment Start before all Continues of the previous
// transaction are received restarts reassembly for higher SeqAuth/TransNum
// or is ignored for equal/lower").
func (l *Link) OnStart(s *TransactionStart) {
	if l.rx != nil {
		if s.TransNum == l.rx.transNum {
			return // duplicate start for the in-progress transaction: ignore
		}
		if !transNumGreater(l.role, s.TransNum, l.rx.transNum) {
			return
		}
	} else if l.haveAcked && s.TransNum == l.ackedTransNum {
		l.ackTransaction(s.TransNum)
		return
	}

	segN := int(s.LastSegN)
	rx := &rxTransaction{
		transNum: s.TransNum, totalLen: s.TotalLen, fcs: s.FCS, lastSegN: s.LastSegN,
		segs: make([][]byte, segN+1), have: make([]bool, segN+1),
	}
	rx.segs[0] = s.Payload
	rx.have[0] = true
	l.rx = rx
	l.lastRXAt = time.Now()
	l.maybeCompleteRX()
}

// OnContinue handles an inbound Transaction Continue segment.
func (l *Link) OnContinue(c *TransactionContinue) {
	if l.rx == nil || c.TransNum != l.rx.transNum {
		return
	}
	if int(c.SegIndex) >= len(l.rx.segs) {
		return
	}
	l.rx.segs[c.SegIndex] = c.Payload
	l.rx.have[c.SegIndex] = true
	l.lastRXAt = time.Now()
	l.maybeCompleteRX()
}

func (l *Link) maybeCompleteRX() {
	if !l.rx.complete() {
		return
	}
	full := l.rx.assembled()
	if FCS(full) != l.rx.fcs {
		slog.Warn("provad: fcs mismatch on reassembled provisioning pdu", "link_id", l.linkID)
		l.rx = nil
		return
	}
	l.ackTransaction(l.rx.transNum)
	if l.OnTransactionPDU != nil {
		l.OnTransactionPDU(full)
	}
	l.rx = nil
}

func (l *Link) ackTransaction(transNum byte) {
	l.ackedTransNum = transNum
	l.haveAcked = true
	ack := EncodeTransactionAck(TransactionAck{Header: Header{LinkID: l.linkID, TransNum: transNum}})
	if err := l.send(ack); err != nil {
		slog.Warn("provad: transaction ack send failed", "err", err)
	}
}

// transNumGreater reports whether a is later than b within the role's
// wraparound space, treating equal as not-greater.
func transNumGreater(role Role, a, b byte) bool {
	lo, hi := role.transNumRange()
	span := int(hi) - int(lo) + 1
	da := (int(a) - int(lo) + span) % span
	db := (int(b) - int(lo) + span) % span
	return da > db
}

// IdleExceeded reports whether no valid PDU has been seen for
// LinkIdleTimeout (spec §4.13 "Link idle timeout").
func (l *Link) IdleExceeded(now time.Time) bool {
	if l.lastRXAt.IsZero() {
		return false
	}
	return now.Sub(l.lastRXAt) >= LinkIdleTimeout
}

// CloseLink sends Link Close and transitions to LinkClosed.
func (l *Link) CloseLink(reason byte) error {
	l.state = LinkClosing
	pdu, err := EncodeBearerControl(BearerControl{
		Header: Header{LinkID: l.linkID}, Opcode: BearerOpLinkClose, Reason: reason,
	})
	if err != nil {
		return err
	}
	if err := l.send(pdu); err != nil {
		return err
	}
	l.state = LinkClosed
	if l.OnLinkClosed != nil {
		l.OnLinkClosed(reason)
	}
	return nil
}

// State exposes the current link state.
func (l *Link) State() LinkState { return l.state }

// HandleInbound routes a decoded Generic Provisioning PDU already known to
// belong to this link (matched by LinkID) to the appropriate handler.
func (l *Link) HandleInbound(d *DecodedPDU) {
	switch {
	case d.Start != nil:
		l.OnStart(d.Start)
	case d.Continue != nil:
		l.OnContinue(d.Continue)
	case d.Ack != nil:
		l.OnTransactionAckReceived(d.Ack.TransNum)
	case d.Control != nil:
		switch d.Control.Opcode {
		case BearerOpLinkAck:
			l.OnLinkAckReceived()
		case BearerOpLinkClose:
			l.state = LinkClosed
			if l.OnLinkClosed != nil {
				l.OnLinkClosed(d.Control.Reason)
			}
		}
	}
}
