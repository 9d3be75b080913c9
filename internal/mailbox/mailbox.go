// Package mailbox decouples timer/IRQ callbacks from the main loop (spec
// §4.15, component C15). It is a single-consumer FIFO queue: producers
// (timer callbacks, radio callbacks) may run on any calling context, but
// only the main loop drains it, and draining never re-enters itself
// synchronously (spec §5: "no handler may re-enter the mailbox's draining
// loop synchronously").
package mailbox

import "sync"

// Kind tags a mailbox message by origin, so the main loop can dispatch
// without a type switch over arbitrary payloads.
type Kind int

const (
	KindPBADVRetry Kind = iota
	KindPBADVLinkLoss
	KindLowerTxRetry
	KindLowerRxAck
	KindLowerRxIncomplete
	KindBeaconTick
	KindIVIndexTick
	KindRadioEvent
	KindShutdown
)

// Message is one entry in the mailbox. Payload is handler-specific and
// opaque to the mailbox itself.
type Message struct {
	Kind    Kind
	Payload any
}

// Mailbox is a bounded FIFO. Post never blocks the caller for longer than a
// mutex acquisition; handlers are expected to be short and non-blocking per
// spec §5.
type Mailbox struct {
	mu       sync.Mutex
	queue    []Message
	capacity int
	notify   chan struct{}
}

// New creates a Mailbox bounded to capacity pending messages. A capacity of
// zero means unbounded (used by tests only; production configs must set a
// real bound per spec §5 resource bounds).
func New(capacity int) *Mailbox {
	return &Mailbox{capacity: capacity, notify: make(chan struct{}, 1)}
}

// Post enqueues a message. If the mailbox is at capacity the oldest message
// is dropped to make room — the mailbox itself never blocks a producer,
// since producers may be running from an IRQ or timer callback context.
func (m *Mailbox) Post(msg Message) {
	m.mu.Lock()
	if m.capacity > 0 && len(m.queue) >= m.capacity {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns every currently queued message, in FIFO order.
// The main loop calls this once per iteration and processes the batch to
// completion before calling Drain again — it must never call Drain again
// from inside a handler it is currently running.
func (m *Mailbox) Drain() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	out := m.queue
	m.queue = nil
	return out
}

// Wait returns the channel a consumer receives from to block until a message
// has been posted; posts made before that receive collapse into one signal.
// The channel is never closed. It is the only blocking primitive a
// component may use (spec §5: "the only blocking primitive is the mailbox
// wait").
func (m *Mailbox) Wait() <-chan struct{} {
	return m.notify
}

// Len reports the number of currently queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
