// Package replay implements the network message cache (NMC) and replay
// protection list (RPL) described in spec §3 and §4.4 (component C4).
package replay

import (
	"fmt"
	"log/slog"

	"github.com/meshx/meshcore/internal/merr"
)

// nmcEntry is one (src, seq) pair tracked by the short-term cache.
type nmcEntry struct {
	src uint16
	seq uint32
	set bool
}

// NMC is a bounded ring-buffered set of recently processed (src, seq)
// pairs, used for immediate duplicate suppression (spec §3, §4.4, §8
// Property 4: "never exceeds its configured size; older entries are evicted
// in FIFO order").
type NMC struct {
	ring []nmcEntry
	next int
	size int
}

// NewNMC creates an NMC with a fixed ring capacity.
func NewNMC(capacity int) *NMC {
	if capacity <= 0 {
		capacity = 1
	}
	return &NMC{ring: make([]nmcEntry, capacity)}
}

// Check returns true (accepted) if (src, seq) is not already present, and
// inserts it, evicting the oldest entry (FIFO) if the ring is full.
// Returns false if it is a duplicate; duplicates are dropped silently by
// the caller (spec §4.4).
func (c *NMC) Check(src uint16, seq uint32) bool {
	for _, e := range c.ring {
		if e.set && e.src == src && e.seq == seq {
			return false
		}
	}
	c.ring[c.next] = nmcEntry{src: src, seq: seq, set: true}
	c.next = (c.next + 1) % len(c.ring)
	if c.size < len(c.ring) {
		c.size++
	}
	return true
}

// Len reports how many entries are currently populated (bounded by
// capacity; used by tests verifying Property 4).
func (c *NMC) Len() int { return c.size }

// rplEntry is the highest (seq, iv) pair seen from a given source.
type rplEntry struct {
	seq uint32
	iv  uint32
}

// greaterThan reports whether (iv, seq) is strictly greater than stored, using
// lexicographic order on (iv, seq) per spec §3's RPL invariant.
func (e rplEntry) greaterThan(iv uint32, seq uint32) bool {
	if iv != e.iv {
		return iv > e.iv
	}
	return seq > e.seq
}

// RPL is the long-term (src, seq, iv_index) replay protection list, keyed
// by src, retaining only the highest (iv, seq) seen (spec §3, §4.4, §8
// Property 3).
type RPL struct {
	capacity int
	entries  map[uint16]rplEntry
}

// NewRPL creates an RPL bounded to capacity distinct sources.
func NewRPL(capacity int) *RPL {
	return &RPL{capacity: capacity, entries: make(map[uint16]rplEntry, capacity)}
}

// CheckAndUpdate accepts (src, seq, iv) iff it is strictly greater than the
// stored tuple for src, then records it. RPL overflow (a brand new src when
// the table is already full) fails closed: the message is rejected (spec
// §4.4: "RPL overflow fails closed (reject)").
func (r *RPL) CheckAndUpdate(src uint16, seq uint32, iv uint32) (bool, error) {
	cur, exists := r.entries[src]
	if !exists {
		if len(r.entries) >= r.capacity {
			slog.Warn("rpl full, rejecting new source", "src", src)
			return false, fmt.Errorf("rpl capacity exhausted: %w", merr.Resource)
		}
		r.entries[src] = rplEntry{seq: seq, iv: iv}
		return true, nil
	}
	if !cur.greaterThan(iv, seq) {
		slog.Warn("replay detected", "src", src, "seq", seq, "iv", iv)
		return false, nil
	}
	r.entries[src] = rplEntry{seq: seq, iv: iv}
	return true, nil
}

// Set restores a persisted RPL entry (called by the NVM adapter on boot).
func (r *RPL) Set(src uint16, seq uint32, iv uint32) {
	r.entries[src] = rplEntry{seq: seq, iv: iv}
}

// Snapshot returns every (src, seq, iv) tuple for persistence (spec §6:
// "RPL contents" must be preserved atomically).
type Tuple struct {
	Src uint16
	Seq uint32
	IV  uint32
}

func (r *RPL) Snapshot() []Tuple {
	out := make([]Tuple, 0, len(r.entries))
	for src, e := range r.entries {
		out = append(out, Tuple{Src: src, Seq: e.seq, IV: e.iv})
	}
	return out
}
