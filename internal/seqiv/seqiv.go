// Package seqiv implements the per-element sequence-number store and the
// global IV-index state machine (spec §4.3, component C3).
package seqiv

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meshx/meshcore/internal/merr"
)

const (
	// SeqMax is the saturating ceiling for a 24-bit sequence number.
	SeqMax uint32 = 0xFFFFFF

	// minDwell/maxDwell resolve spec §9's open question using the
	// Bluetooth Mesh Profile §3.10.5 rule directly: 96 hours minimum, 144
	// hours maximum, in each of the normal/in-progress states.
	minDwell = 96 * time.Hour
	maxDwell = 144 * time.Hour
)

// IVState is the two-state IV-index update machine (spec §3 "IV index").
type IVState int

const (
	IVNormal IVState = iota
	IVInProgress
)

func (s IVState) String() string {
	if s == IVInProgress {
		return "in-progress"
	}
	return "normal"
}

// PendingTxChecker reports whether any lower-transport TX task is currently
// in flight; the IV transition to in-progress must not start while one is
// (spec §4.3).
type PendingTxChecker func() bool

// Store holds per-element sequence counters and the global IV state.
type Store struct {
	seq map[uint16]uint32 // element index -> next sequence number

	ivIndex        uint32
	ivState        IVState
	lastTransition time.Time
	hasPendingTx   PendingTxChecker
}

// New creates a Store seeded with the given starting IV index; sequence
// numbers start at zero per element until SeqSet is called to restore
// persisted state.
func New(startIVIndex uint32, pendingTx PendingTxChecker) *Store {
	return &Store{
		seq:            make(map[uint16]uint32),
		ivIndex:        startIVIndex,
		ivState:        IVNormal,
		lastTransition: time.Now(),
		hasPendingTx:   pendingTx,
	}
}

// SeqGet returns the next sequence number that would be used for element,
// without consuming it.
func (s *Store) SeqGet(element uint16) uint32 {
	return s.seq[element]
}

// SeqSet restores a persisted sequence number (called by the NVM adapter on
// boot).
func (s *Store) SeqSet(element uint16, seq uint32) {
	s.seq[element] = seq
}

// SeqSnapshot returns a copy of every element's next sequence number, for
// the NVM adapter to persist (spec §6: "per-element sequence number").
func (s *Store) SeqSnapshot() map[uint16]uint32 {
	out := make(map[uint16]uint32, len(s.seq))
	for k, v := range s.seq {
		out[k] = v
	}
	return out
}

// LastTransition returns the timestamp of the most recent IV update-state
// transition, for the NVM adapter to persist alongside the IV index.
func (s *Store) LastTransition() time.Time {
	return s.lastTransition
}

// RestoreIV sets the IV index, update state, and last-transition timestamp
// directly, bypassing the dwell/pending-tx transition rules. Used only by
// the NVM adapter to reconstruct boot-time state from persisted values,
// never as a live transition.
func (s *Store) RestoreIV(index uint32, state IVState, lastTransition time.Time) {
	s.ivIndex = index
	s.ivState = state
	s.lastTransition = lastTransition
}

// SeqUse reads the current sequence number and increments it, saturating at
// SeqMax (spec §3, §8 Property 5: "seq_use returns strictly increasing
// values until saturation... post-saturation the store returns Invalid").
func (s *Store) SeqUse(element uint16) (uint32, error) {
	cur := s.seq[element]
	if cur >= SeqMax {
		return 0, fmt.Errorf("sequence number space exhausted for element %d: %w", element, merr.Inval)
	}
	s.seq[element] = cur + 1
	return cur, nil
}

// IVIndexGet returns the current IV index.
func (s *Store) IVIndexGet() uint32 { return s.ivIndex }

// IVIndexTxGet returns the IV index to use for transmission: iv-1 while
// in-progress, iv otherwise (spec §4.3).
func (s *Store) IVIndexTxGet() uint32 {
	if s.ivState == IVInProgress && s.ivIndex > 0 {
		return s.ivIndex - 1
	}
	return s.ivIndex
}

// IVState returns the current update-procedure state.
func (s *Store) State() IVState { return s.ivState }

// IVUpdateStateTransit attempts to move to target, enforcing the dwell and
// pending-tx rules of spec §4.3. A transition to in-progress requested while
// an SAR transmit is in flight returns merr.Busy and leaves the state
// unchanged; the request is not queued, and nothing retries it once the
// transmit completes.
func (s *Store) IVUpdateStateTransit(target IVState) error {
	if target == s.ivState {
		return fmt.Errorf("already in state %s: %w", target, merr.Already)
	}

	dwell := time.Since(s.lastTransition)

	switch {
	case s.ivState == IVNormal && target == IVInProgress:
		if s.hasPendingTx != nil && s.hasPendingTx() {
			return fmt.Errorf("lower transport tx in flight: %w", merr.Busy)
		}
		if dwell < minDwell {
			return fmt.Errorf("minimum dwell not yet elapsed: %w", merr.Timing)
		}
		s.ivIndex++
		s.ivState = IVInProgress
		s.lastTransition = time.Now()
		slog.Info("iv index transition", "new_state", s.ivState, "iv_index", s.ivIndex)
		return nil

	case s.ivState == IVInProgress && target == IVNormal:
		if dwell < minDwell {
			return fmt.Errorf("minimum dwell not yet elapsed: %w", merr.Timing)
		}
		s.ivState = IVNormal
		s.lastTransition = time.Now()
		slog.Info("iv index transition", "new_state", s.ivState, "iv_index", s.ivIndex)
		return nil

	default:
		return fmt.Errorf("unsupported iv state transition: %w", merr.Inval)
	}
}

// DwellExceeded reports whether the node has remained in in-progress beyond
// the maximum allowed dwell, at which point a forced transition back to
// normal is required regardless of traffic (Bluetooth Mesh Profile §3.10.5,
// resolving spec §9's open question).
func (s *Store) DwellExceeded() bool {
	return s.ivState == IVInProgress && time.Since(s.lastTransition) >= maxDwell
}
