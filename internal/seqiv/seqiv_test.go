package seqiv

import (
	"errors"
	"testing"
	"time"

	"github.com/meshx/meshcore/internal/merr"
)

func TestSeqUseMonotonic(t *testing.T) {
	s := New(0, nil)
	var last uint32 = 0
	first, err := s.SeqUse(0)
	if err != nil {
		t.Fatal(err)
	}
	last = first
	for i := 0; i < 100; i++ {
		next, err := s.SeqUse(0)
		if err != nil {
			t.Fatal(err)
		}
		if next <= last {
			t.Fatalf("sequence number not strictly increasing: %d -> %d", last, next)
		}
		last = next
	}
}

func TestSeqUseSaturates(t *testing.T) {
	s := New(0, nil)
	s.SeqSet(0, SeqMax)
	_, err := s.SeqUse(0)
	if !errors.Is(err, merr.Inval) {
		t.Fatalf("expected merr.Inval at saturation, got %v", err)
	}
}

func TestIVIndexTxGetDuringUpdate(t *testing.T) {
	s := New(5, func() bool { return false })
	if s.IVIndexTxGet() != 5 {
		t.Fatalf("expected tx iv 5 in normal state, got %d", s.IVIndexTxGet())
	}
	// Force state without waiting on the dwell timer, to isolate the
	// iv-1-while-in-progress rule from the timing rule (covered below).
	s.ivState = IVInProgress
	s.ivIndex = 6
	if got := s.IVIndexTxGet(); got != 5 {
		t.Fatalf("expected tx iv 5 during in-progress (iv-1), got %d", got)
	}
	if s.IVIndexGet() != 6 {
		t.Fatalf("expected current iv 6, got %d", s.IVIndexGet())
	}
}

func TestIVUpdateStateTransitRejectsTooSoon(t *testing.T) {
	s := New(1, func() bool { return false })
	err := s.IVUpdateStateTransit(IVInProgress)
	if !errors.Is(err, merr.Timing) {
		t.Fatalf("expected merr.Timing (dwell not elapsed), got %v", err)
	}
}

func TestIVUpdateStateTransitBlockedByPendingTx(t *testing.T) {
	s := New(1, func() bool { return true })
	s.lastTransition = s.lastTransition.Add(-200 * time.Hour) // dwell satisfied; pending-tx check runs first
	err := s.IVUpdateStateTransit(IVInProgress)
	if !errors.Is(err, merr.Busy) {
		t.Fatalf("expected merr.Busy for pending tx, got %v", err)
	}
}

func TestIVUpdateStateTransitRejectsSameState(t *testing.T) {
	s := New(1, nil)
	err := s.IVUpdateStateTransit(IVNormal)
	if !errors.Is(err, merr.Already) {
		t.Fatalf("expected merr.Already, got %v", err)
	}
}
