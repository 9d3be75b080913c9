package gap

import (
	"testing"

	"github.com/meshx/meshcore/internal/platform"
	"golang.org/x/time/rate"
)

type fakeRadio struct {
	scanning    bool
	advertising bool
	advDone     func()
}

func (f *fakeRadio) ScanSetParam(p platform.ScanParams) error { return nil }
func (f *fakeRadio) ScanStart(onReport func(platform.AdvReport)) error {
	f.scanning = true
	return nil
}
func (f *fakeRadio) ScanStop() error { f.scanning = false; return nil }

func (f *fakeRadio) AdvSetParam(p platform.AdvParams) error { return nil }
func (f *fakeRadio) AdvSetData(data []byte) error            { return nil }
func (f *fakeRadio) AdvStart(onComplete func()) error {
	f.advertising = true
	f.advDone = onComplete
	return nil
}
func (f *fakeRadio) AdvStop() error { f.advertising = false; return nil }

func (f *fakeRadio) finishAdvertise() {
	f.advertising = false
	cb := f.advDone
	f.advDone = nil
	if cb != nil {
		cb()
	}
}

func TestAdvertisingPreemptsScan(t *testing.T) {
	radio := &fakeRadio{}
	s := New(radio, 8, rate.Inf)
	s.Start()

	if err := s.AddScanAction(platform.ScanParams{}, func(platform.AdvReport) {}); err != nil {
		t.Fatal(err)
	}
	if !radio.scanning {
		t.Fatal("expected scan to start once queued with no advertise pending")
	}

	if _, err := s.AddAdvertiseAction(platform.AdvParams{}, nil); err != nil {
		t.Fatal(err)
	}
	if radio.scanning {
		t.Fatal("advertising must preempt scanning")
	}
	if !radio.advertising {
		t.Fatal("expected advertise to start")
	}
	if s.State() != Advertising {
		t.Fatalf("expected Advertising state, got %v", s.State())
	}
}

func TestScanResumesAfterAdvertiseCompletes(t *testing.T) {
	radio := &fakeRadio{}
	s := New(radio, 8, rate.Inf)
	s.Start()
	_ = s.AddScanAction(platform.ScanParams{}, func(platform.AdvReport) {})
	_, _ = s.AddAdvertiseAction(platform.AdvParams{}, nil)

	radio.finishAdvertise()

	if !radio.scanning {
		t.Fatal("expected scan to resume after advertise completes")
	}
	if s.State() != Scanning {
		t.Fatalf("expected Scanning state, got %v", s.State())
	}
}

func TestBackToBackAdvertisesInsertionOrder(t *testing.T) {
	radio := &fakeRadio{}
	s := New(radio, 8, rate.Inf)
	s.Start()

	var order []int
	_, _ = s.AddAdvertiseAction(platform.AdvParams{}, func() { order = append(order, 1) })
	_, _ = s.AddAdvertiseAction(platform.AdvParams{}, func() { order = append(order, 2) })
	_, _ = s.AddAdvertiseAction(platform.AdvParams{}, func() { order = append(order, 3) })

	for i := 0; i < 3; i++ {
		radio.finishAdvertise()
	}
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %d completions, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestAddActionFailsAtCapacity(t *testing.T) {
	radio := &fakeRadio{}
	s := New(radio, 2, rate.Inf)
	s.Start()
	// The first advertise starts immediately, leaving the active list
	// empty; while it runs, up to `capacity` more can queue behind it.
	if _, err := s.AddAdvertiseAction(platform.AdvParams{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddAdvertiseAction(platform.AdvParams{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddAdvertiseAction(platform.AdvParams{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddAdvertiseAction(platform.AdvParams{}, nil); err == nil {
		t.Fatal("expected capacity exhaustion error")
	}
}
