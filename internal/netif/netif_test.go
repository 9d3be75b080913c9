package netif

import (
	"testing"

	"github.com/meshx/meshcore/internal/bearer"
)

func TestLoopbackAlwaysPresentAndUnbindable(t *testing.T) {
	tbl := New(4)
	if h, err := tbl.BearerHandle(LoopbackIndex); err != nil || h != bearer.LoopbackHandle {
		t.Fatalf("expected loopback handle at index 0, got %v, %v", h, err)
	}
	if err := tbl.Unbind(LoopbackIndex); err == nil {
		t.Fatal("expected error unbinding loopback interface")
	}
}

func TestBindAssignsIndicesAndReusesFreedSlots(t *testing.T) {
	tbl := New(2)
	i1, err := tbl.Bind(bearer.Handle(1))
	if err != nil {
		t.Fatal(err)
	}
	i2, err := tbl.Bind(bearer.Handle(2))
	if err != nil {
		t.Fatal(err)
	}
	if i1 == i2 {
		t.Fatal("expected distinct indices")
	}
	if _, err := tbl.Bind(bearer.Handle(3)); err == nil {
		t.Fatal("expected capacity exhaustion error")
	}

	if err := tbl.Unbind(i1); err != nil {
		t.Fatal(err)
	}
	i3, err := tbl.Bind(bearer.Handle(3))
	if err != nil {
		t.Fatal(err)
	}
	if i3 != i1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", i1, i3)
	}
}

func TestInputFilterAllowList(t *testing.T) {
	tbl := New(4)
	idx, _ := tbl.Bind(bearer.Handle(1))
	if err := tbl.SetInputFilter(idx, &Filter{Kind: FilterAllow, Addresses: map[uint16]bool{0x0010: true}}); err != nil {
		t.Fatal(err)
	}

	ok, err := tbl.AdmitRx(idx, 0x0010)
	if err != nil || !ok {
		t.Fatalf("expected allowed address to pass, ok=%v err=%v", ok, err)
	}
	ok, err = tbl.AdmitRx(idx, 0x0020)
	if err != nil || ok {
		t.Fatalf("expected non-listed address to be filtered, ok=%v err=%v", ok, err)
	}

	c, err := tbl.Counters(idx)
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalRx != 2 || c.FilteredRx != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestOutputFilterDenyList(t *testing.T) {
	tbl := New(4)
	idx, _ := tbl.Bind(bearer.Handle(1))
	if err := tbl.SetOutputFilter(idx, &Filter{Kind: FilterDeny, Addresses: map[uint16]bool{0x0030: true}}); err != nil {
		t.Fatal(err)
	}

	ok, _ := tbl.AdmitTx(idx, 0x0030)
	if ok {
		t.Fatal("expected denied address to be filtered on tx")
	}
	ok, _ = tbl.AdmitTx(idx, 0x0040)
	if !ok {
		t.Fatal("expected non-denied address to pass")
	}
}

func TestNilFilterAllowsEverything(t *testing.T) {
	tbl := New(4)
	idx, _ := tbl.Bind(bearer.Handle(1))
	ok, err := tbl.AdmitRx(idx, 0xBEEF)
	if err != nil || !ok {
		t.Fatalf("expected nil filter to allow, ok=%v err=%v", ok, err)
	}
}

func TestIndicesIncludesLoopback(t *testing.T) {
	tbl := New(4)
	tbl.Bind(bearer.Handle(1))
	idxs := tbl.Indices()
	found := false
	for _, i := range idxs {
		if i == LoopbackIndex {
			found = true
		}
	}
	if !found {
		t.Fatal("expected loopback index in Indices()")
	}
}
