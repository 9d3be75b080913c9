// Package netif implements the network-interface table that binds bearers
// to filters and per-direction counters (spec §4.7, component C7). The
// cyclic bearer<->interface reference named in spec §9 is resolved here as
// a flat slice indexed by int, with bearer.Layer storing the same index
// back on its entries (see bearer.Layer.BindNetIface).
package netif

import (
	"fmt"

	"github.com/meshx/meshcore/internal/bearer"
	"github.com/meshx/meshcore/internal/merr"
)

// FilterKind distinguishes allow-list from deny-list semantics for a
// single interface filter (spec §4.7).
type FilterKind int

const (
	FilterAllow FilterKind = iota
	FilterDeny
)

// Filter is a predicate over an address, applied per-direction
// (spec §4.7: "input_filter", "output_filter").
type Filter struct {
	Kind      FilterKind
	Addresses map[uint16]bool
}

// Allows reports whether addr passes the filter. A nil Filter always
// allows.
func (f *Filter) Allows(addr uint16) bool {
	if f == nil {
		return true
	}
	present := f.Addresses[addr]
	if f.Kind == FilterAllow {
		return present
	}
	return !present
}

// Counters tracks per-interface traffic accounting (spec §4.7:
// "total_rx/filtered_rx/total_tx/filtered_tx").
type Counters struct {
	TotalRx    uint64
	FilteredRx uint64
	TotalTx    uint64
	FilteredTx uint64
}

// iface is one network-interface-table entry.
type iface struct {
	bearerHandle bearer.Handle
	inputFilter  *Filter
	outputFilter *Filter
	counters     Counters
	loopback     bool
}

// Table owns every bound bearer<->interface relationship. Index 0 is
// always the loopback interface, bound to bearer.LoopbackHandle (spec
// §4.6/§4.7: loopback is always present and never deleted).
type Table struct {
	entries  []*iface // nil entries are free slots
	capacity int
}

// New creates a Table with capacity interface slots, plus the always-
// present loopback interface occupying slot 0.
func New(capacity int) *Table {
	t := &Table{
		entries:  make([]*iface, 1, capacity+1),
		capacity: capacity,
	}
	t.entries[0] = &iface{bearerHandle: bearer.LoopbackHandle, loopback: true}
	return t
}

// LoopbackIndex is the fixed slot index of the loopback interface.
const LoopbackIndex = 0

// Bind creates a new interface entry for h and returns its table index.
func (t *Table) Bind(h bearer.Handle) (int, error) {
	if h == bearer.LoopbackHandle {
		return 0, fmt.Errorf("loopback bearer already bound at index 0: %w", merr.Already)
	}
	for i, e := range t.entries {
		if e == nil {
			t.entries[i] = &iface{bearerHandle: h}
			return i, nil
		}
	}
	if len(t.entries) >= t.capacity+1 {
		return -1, fmt.Errorf("network interface table full: %w", merr.Resource)
	}
	idx := len(t.entries)
	t.entries = append(t.entries, &iface{bearerHandle: h})
	return idx, nil
}

// Unbind frees an interface slot. The loopback slot cannot be unbound.
func (t *Table) Unbind(idx int) error {
	if idx == LoopbackIndex {
		return fmt.Errorf("cannot unbind loopback interface: %w", merr.Inval)
	}
	if _, err := t.get(idx); err != nil {
		return err
	}
	t.entries[idx] = nil
	return nil
}

func (t *Table) get(idx int) (*iface, error) {
	if idx < 0 || idx >= len(t.entries) || t.entries[idx] == nil {
		return nil, fmt.Errorf("netif index %d: %w", idx, merr.Inval)
	}
	return t.entries[idx], nil
}

// SetInputFilter installs the receive-direction filter for idx.
func (t *Table) SetInputFilter(idx int, f *Filter) error {
	e, err := t.get(idx)
	if err != nil {
		return err
	}
	e.inputFilter = f
	return nil
}

// SetOutputFilter installs the transmit-direction filter for idx.
func (t *Table) SetOutputFilter(idx int, f *Filter) error {
	e, err := t.get(idx)
	if err != nil {
		return err
	}
	e.outputFilter = f
	return nil
}

// BearerHandle returns the bearer bound to idx.
func (t *Table) BearerHandle(idx int) (bearer.Handle, error) {
	e, err := t.get(idx)
	if err != nil {
		return 0, err
	}
	return e.bearerHandle, nil
}

// AdmitRx applies the input filter and updates counters; it returns false
// when addr is filtered out.
func (t *Table) AdmitRx(idx int, srcAddr uint16) (bool, error) {
	e, err := t.get(idx)
	if err != nil {
		return false, err
	}
	e.counters.TotalRx++
	if !e.inputFilter.Allows(srcAddr) {
		e.counters.FilteredRx++
		return false, nil
	}
	return true, nil
}

// AdmitTx applies the output filter and updates counters; it returns
// false when addr is filtered out.
func (t *Table) AdmitTx(idx int, dstAddr uint16) (bool, error) {
	e, err := t.get(idx)
	if err != nil {
		return false, err
	}
	e.counters.TotalTx++
	if !e.outputFilter.Allows(dstAddr) {
		e.counters.FilteredTx++
		return false, nil
	}
	return true, nil
}

// Counters returns a copy of the accounting snapshot for idx.
func (t *Table) Counters(idx int) (Counters, error) {
	e, err := t.get(idx)
	if err != nil {
		return Counters{}, err
	}
	return e.counters, nil
}

// Indices returns every currently bound interface index, including
// loopback, in ascending order.
func (t *Table) Indices() []int {
	var out []int
	for i, e := range t.entries {
		if e != nil {
			out = append(out, i)
		}
	}
	return out
}
