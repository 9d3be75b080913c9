// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package nvm

import (
	"testing"

	"github.com/meshx/meshcore/internal/config"
	"github.com/meshx/meshcore/internal/keystore"
	"github.com/meshx/meshcore/internal/replay"
	"github.com/meshx/meshcore/internal/seqiv"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(config.NVMConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNodeStateRoundTrip(t *testing.T) {
	a := openTestAdapter(t)

	if _, _, ok, err := a.LoadNodeState(); err != nil || ok {
		t.Fatalf("expected no node state before first save, ok=%v err=%v", ok, err)
	}

	if err := a.SaveNodeState(0x1234, 3); err != nil {
		t.Fatal(err)
	}
	addr, count, ok, err := a.LoadNodeState()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || addr != 0x1234 || count != 3 {
		t.Fatalf("got addr=%#x count=%d ok=%v, want 0x1234/3/true", addr, count, ok)
	}

	// A second save overwrites rather than duplicating the singleton row.
	if err := a.SaveNodeState(0x5678, 5); err != nil {
		t.Fatal(err)
	}
	addr, count, ok, err = a.LoadNodeState()
	if err != nil || !ok || addr != 0x5678 || count != 5 {
		t.Fatalf("got addr=%#x count=%d ok=%v err=%v after overwrite", addr, count, ok, err)
	}
}

func TestSeqIVRoundTrip(t *testing.T) {
	a := openTestAdapter(t)

	store := seqiv.New(100, func() bool { return false })
	store.SeqSet(0, 42)
	store.SeqSet(1, 99)

	if err := a.FlushSeqIV(store); err != nil {
		t.Fatal(err)
	}

	restored := seqiv.New(0, func() bool { return false })
	if err := a.LoadSeqIV(restored); err != nil {
		t.Fatal(err)
	}
	if restored.SeqGet(0) != 42 || restored.SeqGet(1) != 99 {
		t.Fatalf("sequence numbers did not round trip: got %d, %d", restored.SeqGet(0), restored.SeqGet(1))
	}
	if restored.IVIndexGet() != 100 {
		t.Fatalf("IV index did not round trip: got %d, want 100", restored.IVIndexGet())
	}
}

func TestKeysRoundTrip(t *testing.T) {
	a := openTestAdapter(t)

	ks := keystore.New(4, 16, 32)
	var netRoot, appRoot, devRoot [16]byte
	for i := range netRoot {
		netRoot[i] = byte(i)
		appRoot[i] = byte(i + 1)
		devRoot[i] = byte(i + 2)
	}
	if err := ks.AddNetKey(1, netRoot); err != nil {
		t.Fatal(err)
	}
	if err := ks.AddAppKey(2, 1, appRoot); err != nil {
		t.Fatal(err)
	}
	if err := ks.AddDeviceKey(0x0010, 1, devRoot); err != nil {
		t.Fatal(err)
	}

	if err := a.FlushKeys(ks); err != nil {
		t.Fatal(err)
	}

	restored := keystore.New(4, 16, 32)
	if err := a.LoadKeys(restored); err != nil {
		t.Fatal(err)
	}

	nk, ok := restored.NetKey(1)
	if !ok || nk.Root != netRoot {
		t.Fatalf("net key did not round trip: ok=%v", ok)
	}
	ak, ok := restored.AppKey(2)
	if !ok || ak.Root != appRoot || ak.NetKeyIdx != 1 {
		t.Fatalf("app key did not round trip: ok=%v", ok)
	}
	dk, ok := restored.DeviceKeyFor(0x0010)
	if !ok || dk.Root != devRoot {
		t.Fatalf("device key did not round trip: ok=%v", ok)
	}
}

func TestRPLRoundTrip(t *testing.T) {
	a := openTestAdapter(t)

	rpl := replay.NewRPL(8)
	if ok, err := rpl.CheckAndUpdate(0x10, 5, 1); err != nil || !ok {
		t.Fatalf("unexpected rejection: ok=%v err=%v", ok, err)
	}

	if err := a.FlushRPL(rpl); err != nil {
		t.Fatal(err)
	}

	restored := replay.NewRPL(8)
	if err := a.LoadRPL(restored); err != nil {
		t.Fatal(err)
	}
	snap := restored.Snapshot()
	if len(snap) != 1 || snap[0].Src != 0x10 || snap[0].Seq != 5 || snap[0].IV != 1 {
		t.Fatalf("rpl tuple did not round trip: %+v", snap)
	}
}
