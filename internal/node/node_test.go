package node

import (
	"testing"
	"time"

	"github.com/meshx/meshcore/internal/access"
	"github.com/meshx/meshcore/internal/config"
	"github.com/meshx/meshcore/internal/platform"
	"github.com/meshx/meshcore/internal/upper"
)

type fakeRadio struct {
	advertising bool
	advDone     func()
}

func (f *fakeRadio) ScanSetParam(p platform.ScanParams) error          { return nil }
func (f *fakeRadio) ScanStart(onReport func(platform.AdvReport)) error { return nil }
func (f *fakeRadio) ScanStop() error                                   { return nil }
func (f *fakeRadio) AdvSetParam(p platform.AdvParams) error            { return nil }
func (f *fakeRadio) AdvSetData(data []byte) error                      { return nil }
func (f *fakeRadio) AdvStart(onComplete func()) error {
	f.advertising = true
	f.advDone = onComplete
	return nil
}
func (f *fakeRadio) AdvStop() error { f.advertising = false; return nil }

type fakeTimer struct{ next platform.Handle }

func (f *fakeTimer) Create(mode platform.TimerMode, cb platform.TimerCallback, user any) (platform.Handle, error) {
	f.next++
	return f.next, nil
}
func (f *fakeTimer) Start(h platform.Handle, d time.Duration) error { return nil }
func (f *fakeTimer) Stop(h platform.Handle) error                   { return nil }
func (f *fakeTimer) Delete(h platform.Handle) error                 { return nil }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Node.UUIDHex = "00112233445566778899aabbccddeeff"[:32]
	return cfg
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(testConfig(), &fakeRadio{}, &fakeTimer{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewConstructsAndWiresComponents(t *testing.T) {
	n := newTestNode(t)

	if n.advBearer == 0 {
		t.Fatal("expected a non-loopback advertising bearer to be created")
	}
	if n.xport == nil || n.acc == nil || n.pm == nil || n.gapS == nil || n.brr == nil || n.nif == nil {
		t.Fatal("expected every core component to be wired")
	}
}

func TestResetClearsKeysAndAddress(t *testing.T) {
	n := newTestNode(t)

	var root [16]byte
	root[0] = 0xAA
	if err := n.keys.AddNetKey(1, root); err != nil {
		t.Fatal(err)
	}
	n.unicastAddr = 0x0042

	if err := n.Reset(); err != nil {
		t.Fatal(err)
	}
	if n.unicastAddr != 0 {
		t.Fatalf("expected unicastAddr reset to 0, got %#x", n.unicastAddr)
	}
	if _, ok := n.keys.NetKey(1); ok {
		t.Fatal("expected net keys wiped by Reset")
	}
}

func TestResetInstallsFreshKeystore(t *testing.T) {
	n := newTestNode(t)
	before := n.keys
	if err := n.Reset(); err != nil {
		t.Fatal(err)
	}
	if n.keys == before {
		t.Fatal("expected Reset to install a fresh keystore instance")
	}
}

func TestProvisioningManagerPoolIsWired(t *testing.T) {
	n := newTestNode(t)
	if n.pm.Len() != 0 {
		t.Fatalf("expected empty provisioning pool at startup, got %d", n.pm.Len())
	}
	if _, err := n.pm.Begin(1); err != nil {
		t.Fatal(err)
	}
	if n.pm.Len() != 1 {
		t.Fatalf("expected pool len 1 after Begin, got %d", n.pm.Len())
	}
}

// TestAccessRoundTripThroughLoopback exercises the whole send/receive stack
// for a self-addressed access message: upper-transport encryption, network
// encoding, the loopback bearer's direct dispatch, network decoding, lower
// transport reassembly, upper-transport decryption, and opcode dispatch.
func TestAccessRoundTripThroughLoopback(t *testing.T) {
	n := newTestNode(t)

	var netRoot [16]byte
	netRoot[0] = 0x11
	if err := n.keys.AddNetKey(0, netRoot); err != nil {
		t.Fatal(err)
	}
	n.primaryNKI = 0
	n.unicastAddr = 0x0001

	var devRoot [16]byte
	devRoot[0] = 0x22
	if err := n.keys.AddDeviceKey(n.unicastAddr, 1, devRoot); err != nil {
		t.Fatal(err)
	}

	const opcode = 0x10
	plaintext := []byte{opcode, 0x01, 0x02, 0x03}

	seqAuth := n.seq.SeqGet(n.unicastAddr)
	ciphertext, err := upper.Encrypt(devRoot, upper.Params{
		AKF: false, SeqAuth: seqAuth, Src: n.unicastAddr, Dst: n.unicastAddr, IVIndex: n.seq.IVIndexTxGet(),
	}, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	var got *access.Message
	if err := n.acc.Register(opcode, func(msg access.Message) {
		m := msg
		got = &m
	}); err != nil {
		t.Fatal(err)
	}

	if err := n.xport.SubmitAccess(n.unicastAddr, 1, false, 0, ciphertext, nil); err != nil {
		t.Fatal(err)
	}

	if got == nil {
		t.Fatal("expected the registered handler to be invoked")
	}
	if got.Src != n.unicastAddr || got.Dst != n.unicastAddr {
		t.Fatalf("got src=%#x dst=%#x, want both %#x", got.Src, got.Dst, n.unicastAddr)
	}
	wantParams := plaintext[1:]
	if len(got.Parameters) != len(wantParams) {
		t.Fatalf("got params %v, want %v", got.Parameters, wantParams)
	}
	for i := range wantParams {
		if got.Parameters[i] != wantParams[i] {
			t.Fatalf("got params %v, want %v", got.Parameters, wantParams)
		}
	}
}

func TestDeliverUpperDropsControlMessages(t *testing.T) {
	n := newTestNode(t)
	called := false
	if err := n.acc.Register(0x01, func(access.Message) { called = true }); err != nil {
		t.Fatal(err)
	}
	n.deliverUpper(0x0001, 0x0002, true, false, 0, 0, []byte{0x01})
	if called {
		t.Fatal("control messages must not reach the access dispatcher")
	}
}

func TestDeliverUpperDropsWithoutMatchingKey(t *testing.T) {
	n := newTestNode(t)
	n.unicastAddr = 0x0001
	// No device key installed for n.unicastAddr: decrypt must be skipped,
	// not panic.
	n.deliverUpper(0x0002, n.unicastAddr, false, false, 0, 0, []byte{0x01, 0x02})
}
