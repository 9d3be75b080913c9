// Package platform declares the external collaborator interfaces the core
// consumes but does not implement (spec §6): the timer primitive and the
// radio driver. Implementations live outside this module (the tests define
// their own fakes); the core only depends on these contracts.
package platform

import "time"

// TimerMode selects one-shot vs periodic firing.
type TimerMode int

const (
	TimerOneShot TimerMode = iota
	TimerPeriodic
)

// TimerCallback is invoked when a timer fires. user is the opaque value
// passed to TimerCreate, returned unchanged so the callback can recover its
// context without a closure allocation per fire.
type TimerCallback func(user any)

// Timer is the platform timer primitive (spec §6): "timer_create(mode,
// callback, user) → handle; timer_start(h, ms), timer_stop(h),
// timer_delete(h)". Every timer in the core (link retry, transaction retry,
// link idle, ack timer, incomplete timer, store timer, beacon interval, IV
// tick) is created through this contract so it can be swapped for a
// platform's real hardware timer or an OS timer in tests.
type Timer interface {
	// Create allocates a timer in the given mode; the callback fires (via
	// whatever context the platform chooses — usually not the main loop)
	// and is expected to route the event into the mailbox, never mutate
	// protocol state directly.
	Create(mode TimerMode, cb TimerCallback, user any) (Handle, error)
	Start(h Handle, d time.Duration) error
	Stop(h Handle) error
	Delete(h Handle) error
}

// Handle identifies a platform timer instance.
type Handle uint32

// AdvParams configures one advertising instance (spec §4.5/§4.6).
type AdvParams struct {
	Type     AdvType
	Data     []byte // up to 31 octets
	Duration time.Duration
	// Duration < 0 means fire-and-forget (spec §4.5); a zero
	// value means fire-and-wait for exactly one transmission window.
}

// AdvType distinguishes connectable/scannable/non-connectable advertising,
// mirroring the handful of types a GAP-capable radio driver exposes.
type AdvType int

const (
	AdvNonConnectableUndirected AdvType = iota
	AdvScannableUndirected
)

// ScanParams configures the scan window (spec §4.5).
type ScanParams struct {
	Type     ScanType
	Interval time.Duration
	Window   time.Duration
}

type ScanType int

const (
	ScanPassive ScanType = iota
	ScanActive
)

// AdvReport is a single received advertisement, handed to the GAP scheduler
// by the radio driver (spec §2 control flow: "The radio delivers
// advertisements into C5").
type AdvReport struct {
	PeerAddr [6]byte
	RSSI     int8
	Data     []byte
}

// Radio is the external collaborator that owns the physical scan/advertise
// primitives (spec §6: "radio.scan_set_param/start/stop,
// radio.adv_set_param/set_data/start/stop"). The GAP scheduler (C5) is the
// sole caller.
type Radio interface {
	ScanSetParam(p ScanParams) error
	ScanStart(onReport func(AdvReport)) error
	ScanStop() error

	AdvSetParam(p AdvParams) error
	AdvSetData(data []byte) error
	AdvStart(onComplete func()) error
	AdvStop() error
}
