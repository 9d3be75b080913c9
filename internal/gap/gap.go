// Package gap implements the cooperative action scheduler that arbitrates
// between scanning and advertising on a single radio (spec §4.5, component
// C5). The radio is a singleton: at most one of {scan, advertise} runs at a
// time, and advertising always preempts scanning.
package gap

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/meshx/meshcore/internal/merr"
	"github.com/meshx/meshcore/internal/platform"
	"golang.org/x/time/rate"
)

// State is the scheduler's top-level state (spec §4.5).
type State int

const (
	StackInit State = iota
	Ready
	Scanning
	Advertising
)

// ActionKind distinguishes scan vs advertise actions. Advertise actions
// always sort above scan actions in the active list (spec §4.5: "advertise
// actions sort stably above scan").
type ActionKind int

const (
	ActionScan ActionKind = iota
	ActionAdvertise
)

// Action is one scheduled unit of radio work.
type Action struct {
	id       uint32
	kind     ActionKind
	adv      platform.AdvParams
	scan     platform.ScanParams
	onReport func(platform.AdvReport)
	onDone   func()
}

// Scheduler owns the active/idle action lists and drives the radio
// (spec §4.5).
type Scheduler struct {
	radio platform.Radio

	state    State
	active   []*Action
	idle     []*Action
	nextID   uint32
	capacity int

	scanQueued  bool
	scanParams  platform.ScanParams
	onReport    func(platform.AdvReport)
	limiter     *rate.Limiter
	currentDone func()
}

// New creates a Scheduler bound to radio with a fixed action-slot capacity
// (spec §5 resource bounds: "GAP action slots ... are all configuration
// constants checked at init"). limiterRate paces how often Tick may start a
// new advertise action back-to-back, avoiding a busy-loop pegging the CPU
// when many fire-and-forget advertises are queued.
func New(radio platform.Radio, capacity int, limiterRate rate.Limit) *Scheduler {
	return &Scheduler{
		radio:    radio,
		state:    StackInit,
		capacity: capacity,
		limiter:  rate.NewLimiter(limiterRate, 1),
	}
}

// Start transitions StackInit -> Ready.
func (s *Scheduler) Start() {
	s.state = Ready
}

// AddAdvertiseAction queues an advertisement. If a scan action was installed
// with AddScanAction, it is queued again so scanning resumes once advertising
// completes. No scan action is created here: with none installed, the radio
// stays idle after advertising.
func (s *Scheduler) AddAdvertiseAction(p platform.AdvParams, onDone func()) (uint32, error) {
	if len(s.active)+len(s.idle) >= s.capacity {
		return 0, fmt.Errorf("gap action capacity exhausted: %w", merr.Busy)
	}
	s.nextID++
	a := &Action{id: s.nextID, kind: ActionAdvertise, adv: p, onDone: onDone}
	s.insertActive(a)

	if !s.scanQueued && s.onReport != nil {
		s.scanQueued = true
	}

	s.tick()
	return a.id, nil
}

// AddScanAction installs the continuous-scan parameters and callback.
func (s *Scheduler) AddScanAction(p platform.ScanParams, onReport func(platform.AdvReport)) error {
	if s.onReport != nil {
		return fmt.Errorf("scan action already present: %w", merr.Already)
	}
	s.scanParams = p
	s.onReport = onReport
	s.scanQueued = true
	s.tick()
	return nil
}

// insertActive inserts a into the active list, keeping advertise actions
// sorted stably above scan actions and insertion order preserved within
// each kind (spec §4.5: "Back-to-back advertises pop in insertion order").
func (s *Scheduler) insertActive(a *Action) {
	s.active = append(s.active, a)
	sort.SliceStable(s.active, func(i, j int) bool {
		return s.active[i].kind == ActionAdvertise && s.active[j].kind != ActionAdvertise
	})
}

// tick advances the scheduler: if idle and an advertise action is queued,
// starts it (preempting any running scan); otherwise resumes scanning if a
// scan action is queued (spec §4.5, §8 Property 6).
func (s *Scheduler) tick() {
	if s.state == Advertising {
		return // currently running one; completion callback will re-tick
	}
	if !s.limiter.Allow() {
		return
	}
	for i, a := range s.active {
		if a.kind == ActionAdvertise {
			s.active = append(s.active[:i], s.active[i+1:]...)
			s.startAdvertise(a)
			return
		}
	}
	if s.state != Scanning && s.scanQueued && s.onReport != nil {
		s.startScan()
	}
}

func (s *Scheduler) startAdvertise(a *Action) {
	if s.state == Scanning {
		_ = s.radio.ScanStop()
	}
	s.state = Advertising
	s.currentDone = a.onDone
	if err := s.radio.AdvSetParam(a.adv); err != nil {
		slog.Warn("gap: adv set param failed", "err", err)
	}
	if err := s.radio.AdvSetData(a.adv.Data); err != nil {
		slog.Warn("gap: adv set data failed", "err", err)
	}
	_ = s.radio.AdvStart(func() { s.onAdvertiseComplete() })
}

// onAdvertiseComplete is invoked by the radio driver callback; it must be
// routed through the mailbox by the caller (spec §5) before OnAdvertiseDone
// is called on the main loop's turn — see node.Node's mailbox wiring.
func (s *Scheduler) onAdvertiseComplete() {
	done := s.currentDone
	s.currentDone = nil
	s.state = Ready
	if done != nil {
		done()
	}
	// Resume scan within one scheduling tick after the advertise action
	// finishes (spec §8 Property 6).
	s.tick()
}

func (s *Scheduler) startScan() {
	if err := s.radio.ScanSetParam(s.scanParams); err != nil {
		slog.Warn("gap: scan set param failed", "err", err)
		return
	}
	if err := s.radio.ScanStart(s.onReport); err != nil {
		slog.Warn("gap: scan start failed", "err", err)
		return
	}
	s.state = Scanning
}

// OnAdvertiseComplete is the mailbox-routed entry point: the radio's
// completion callback posts a mailbox message, and the main loop calls this
// when it drains that message.
func (s *Scheduler) OnAdvertiseComplete() { s.onAdvertiseComplete() }

// State returns the current scheduler state (used by tests verifying
// Property 6's mutual exclusion).
func (s *Scheduler) State() State { return s.state }

// PendingAdvertiseCount reports how many advertise actions are queued but
// not yet started.
func (s *Scheduler) PendingAdvertiseCount() int {
	n := 0
	for _, a := range s.active {
		if a.kind == ActionAdvertise {
			n++
		}
	}
	return n
}

// Tick re-evaluates the schedule. Exposed for the main loop to call on
// every mailbox drain, covering the "idle" transition after initialization.
func (s *Scheduler) Tick() { s.tick() }
