package sight

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// StabilityState is the detector's coarse phase
type StabilityState int

const (
	StateIdle StabilityState = iota
	StateStabilizing
	StateRequesting
	StateDone
)

func (s StabilityState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStabilizing:
		return "stabilizing"
	case StateRequesting:
		return "requesting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is an input to the stability machine
type Event interface{ isEvent() }

// PoseEvent is a new pose sample observed at At
type PoseEvent struct {
	Pose Pose
	At   time.Time
}

// TimerEvent reports expiry of the stability timer started with Generation
type TimerEvent struct {
	Generation uint64
}

// ResponseEvent carries the outcome of the identify call issued as Seq
type ResponseEvent struct {
	Seq uint64
	Hit *BuildingHit
	Err error
}

// StopEvent ends scanning: the pose stream was disabled or lost
type StopEvent struct{}

func (PoseEvent) isEvent()     {}
func (TimerEvent) isEvent()    {}
func (ResponseEvent) isEvent() {}
func (StopEvent) isEvent()     {}

// Effect is an action the machine asks its host to perform
type Effect interface{ isEffect() }

// StartTimer schedules a TimerEvent{Generation} after Delay, replacing any pending timer
type StartTimer struct {
	Delay      time.Duration
	Generation uint64
}

// CancelTimer stops the pending timer, if any
type CancelTimer struct{}

// FireIdentify asks the host to run identification for Pose and report back as Seq
type FireIdentify struct {
	Seq  uint64
	Pose Pose
}

// Deliver hands a current result to listeners
type Deliver struct {
	Seq  uint64
	Hit  *BuildingHit
	Err  error
	Pose Pose
}

// DropStale reports a response that a newer request superseded
type DropStale struct {
	Seq uint64
}

func (StartTimer) isEffect()   {}
func (CancelTimer) isEffect()  {}
func (FireIdentify) isEffect() {}
func (Deliver) isEffect()      {}
func (DropStale) isEffect()    {}

// requestSnapshot is what a request was issued for
type requestSnapshot struct {
	Point   orb.Point
	Heading float64
	Depth   *float64
	Pose    Pose
}

func snapshotOf(p Pose) *requestSnapshot {
	return &requestSnapshot{
		Point:   orb.Point{p.Longitude, p.Latitude},
		Heading: p.Heading,
		Depth:   p.DepthMeters,
		Pose:    p,
	}
}

// StabilityMachine decides when a pose stream deserves an identify call.
// It is a value type: Transition returns the next machine and never mutates
// the receiver, so every step can be tested without timers.
type StabilityMachine struct {
	cfg StabilityConfig

	State StabilityState

	hasReference     bool
	referenceHeading float64
	referenceAt      time.Time
	fired            bool

	lastSuccess *requestSnapshot
	inFlight    *requestSnapshot
	latest      *Pose

	seq        uint64
	generation uint64
}

// NewStabilityMachine returns an Idle machine
func NewStabilityMachine(cfg StabilityConfig) StabilityMachine {
	return StabilityMachine{cfg: cfg, State: StateIdle}
}

// Seq is the sequence number of the most recently issued request
func (m StabilityMachine) Seq() uint64 { return m.seq }

// Generation identifies the currently valid timer
func (m StabilityMachine) Generation() uint64 { return m.generation }

// ReferenceHeading returns the heading being watched for steadiness
func (m StabilityMachine) ReferenceHeading() (float64, time.Time, bool) {
	return m.referenceHeading, m.referenceAt, m.hasReference
}

// Transition applies one event
func (m StabilityMachine) Transition(ev Event) (StabilityMachine, []Effect) {
	switch e := ev.(type) {
	case PoseEvent:
		return m.onPose(e)
	case TimerEvent:
		return m.onTimer(e)
	case ResponseEvent:
		return m.onResponse(e)
	case StopEvent:
		return m.onStop()
	default:
		return m, nil
	}
}

func (m StabilityMachine) onPose(e PoseEvent) (StabilityMachine, []Effect) {
	p := e.Pose
	m.latest = &p

	if p.HasDepth() {
		return m.onDepthPose(p)
	}

	if !m.hasReference || AngleDifference(p.Heading, m.referenceHeading) > m.cfg.HeadingTolerance {
		m.hasReference = true
		m.referenceHeading = p.Heading
		m.referenceAt = e.At
		m.fired = false
		m.generation++
		if m.State != StateRequesting {
			m.State = StateStabilizing
		}
		return m, []Effect{
			CancelTimer{},
			StartTimer{Delay: m.cfg.Window(), Generation: m.generation},
		}
	}

	// A sample arriving after the window has elapsed counts as expiry even if the timer has not run yet.
	if !m.fired && !e.At.Before(m.referenceAt.Add(m.cfg.Window())) {
		return m.onStable()
	}
	return m, nil
}

// onDepthPose bypasses the stability window and compares against the request
// that would currently answer this pose.
func (m StabilityMachine) onDepthPose(p Pose) (StabilityMachine, []Effect) {
	var effects []Effect
	if m.hasReference {
		m.hasReference = false
		m.generation++
		effects = append(effects, CancelTimer{})
	}

	ref := m.lastSuccess
	if m.State == StateRequesting && m.inFlight != nil {
		ref = m.inFlight
	}
	if !m.movedSince(ref, p, true) {
		if m.State == StateIdle || m.State == StateStabilizing {
			m.State = StateDone
		}
		return m, effects
	}

	m, fire := m.fire(p)
	return m, append(effects, fire...)
}

func (m StabilityMachine) onTimer(e TimerEvent) (StabilityMachine, []Effect) {
	if e.Generation != m.generation || !m.hasReference || m.fired {
		return m, nil
	}
	return m.onStable()
}

// onStable runs once the heading has held for a full window
func (m StabilityMachine) onStable() (StabilityMachine, []Effect) {
	m.fired = true
	if m.latest == nil || !m.movedSince(m.lastSuccess, *m.latest, false) {
		if m.State != StateRequesting {
			m.State = StateDone
		}
		return m, nil
	}
	return m.fire(*m.latest)
}

func (m StabilityMachine) fire(p Pose) (StabilityMachine, []Effect) {
	m.seq++
	m.inFlight = snapshotOf(p)
	m.State = StateRequesting
	return m, []Effect{FireIdentify{Seq: m.seq, Pose: p}}
}

func (m StabilityMachine) onResponse(e ResponseEvent) (StabilityMachine, []Effect) {
	if e.Seq != m.seq || m.inFlight == nil {
		return m, []Effect{DropStale{Seq: e.Seq}}
	}
	issued := m.inFlight
	m.inFlight = nil
	if e.Err == nil {
		m.lastSuccess = issued
	}
	if m.State == StateRequesting {
		m.State = StateDone
	}
	return m, []Effect{Deliver{Seq: e.Seq, Hit: e.Hit, Err: e.Err, Pose: issued.Pose}}
}

func (m StabilityMachine) onStop() (StabilityMachine, []Effect) {
	next := NewStabilityMachine(m.cfg)
	// Keep counters moving forward so late timers and responses are recognisably stale.
	next.seq = m.seq + 1
	next.generation = m.generation + 1
	return next, []Effect{CancelTimer{}}
}

// movedSince reports whether p differs enough from ref to justify a new request.
// A nil ref always justifies one.
func (m StabilityMachine) movedSince(ref *requestSnapshot, p Pose, withDepth bool) bool {
	if ref == nil {
		return true
	}
	if AngleDifference(p.Heading, ref.Heading) >= m.cfg.RefireHeadingDelta {
		return true
	}
	if geo.Distance(ref.Point, orb.Point{p.Longitude, p.Latitude}) >= m.cfg.RefireMoveMeters {
		return true
	}
	if withDepth {
		if ref.Depth == nil || p.DepthMeters == nil {
			return true
		}
		d := *p.DepthMeters - *ref.Depth
		if d >= m.cfg.RefireDepthDelta || -d >= m.cfg.RefireDepthDelta {
			return true
		}
	}
	return false
}
