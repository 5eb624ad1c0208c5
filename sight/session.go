package sight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrSessionClosed is returned when submitting to a closed session
var ErrSessionClosed = errors.New("session closed")

// IdentifyFunc runs one identification for a pose
type IdentifyFunc func(ctx context.Context, p Pose) (*BuildingHit, error)

// Identification is what a session delivers to its listeners
type Identification struct {
	SessionID string       `json:"sessionId"`
	Seq       uint64       `json:"seq"`
	Hit       *BuildingHit `json:"hit"`
	Error     string       `json:"error,omitempty"`
	Pose      Pose         `json:"pose"`
	Timestamp int64        `json:"timestamp"`
}

// Listener receives identifications; it is called from the session's loop
// and must not block for long.
type Listener func(Identification)

// Session hosts one StabilityMachine. A single goroutine owns the machine;
// timers and identify calls report back through the event channel.
type Session struct {
	id       string
	identify IdentifyFunc
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	machine StabilityMachine
	timer   *time.Timer

	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	lastSeen atomic.Int64

	mu           sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

// NewSession starts a session's event loop
func NewSession(id string, cfg StabilityConfig, identify IdentifyFunc, metrics *Metrics, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		identify:  identify,
		metrics:   metrics,
		logger:    logger.With(zap.String("session_id", id)),
		now:       time.Now,
		machine:   NewStabilityMachine(cfg),
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]Listener),
	}
	s.touch()
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// LastSeen is when the session last received a pose
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(s.now().UnixNano())
}

// AddListener registers fn and returns a function that removes it
func (s *Session) AddListener(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Submit feeds a pose sample to the session
func (s *Session) Submit(p Pose) error {
	if err := ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
		return err
	}
	if err := ValidateHeading(p.Heading); err != nil {
		return err
	}
	s.touch()
	return s.post(PoseEvent{Pose: p, At: s.now()})
}

// Stop returns the session to Idle without closing it
func (s *Session) Stop() error {
	return s.post(StopEvent{})
}

func (s *Session) post(ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close cancels timers and marks in-flight requests stale. Safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) loop() {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		case <-s.done:
			s.stopTimer()
			s.logger.Debug("Session closed")
			return
		}
	}
}

func (s *Session) apply(ev Event) {
	if q, ok := ev.(stateQuery); ok {
		q.reply <- s.machine.State
		return
	}
	next, effects := s.machine.Transition(ev)
	s.machine = next
	for _, eff := range effects {
		switch e := eff.(type) {
		case StartTimer:
			s.stopTimer()
			gen := e.Generation
			s.timer = time.AfterFunc(e.Delay, func() {
				_ = s.post(TimerEvent{Generation: gen})
			})
		case CancelTimer:
			s.stopTimer()
		case FireIdentify:
			s.logger.Debug("Stable pose, identifying",
				zap.Uint64("seq", e.Seq),
				zap.Float64("heading", e.Pose.Heading),
				zap.Bool("depth", e.Pose.HasDepth()),
			)
			go s.runIdentify(e)
		case Deliver:
			s.deliver(e)
		case DropStale:
			s.metrics.StaleResponse()
			s.logger.Debug("Dropped stale identification", zap.Uint64("seq", e.Seq))
		}
	}
}

func (s *Session) runIdentify(e FireIdentify) {
	hit, err := s.identify(s.ctx, e.Pose)
	_ = s.post(ResponseEvent{Seq: e.Seq, Hit: hit, Err: err})
}

func (s *Session) deliver(d Deliver) {
	out := Identification{
		SessionID: s.id,
		Seq:       d.Seq,
		Hit:       d.Hit,
		Pose:      d.Pose,
		Timestamp: s.now().Unix(),
	}
	if d.Err != nil {
		out.Error = d.Err.Error()
		s.logger.Warn("Identification failed", zap.Uint64("seq", d.Seq), zap.Error(d.Err))
	}

	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(out)
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// State returns the machine's phase; it is read through the loop to avoid racing it
func (s *Session) State() StabilityState {
	reply := make(chan StabilityState, 1)
	if err := s.post(stateQuery{reply: reply}); err != nil {
		return StateIdle
	}
	select {
	case st := <-reply:
		return st
	case <-s.done:
		return StateIdle
	}
}

// stateQuery is handled by the loop without touching the machine
type stateQuery struct {
	reply chan StabilityState
}

func (stateQuery) isEvent() {}
