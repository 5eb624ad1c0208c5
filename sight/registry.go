package sight

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionFactory builds a session for a new id
type SessionFactory func(id string) *Session

// SessionInfo is a read-only view of a registered session
type SessionInfo struct {
	ID       string          `json:"id"`
	LastSeen time.Time       `json:"lastSeen"`
	Last     *Identification `json:"lastIdentification,omitempty"`
}

type registryEntry struct {
	session *Session
	last    *Identification
	// created on the first NMEA batch; dropped with the entry
	nmea *NMEAPoseAssembler
}

// SessionRegistry is a bounded LRU of scanning sessions with an idle TTL.
// Evicted sessions are closed.
type SessionRegistry struct {
	mu      sync.Mutex
	order   *list.List // front = most recently used; values are *registryEntry
	entries map[string]*list.Element

	maxSessions int
	idleTTL     time.Duration
	factory     SessionFactory
	listeners   []Listener
	onEnd       []func(id string)
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewSessionRegistry creates a registry; listeners are attached to every new session
func NewSessionRegistry(cfg SessionsConfig, factory SessionFactory, metrics *Metrics, logger *zap.Logger, listeners ...Listener) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &SessionRegistry{
		order:       list.New(),
		entries:     make(map[string]*list.Element),
		maxSessions: maxSessions,
		idleTTL:     cfg.IdleTTL,
		factory:     factory,
		listeners:   listeners,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// AddListener attaches l to sessions opened from now on
func (r *SessionRegistry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// OnSessionEnd registers fn to run after any session is closed and forgotten,
// whether removed explicitly, evicted or closed at shutdown.
func (r *SessionRegistry) OnSessionEnd(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = append(r.onEnd, fn)
}

// ended closes sessions that have left the registry and runs the end hooks
func (r *SessionRegistry) ended(sessions []*Session) {
	if len(sessions) == 0 {
		return
	}
	r.mu.Lock()
	hooks := append([]func(string){}, r.onEnd...)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
		for _, fn := range hooks {
			fn(s.ID())
		}
	}
}

// SubmitPose routes a pose to its session, opening the session if needed
func (r *SessionRegistry) SubmitPose(sessionID string, p Pose) error {
	return r.Open(sessionID).Submit(p)
}

// SubmitNMEA feeds raw NMEA sentences through the session's assembler and
// submits every pose it yields. It returns how many sentences were unparseable.
func (r *SessionRegistry) SubmitNMEA(sessionID string, data []byte) (int, error) {
	entry := r.open(sessionID)

	r.mu.Lock()
	if entry.nmea == nil {
		entry.nmea = NewNMEAPoseAssembler()
	}
	a := entry.nmea
	r.mu.Unlock()

	poses, bad := a.FeedAll(data)
	for _, p := range poses {
		if err := entry.session.Submit(p); err != nil {
			return bad, err
		}
	}
	return bad, nil
}

// hasAssembler reports whether a live session holds NMEA state
func (r *SessionRegistry) hasAssembler(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[id]
	return ok && el.Value.(*registryEntry).nmea != nil
}

// EndSession closes a session whose pose stream has ended
func (r *SessionRegistry) EndSession(sessionID string) {
	r.Remove(sessionID)
}

// NewSessionID returns a fresh random session id
func NewSessionID() string {
	return uuid.NewString()
}

// Open returns the session for id, creating it when absent.
// An empty id gets a generated one.
func (r *SessionRegistry) Open(id string) *Session {
	return r.open(id).session
}

func (r *SessionRegistry) open(id string) *registryEntry {
	if id == "" {
		id = NewSessionID()
	}

	r.mu.Lock()
	if el, ok := r.entries[id]; ok {
		r.order.MoveToFront(el)
		entry := el.Value.(*registryEntry)
		r.mu.Unlock()
		return entry
	}

	s := r.factory(id)
	entry := &registryEntry{session: s}
	r.entries[id] = r.order.PushFront(entry)
	for _, l := range r.listeners {
		s.AddListener(l)
	}
	s.AddListener(func(ident Identification) { r.record(id, ident) })

	var evicted []*Session
	for r.order.Len() > r.maxSessions {
		evicted = append(evicted, r.removeLocked(r.order.Back()))
	}
	count := r.order.Len()
	r.mu.Unlock()

	for _, e := range evicted {
		r.logger.Info("Evicting least recently used session", zap.String("session_id", e.ID()))
	}
	r.ended(evicted)
	r.metrics.SetActiveSessions(count)
	r.logger.Debug("Session opened", zap.String("session_id", id), zap.Int("active", count))
	return entry
}

// Get returns an existing session without creating one
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*registryEntry).session, true
}

// Remove closes and forgets a session
func (r *SessionRegistry) Remove(id string) bool {
	r.mu.Lock()
	el, ok := r.entries[id]
	var s *Session
	if ok {
		s = r.removeLocked(el)
	}
	count := r.order.Len()
	r.mu.Unlock()

	if ok {
		r.ended([]*Session{s})
		r.metrics.SetActiveSessions(count)
	}
	return ok
}

func (r *SessionRegistry) removeLocked(el *list.Element) *Session {
	entry := r.order.Remove(el).(*registryEntry)
	delete(r.entries, entry.session.ID())
	return entry.session
}

func (r *SessionRegistry) record(id string, ident Identification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[id]; ok {
		el.Value.(*registryEntry).last = &ident
	}
}

// Len returns the number of live sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Sessions lists live sessions, most recently seen first
func (r *SessionRegistry) Sessions() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*registryEntry)
		info := SessionInfo{ID: entry.session.ID(), LastSeen: entry.session.LastSeen()}
		if entry.last != nil {
			last := *entry.last
			info.Last = &last
		}
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// EvictIdle closes sessions that have not seen a pose within the idle TTL
func (r *SessionRegistry) EvictIdle() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var evicted []*Session
	for el := r.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*registryEntry).session.LastSeen().Before(cutoff) {
			evicted = append(evicted, r.removeLocked(el))
		}
		el = prev
	}
	count := r.order.Len()
	r.mu.Unlock()

	for _, s := range evicted {
		r.logger.Info("Evicting idle session", zap.String("session_id", s.ID()))
	}
	r.ended(evicted)
	if len(evicted) > 0 {
		r.metrics.SetActiveSessions(count)
	}
	return len(evicted)
}

// Run evicts idle sessions periodically until ctx is done, then closes everything
func (r *SessionRegistry) Run(ctx context.Context) {
	interval := r.idleTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// CloseAll closes and removes every session
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		sessions = append(sessions, el.Value.(*registryEntry).session)
	}
	r.order.Init()
	r.entries = make(map[string]*list.Element)
	r.mu.Unlock()

	r.ended(sessions)
	r.metrics.SetActiveSessions(0)
}
