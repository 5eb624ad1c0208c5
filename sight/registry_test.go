package sight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cfg SessionsConfig, metrics *Metrics, listeners ...Listener) *SessionRegistry {
	t.Helper()
	factory := func(id string) *Session {
		return NewSession(id, fastStability(), hitIdentify("Tower "+id), metrics, nil)
	}
	r := NewSessionRegistry(cfg, factory, metrics, nil, listeners...)
	t.Cleanup(r.CloseAll)
	return r
}

func isClosed(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func TestRegistry_OpenReusesSessions(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{MaxSessions: 10}, nil)

	a := r.Open("a")
	assert.Same(t, a, r.Open("a"))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len(), "Get does not create")
}

func TestRegistry_GeneratesIDs(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{}, nil)

	s := r.Open("")
	assert.Len(t, s.ID(), 36)
	assert.NotEqual(t, s.ID(), r.Open("").ID())
	assert.NotEqual(t, NewSessionID(), NewSessionID())
}

func TestRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	r := newTestRegistry(t, SessionsConfig{MaxSessions: 2}, metrics)

	a := r.Open("a")
	b := r.Open("b")
	_, _ = r.Get("a") // a becomes most recent
	c := r.Open("c")

	assert.Equal(t, 2, r.Len())
	assert.True(t, isClosed(b), "b was least recently used")
	assert.False(t, isClosed(a))
	assert.False(t, isClosed(c))
	_, ok := r.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ActiveSessions))
}

func TestRegistry_RemoveAndEndSession(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{}, nil)

	a := r.Open("a")
	r.Open("b")
	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.True(t, isClosed(a))

	r.EndSession("b")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_EvictIdle(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{IdleTTL: time.Minute}, nil)
	a := r.Open("a")
	b := r.Open("b")

	assert.Equal(t, 0, r.EvictIdle())

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 2, r.EvictIdle())
	assert.Equal(t, 0, r.Len())
	assert.True(t, isClosed(a))
	assert.True(t, isClosed(b))

	noTTL := newTestRegistry(t, SessionsConfig{}, nil)
	noTTL.Open("x")
	noTTL.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.Equal(t, 0, noTTL.EvictIdle())
}

func TestRegistry_SubmitPoseRecordsLastIdentification(t *testing.T) {
	var c collector
	r := newTestRegistry(t, SessionsConfig{}, nil, c.listen)

	require.NoError(t, r.SubmitPose("walker", depthPose(45, 10)))
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Tower walker", c.all()[0].Hit.Name)

	require.Eventually(t, func() bool {
		infos := r.Sessions()
		return len(infos) == 1 && infos[0].Last != nil
	}, 2*time.Second, 5*time.Millisecond)
	info := r.Sessions()[0]
	assert.Equal(t, "walker", info.ID)
	assert.Equal(t, "Tower walker", info.Last.Hit.Name)
}

func TestRegistry_SubmitNMEAKeepsStatePerSession(t *testing.T) {
	var c collector
	r := newTestRegistry(t, SessionsConfig{}, nil, c.listen)

	bad, err := r.SubmitNMEA("rover", []byte(hdtTrue+"\n$GPGGA,bad*00\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, bad)
	assert.True(t, r.hasAssembler("rover"))

	// heading from the first batch pairs with the fix in the second
	_, err = r.SubmitNMEA("rover", []byte(ggaGPS+"\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "rover", c.all()[0].SessionID)
}

func TestRegistry_EvictionDropsNMEAState(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{MaxSessions: 1, IdleTTL: time.Minute}, nil)

	_, err := r.SubmitNMEA("rover", []byte(hdtTrue+"\n"))
	require.NoError(t, err)
	require.True(t, r.hasAssembler("rover"))

	r.Open("other")
	assert.False(t, r.hasAssembler("rover"), "LRU eviction drops the assembler")

	// a fresh assembler has no heading, so a lone fix yields nothing
	_, err = r.SubmitNMEA("rover", []byte(ggaGPS+"\n"))
	require.NoError(t, err)
	r.mu.Lock()
	fresh := r.entries["rover"].Value.(*registryEntry).nmea
	r.mu.Unlock()
	fresh.mu.Lock()
	assert.False(t, fresh.hasHeading)
	fresh.mu.Unlock()

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, r.EvictIdle())
	assert.False(t, r.hasAssembler("rover"), "idle eviction drops the assembler")

	_, err = r.SubmitNMEA("rover", []byte(hdtTrue+"\n"))
	require.NoError(t, err)
	r.EndSession("rover")
	assert.False(t, r.hasAssembler("rover"))
}

func TestRegistry_OnSessionEndRunsForEveryExit(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{MaxSessions: 2, IdleTTL: time.Minute}, nil)
	var mu sync.Mutex
	var ended []string
	r.OnSessionEnd(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, id)
	})

	r.Open("removed")
	r.Remove("removed")
	r.Open("a")
	r.Open("b")
	r.Open("c") // evicts a
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.EvictIdle() // b, c
	r.Open("last")
	r.CloseAll()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"removed", "a", "b", "c", "last"}, ended)
}

func TestRegistry_AddListenerAppliesToNewSessions(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{}, nil)
	var c collector
	r.AddListener(c.listen)

	require.NoError(t, r.SubmitPose("late", depthPose(0, 10)))
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_SessionsMostRecentFirst(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{}, nil)
	a := r.Open("a")
	r.Open("b")

	a.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, a.Submit(poseAt(0)))

	infos := r.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
}

func TestRegistry_RunClosesOnCancel(t *testing.T) {
	r := newTestRegistry(t, SessionsConfig{IdleTTL: 20 * time.Millisecond}, nil)
	a := r.Open("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return isClosed(a) }, 2*time.Second, 5*time.Millisecond, "idle session evicted by the ticker")
	r.Open("b")
	cancel()
	<-done
	assert.Equal(t, 0, r.Len())
}
