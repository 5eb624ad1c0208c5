package sight

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)

func poseAt(heading float64) Pose {
	return Pose{Latitude: 37.5665, Longitude: 126.978, Heading: heading}
}

func depthPose(heading, depth float64) Pose {
	p := poseAt(heading)
	p.DepthMeters = Float64(depth)
	return p
}

// step applies ev and returns the new machine with its effects
func step(t *testing.T, m StabilityMachine, ev Event) (StabilityMachine, []Effect) {
	t.Helper()
	before := m
	next, effects := m.Transition(ev)
	assert.Equal(t, before, m, "Transition must not mutate the receiver")
	return next, effects
}

func firesOf(effects []Effect) []FireIdentify {
	var out []FireIdentify
	for _, e := range effects {
		if f, ok := e.(FireIdentify); ok {
			out = append(out, f)
		}
	}
	return out
}

func TestStability_SteadyHeadingFiresOnceOnTimer(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	assert.Equal(t, StateIdle, m.State)

	var effects []Effect
	m, effects = step(t, m, PoseEvent{Pose: poseAt(10), At: t0})
	assert.Equal(t, []Effect{CancelTimer{}, StartTimer{Delay: 3 * time.Second, Generation: 1}}, effects)
	assert.Equal(t, StateStabilizing, m.State)

	for i, h := range []float64{12, 11, 13, 10} {
		m, effects = step(t, m, PoseEvent{Pose: poseAt(h), At: t0.Add(time.Duration(i+1) * 500 * time.Millisecond)})
		assert.Empty(t, effects, "heading %v stays inside the tolerance", h)
	}

	m, effects = step(t, m, TimerEvent{Generation: 1})
	fires := firesOf(effects)
	require.Len(t, fires, 1)
	assert.Equal(t, uint64(1), fires[0].Seq)
	assert.Equal(t, 10.0, fires[0].Pose.Heading, "the latest sample is identified")
	assert.Equal(t, StateRequesting, m.State)

	// a duplicate timer for the same generation does nothing
	m, effects = step(t, m, TimerEvent{Generation: 1})
	assert.Empty(t, effects)

	hit := &BuildingHit{Name: "Seoul City Hall", Source: SourceRaycast}
	m, effects = step(t, m, ResponseEvent{Seq: 1, Hit: hit})
	require.Len(t, effects, 1)
	d := effects[0].(Deliver)
	assert.Same(t, hit, d.Hit)
	assert.Equal(t, 10.0, d.Pose.Heading)
	assert.Equal(t, StateDone, m.State)
}

func TestStability_LargeTurnRestartsWindow(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: poseAt(10), At: t0})

	var effects []Effect
	m, effects = step(t, m, PoseEvent{Pose: poseAt(50), At: t0.Add(time.Second)})
	assert.Equal(t, []Effect{CancelTimer{}, StartTimer{Delay: 3 * time.Second, Generation: 2}}, effects)
	ref, at, ok := m.ReferenceHeading()
	assert.True(t, ok)
	assert.Equal(t, 50.0, ref)
	assert.Equal(t, t0.Add(time.Second), at)

	m, effects = step(t, m, TimerEvent{Generation: 1})
	assert.Empty(t, effects, "timer from the abandoned window is ignored")
	assert.Equal(t, StateStabilizing, m.State)

	_, effects = step(t, m, TimerEvent{Generation: 2})
	assert.Len(t, firesOf(effects), 1)
}

func TestStability_LateSampleCountsAsExpiry(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: poseAt(10), At: t0})

	m, effects := step(t, m, PoseEvent{Pose: poseAt(12), At: t0.Add(3 * time.Second)})
	fires := firesOf(effects)
	require.Len(t, fires, 1)
	assert.Equal(t, 12.0, fires[0].Pose.Heading)

	// the timer arriving afterwards must not fire again
	_, effects = step(t, m, TimerEvent{Generation: 1})
	assert.Empty(t, effects)
}

func TestStability_NoRefireWithoutMovement(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: poseAt(10), At: t0})
	m, _ = step(t, m, TimerEvent{Generation: 1})
	m, _ = step(t, m, ResponseEvent{Seq: 1, Hit: &BuildingHit{Name: "A"}})

	// turn away and back; the second window settles within 10 degrees of the last success
	m, _ = step(t, m, PoseEvent{Pose: poseAt(30), At: t0.Add(4 * time.Second)})
	m, _ = step(t, m, PoseEvent{Pose: poseAt(12), At: t0.Add(5 * time.Second)})
	m, effects := step(t, m, TimerEvent{Generation: m.Generation()})
	assert.Empty(t, firesOf(effects))
	assert.Equal(t, StateDone, m.State)
	assert.Equal(t, uint64(1), m.Seq())

	// a real turn refires
	m, _ = step(t, m, PoseEvent{Pose: poseAt(40), At: t0.Add(6 * time.Second)})
	_, effects = step(t, m, TimerEvent{Generation: m.Generation()})
	assert.Len(t, firesOf(effects), 1)
}

func TestStability_FailedResponseAllowsRetry(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: poseAt(10), At: t0})
	m, _ = step(t, m, TimerEvent{Generation: 1})

	m, effects := step(t, m, ResponseEvent{Seq: 1, Err: errors.New("geocoder down")})
	require.Len(t, effects, 1)
	assert.EqualError(t, effects[0].(Deliver).Err, "geocoder down")

	m, _ = step(t, m, PoseEvent{Pose: poseAt(40), At: t0.Add(4 * time.Second)})
	m, _ = step(t, m, PoseEvent{Pose: poseAt(12), At: t0.Add(5 * time.Second)})
	_, effects = step(t, m, TimerEvent{Generation: m.Generation()})
	assert.Len(t, firesOf(effects), 1, "no success was recorded so the same heading is tried again")
}

func TestStability_DepthBypassesWindow(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())

	m, effects := step(t, m, PoseEvent{Pose: depthPose(90, 12), At: t0})
	fires := firesOf(effects)
	require.Len(t, fires, 1)
	assert.Equal(t, StateRequesting, m.State)

	m, _ = step(t, m, ResponseEvent{Seq: fires[0].Seq, Hit: &BuildingHit{Name: "A"}})

	m, effects = step(t, m, PoseEvent{Pose: depthPose(92, 13), At: t0.Add(100 * time.Millisecond)})
	assert.Empty(t, effects, "small depth and heading change")
	assert.Equal(t, StateDone, m.State)

	m, effects = step(t, m, PoseEvent{Pose: depthPose(92, 15), At: t0.Add(200 * time.Millisecond)})
	assert.Len(t, firesOf(effects), 1, "depth moved by 3 m")

	m, _ = step(t, m, ResponseEvent{Seq: m.Seq()})
	_, effects = step(t, m, PoseEvent{Pose: poseAt(92), At: t0.Add(300 * time.Millisecond)})
	assert.Equal(t, []Effect{CancelTimer{}, StartTimer{Delay: 3 * time.Second, Generation: m.Generation() + 1}}, effects,
		"losing depth falls back to the stability window")
}

func TestStability_DepthCancelsPendingWindow(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: poseAt(90), At: t0})

	m, effects := step(t, m, PoseEvent{Pose: depthPose(90, 20), At: t0.Add(time.Second)})
	require.Len(t, effects, 2)
	assert.Equal(t, CancelTimer{}, effects[0])
	assert.IsType(t, FireIdentify{}, effects[1])

	_, effects = step(t, m, TimerEvent{Generation: 1})
	assert.Empty(t, effects)
}

func TestStability_NewerRequestMakesOlderStale(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: depthPose(90, 12), At: t0})
	m, effects := step(t, m, PoseEvent{Pose: depthPose(120, 12), At: t0.Add(50 * time.Millisecond)})
	require.Len(t, firesOf(effects), 1)
	assert.Equal(t, uint64(2), m.Seq())

	m, effects = step(t, m, ResponseEvent{Seq: 1, Hit: &BuildingHit{Name: "old"}})
	assert.Equal(t, []Effect{DropStale{Seq: 1}}, effects)
	assert.Equal(t, StateRequesting, m.State)

	_, effects = step(t, m, ResponseEvent{Seq: 2, Hit: &BuildingHit{Name: "new"}})
	require.Len(t, effects, 1)
	assert.Equal(t, "new", effects[0].(Deliver).Hit.Name)
}

func TestStability_StopResetsAndStalesInFlight(t *testing.T) {
	m := NewStabilityMachine(DefaultStabilityConfig())
	m, _ = step(t, m, PoseEvent{Pose: depthPose(90, 12), At: t0})

	m, effects := step(t, m, StopEvent{})
	assert.Equal(t, []Effect{CancelTimer{}}, effects)
	assert.Equal(t, StateIdle, m.State)
	_, _, ok := m.ReferenceHeading()
	assert.False(t, ok)

	m, effects = step(t, m, ResponseEvent{Seq: 1, Hit: &BuildingHit{Name: "late"}})
	assert.Equal(t, []Effect{DropStale{Seq: 1}}, effects)

	// after a stop the same pose is identified again
	_, effects = step(t, m, PoseEvent{Pose: depthPose(90, 12), At: t0.Add(time.Second)})
	assert.Len(t, firesOf(effects), 1)
}

func TestStabilityState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "stabilizing", StateStabilizing.String())
	assert.Equal(t, "requesting", StateRequesting.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "unknown", StabilityState(9).String())
}
