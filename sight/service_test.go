package sight

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serviceBuildings puts one building ~50 m east of (37.5, 127) and one ~55 m north
func serviceBuildings() []Building {
	return []Building{
		{ID: "b-east", Name: "Tower A", Address: "1 East St", Latitude: 37.5, Longitude: 127.000566},
		{ID: "b-north", Name: "North Hall", Address: "2 North St", Latitude: 37.5005, Longitude: 127.0},
	}
}

type fakeVision struct {
	result *VisionResult
	err    error
	calls  atomic.Int32
	hints  []string
}

func (f *fakeVision) Analyze(ctx context.Context, image []byte, hints []string) (*VisionResult, error) {
	f.calls.Add(1)
	f.hints = hints
	return f.result, f.err
}

func newService(t *testing.T, geocoder Geocoder, index BuildingIndex) *Service {
	t.Helper()
	if index == nil {
		idx, err := NewMemoryIndex(serviceBuildings())
		require.NoError(t, err)
		index = idx
	}
	metrics := newTestMetrics(t)
	return &Service{
		Matcher: NewCandidateMatcher(index, nil),
		Ray:     NewRayIdentifier(geocoder, metrics, nil),
		Clock:   NewSolarClock(),
		Metrics: metrics,
		Now:     func() time.Time { return time.Date(2024, 6, 21, 3, 34, 0, 0, time.UTC) },
	}
}

func constGeocoder(name string, calls *atomic.Int32) Geocoder {
	return GeocoderFunc(func(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &GeocodeResult{BuildingName: name, RoadAddress: "Road " + name}, nil
	})
}

func ranked(names ...string) []RankedCandidate {
	out := make([]RankedCandidate, len(names))
	for i, n := range names {
		c := 0.6 - 0.1*float64(i)
		out[i] = RankedCandidate{
			Candidate:  BuildingCandidate{ID: n, Name: n, DistanceMeters: float64(10 * (i + 1))},
			Confidence: ConfidenceResult{Composite: c, Level: LevelFor(c)},
		}
	}
	return out
}

func TestMergeRaycast_NoHit(t *testing.T) {
	out, source := MergeRaycast(ranked("A", "B"), nil, nil)
	assert.Equal(t, NearbySourceIndex, source)
	require.Len(t, out, 2)
	assert.Equal(t, NearbySourceIndex, out[0].Source)
	assert.Equal(t, 0.6, out[0].Confidence)

	_, source = MergeRaycast(ranked("A"), &BuildingHit{Name: "  "}, nil)
	assert.Equal(t, NearbySourceIndex, source, "a nameless hit is ignored")
}

func TestMergeRaycast_BoostsMatch(t *testing.T) {
	hit := &BuildingHit{Name: "seoul tower c", Confidence: RaycastConfidence, Source: SourceRaycastRoad}
	out, source := MergeRaycast(ranked("Seoul Tower A", "B", "Seoul Tower C Annex"), hit, nil)

	assert.Equal(t, NearbySourceIndexRaycast, source)
	require.Len(t, out, 3, "no synthetic entry when a candidate matches")
	assert.Equal(t, "Seoul Tower C Annex", out[0].Name)
	assert.Equal(t, RaycastConfidence, out[0].Confidence)
	assert.Equal(t, LevelHigh, out[0].Level)
	assert.Equal(t, string(SourceRaycastRoad), out[0].Source)
	assert.Equal(t, "Seoul Tower A", out[1].Name)
	assert.Equal(t, "B", out[2].Name)
}

func TestMergeRaycast_PrependsSynthetic(t *testing.T) {
	heading := -30.0
	hit := &BuildingHit{
		Name: "Other Plaza", Address: "Lot 9", Latitude: 37.5, Longitude: 127.0001,
		Distance: 20, Confidence: RaycastConfidence, Source: SourceDepth,
	}
	out, source := MergeRaycast(ranked("A"), hit, &heading)

	assert.Equal(t, NearbySourceIndexRaycast, source)
	require.Len(t, out, 2)
	s := out[0]
	assert.Equal(t, "raycast:Other Plaza", s.ID)
	assert.Equal(t, "Lot 9", s.Address, "falls back to the lot address without a road address")
	assert.Equal(t, 330.0, s.BearingDegrees)
	assert.Equal(t, 20.0, s.DistanceMeters)
	assert.Equal(t, string(SourceDepth), s.Source)
	assert.Equal(t, "A", out[1].Name)
}

func TestService_NearbyWithHeading(t *testing.T) {
	var calls atomic.Int32
	svc := newService(t, constGeocoder("Tower A", &calls), nil)
	heading := 90.0

	res, err := svc.Nearby(context.Background(), NearbyQuery{Lat: 37.5, Lng: 127.0, Heading: &heading})
	require.NoError(t, err)

	assert.Equal(t, DefaultSearchRadius, res.Radius)
	assert.Equal(t, "standard", res.Engine.Name())
	assert.Equal(t, NearbySourceIndexRaycast, res.Source)
	require.Len(t, res.Candidates, 1, "North Hall is outside the forward cone")
	assert.Equal(t, "b-east", res.Candidates[0].ID)
	assert.Equal(t, RaycastConfidence, res.Candidates[0].Confidence)
	require.NotNil(t, res.Hit)
	assert.Equal(t, int32(1), calls.Load(), "the first probe resolves")
}

func TestService_NearbyWithoutHeadingSkipsRay(t *testing.T) {
	var calls atomic.Int32
	svc := newService(t, constGeocoder("Tower A", &calls), nil)

	res, err := svc.Nearby(context.Background(), NearbyQuery{Lat: 37.5, Lng: 127.0, Radius: 80})
	require.NoError(t, err)
	assert.Equal(t, NearbySourceIndex, res.Source)
	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, "b-east", res.Candidates[0].ID, "nearest first when scores tie on everything else")
	assert.Nil(t, res.Hit)
	assert.Zero(t, calls.Load())
}

func TestService_NearbyErrors(t *testing.T) {
	svc := newService(t, constGeocoder("x", nil), nil)

	var verr *ValidationError
	_, err := svc.Nearby(context.Background(), NearbyQuery{Lat: 100, Lng: 0})
	assert.ErrorAs(t, err, &verr)

	_, err = svc.Nearby(context.Background(), NearbyQuery{Lat: 1, Lng: 1, Radius: -5})
	assert.ErrorAs(t, err, &verr)

	nan := math.NaN()
	_, err = svc.Nearby(context.Background(), NearbyQuery{Lat: 1, Lng: 1, Heading: &nan})
	assert.ErrorAs(t, err, &verr)

	broken := newService(t, constGeocoder("x", nil), &stubIndex{err: errors.New("timeout")})
	heading := 0.0
	_, err = broken.Nearby(context.Background(), NearbyQuery{Lat: 1, Lng: 1, Heading: &heading})
	assert.ErrorContains(t, err, "timeout")
}

func TestService_ScanFusesVision(t *testing.T) {
	svc := newService(t, constGeocoder("Tower A", nil), nil)
	vision := &fakeVision{result: &VisionResult{BuildingIdentified: true, Confidence: 0.9, BuildingName: "tower a"}}
	svc.Vision = vision

	res, err := svc.Scan(context.Background(), ScanRequest{
		Pose:  Pose{Latitude: 37.5, Longitude: 127.0, Heading: 90},
		Image: []byte{0xff, 0xd8},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), vision.calls.Load())
	assert.Equal(t, []string{"Tower A"}, vision.hints)
	require.Len(t, res.Ranked, 1)
	assert.Equal(t, 0.9, res.Ranked[0].Confidence.Factors[FactorGeminiVision])
	assert.Same(t, vision.result, res.Vision)
	assert.True(t, res.Time.IsDaytime)
	assert.Equal(t, "standard", res.Engine.Name())
}

func TestService_ScanDegradesWithoutVision(t *testing.T) {
	svc := newService(t, constGeocoder("Tower A", nil), nil)
	vision := &fakeVision{err: errors.New("quota exceeded")}
	svc.Vision = vision

	res, err := svc.Scan(context.Background(), ScanRequest{
		Pose:  Pose{Latitude: 37.5, Longitude: 127.0, Heading: 90, HorizontalAccuracy: Float64(3)},
		Image: []byte{1},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Vision)
	assert.Equal(t, "precision", res.Engine.Name())
	require.Len(t, res.Ranked, 1)
	assert.Equal(t, 0.5, res.Ranked[0].Confidence.Factors[FactorGeminiVision])

	// no image, no call
	_, err = svc.Scan(context.Background(), ScanRequest{Pose: Pose{Latitude: 37.5, Longitude: 127.0, Heading: 90}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), vision.calls.Load())
}

func TestService_ScanValidation(t *testing.T) {
	svc := newService(t, constGeocoder("x", nil), nil)
	var verr *ValidationError
	_, err := svc.Scan(context.Background(), ScanRequest{Pose: Pose{Latitude: 0, Longitude: 200}})
	assert.ErrorAs(t, err, &verr)
	_, err = svc.Scan(context.Background(), ScanRequest{Pose: Pose{Heading: math.Inf(1)}})
	assert.ErrorAs(t, err, &verr)
}

func TestService_View(t *testing.T) {
	svc := newService(t, constGeocoder("Tower A", nil), nil)
	p := Pose{Latitude: 37.5, Longitude: 127.0, Heading: 90, DepthMeters: Float64(50)}

	view, err := svc.View(context.Background(), p, 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, view.Radius)
	assert.Len(t, view.Probes, len(FixedProbeDistances), "out-of-range depth adds no probe")
	assert.Len(t, view.Ranked, 1)
	require.NotNil(t, view.Hit)
	assert.Equal(t, "Tower A", view.Hit.Name)
}
