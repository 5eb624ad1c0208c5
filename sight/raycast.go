package sight

import (
	"context"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"go.uber.org/zap"
)

// FixedProbeDistances are walked near to far along the gaze ray (meters)
var FixedProbeDistances = []float64{5, 10, 20, 30, 40, 50, 60}

// depthDedupMeters drops fixed probes this close to a measured depth
const depthDedupMeters = 3.0

// Probe is one forward-projected coordinate on the gaze ray
type Probe struct {
	Distance  float64
	Point     orb.Point
	FromDepth bool
}

// ProbeDistances returns the ordered probe list. A valid depth goes first and
// displaces any fixed probe within 3 m of it.
func ProbeDistances(depthMeters *float64) []float64 {
	if !ValidDepth(depthMeters) {
		out := make([]float64, len(FixedProbeDistances))
		copy(out, FixedProbeDistances)
		return out
	}
	d := *depthMeters
	out := make([]float64, 0, len(FixedProbeDistances)+1)
	out = append(out, d)
	for _, p := range FixedProbeDistances {
		if math.Abs(p-d) <= depthDedupMeters {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ProjectProbes projects every probe distance forward from the pose
func ProjectProbes(p Pose) []Probe {
	origin := orb.Point{p.Longitude, p.Latitude}
	distances := ProbeDistances(p.DepthMeters)
	probes := make([]Probe, len(distances))
	for i, d := range distances {
		probes[i] = Probe{
			Distance:  d,
			Point:     geo.PointAtBearingAndDistance(origin, NormalizeDegrees(p.Heading), d),
			FromDepth: i == 0 && p.HasDepth(),
		}
	}
	return probes
}

// RayIdentifier resolves the nearest named building along the device's heading
type RayIdentifier struct {
	geocoder Geocoder
	metrics  *Metrics
	logger   *zap.Logger
}

// NewRayIdentifier creates an identifier backed by a geocoder
func NewRayIdentifier(geocoder Geocoder, metrics *Metrics, logger *zap.Logger) *RayIdentifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RayIdentifier{geocoder: geocoder, metrics: metrics, logger: logger}
}

type probeResult struct {
	probe  Probe
	result *GeocodeResult // nil when the geocode failed
}

// Identify walks the probes sequentially and returns the first one the geocoder
// names a building at. When none names a building, the probes are walked again
// accepting any address; probes whose geocode failed the first time are retried.
// Returns nil, nil when nothing resolved. Geocoder failures are non-hits;
// only context cancellation is returned as an error.
func (r *RayIdentifier) Identify(ctx context.Context, p Pose) (*BuildingHit, error) {
	if err := ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
		return nil, err
	}
	if err := ValidateHeading(p.Heading); err != nil {
		return nil, err
	}

	probes := ProjectProbes(p)
	walked := make([]probeResult, 0, len(probes))
	issued := 0

	for _, probe := range probes {
		res, err := r.geocode(ctx, probe, &issued)
		if err != nil {
			return nil, err
		}
		if res != nil && res.HasBuilding() {
			source := SourceRaycast
			if probe.FromDepth {
				source = SourceDepth
			}
			hit := newHit(probe, res, strings.TrimSpace(res.BuildingName), source)
			r.finish(hit, issued)
			return hit, nil
		}
		walked = append(walked, probeResult{probe: probe, result: res})
	}

	for _, pr := range walked {
		res := pr.result
		if res == nil {
			var err error
			if res, err = r.geocode(ctx, pr.probe, &issued); err != nil {
				return nil, err
			}
			if res == nil {
				continue
			}
		}
		if res.HasAddress() {
			name := strings.TrimSpace(res.RoadAddress)
			if name == "" {
				name = strings.TrimSpace(res.Address)
			}
			hit := newHit(pr.probe, res, name, SourceRaycastRoad)
			r.finish(hit, issued)
			return hit, nil
		}
	}

	r.finish(nil, issued)
	return nil, nil
}

// geocode resolves one probe. A failed lookup yields nil, nil; the error is
// only returned when ctx is done.
func (r *RayIdentifier) geocode(ctx context.Context, probe Probe, issued *int) (*GeocodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	*issued++
	res, err := r.geocoder.ReverseGeocode(ctx, probe.Point.Lat(), probe.Point.Lon())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.metrics.GeocoderFailed()
		r.logger.Debug("Probe geocode failed",
			zap.Float64("distance", probe.Distance),
			zap.Error(err),
		)
		return nil, nil
	}
	if res == nil {
		res = &GeocodeResult{}
	}
	return res, nil
}

func newHit(probe Probe, res *GeocodeResult, name string, source HitSource) *BuildingHit {
	return &BuildingHit{
		Name:        name,
		Address:     res.Address,
		RoadAddress: res.RoadAddress,
		RegionCodes: res.RegionCodes,
		Latitude:    probe.Point.Lat(),
		Longitude:   probe.Point.Lon(),
		Distance:    probe.Distance,
		Source:      source,
		Confidence:  RaycastConfidence,
	}
}

func (r *RayIdentifier) finish(hit *BuildingHit, probes int) {
	source := ""
	if hit != nil {
		source = string(hit.Source)
		r.logger.Info("Ray identification resolved",
			zap.String("name", hit.Name),
			zap.String("source", source),
			zap.Float64("distance", hit.Distance),
			zap.Int("probes", probes),
		)
	} else {
		r.logger.Debug("Ray identification found nothing", zap.Int("probes", probes))
	}
	r.metrics.ObserveIdentify(source, probes)
}
