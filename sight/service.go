package sight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Nearby result sources
const (
	NearbySourceIndex        = "index"
	NearbySourceIndexRaycast = "index+raycast"
)

// NearbyQuery selects buildings around a user
type NearbyQuery struct {
	Lat, Lng           float64
	Radius             float64
	Heading            *float64
	HorizontalAccuracy *float64
	HeadingAccuracy    *float64
	DepthMeters        *float64
}

func (q NearbyQuery) pose() *Pose {
	if q.Heading == nil {
		return nil
	}
	return &Pose{
		Latitude:           q.Lat,
		Longitude:          q.Lng,
		Heading:            *q.Heading,
		HorizontalAccuracy: q.HorizontalAccuracy,
		HeadingAccuracy:    q.HeadingAccuracy,
		DepthMeters:        q.DepthMeters,
	}
}

// NearbyCandidate is a candidate with the confidence it was ranked by
type NearbyCandidate struct {
	BuildingCandidate
	Confidence float64 `json:"confidence"`
	Level      Level   `json:"level"`
	Source     string  `json:"source"` // index or raycast
}

// NearbyResult is the merged answer for a nearby query
type NearbyResult struct {
	Candidates []NearbyCandidate
	Ranked     []RankedCandidate
	Hit        *BuildingHit
	Source     string
	Radius     float64
	Engine     Engine
}

// ScanRequest carries every signal the full fusion path accepts
type ScanRequest struct {
	Pose    Pose
	Radius  float64
	Sensors *SensorSnapshot
	Image   []byte
}

// ScanResult is a ranked fusion outcome
type ScanResult struct {
	Ranked []RankedCandidate
	Engine Engine
	Radius float64
	Time   TimeContext
	Vision *VisionResult
}

// Service wires the matcher, scoring engines and ray identifier together
type Service struct {
	Matcher *CandidateMatcher
	Ray     *RayIdentifier
	Clock   TimeContextProvider
	Vision  VisionAnalyzer // optional
	Metrics *Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) timeContext(lat, lng float64) *TimeContext {
	if s.Clock == nil {
		return nil
	}
	tc := s.Clock.Context(lat, lng, s.now())
	return &tc
}

// Identify runs the forward ray identifier for one pose
func (s *Service) Identify(ctx context.Context, p Pose) (*BuildingHit, error) {
	return s.Ray.Identify(ctx, p)
}

// Nearby finds, ranks and, when a heading is given, merges a concurrent
// ray identification into the candidate list.
func (s *Service) Nearby(ctx context.Context, q NearbyQuery) (*NearbyResult, error) {
	start := s.now()
	defer func() { s.Metrics.ObserveNearby(s.now().Sub(start)) }()

	if err := ValidateCoordinates(q.Lat, q.Lng); err != nil {
		return nil, err
	}
	if q.Heading != nil {
		if err := ValidateHeading(*q.Heading); err != nil {
			return nil, err
		}
	}
	radius, err := NormalizeRadius(q.Radius)
	if err != nil {
		return nil, err
	}

	pose := q.pose()
	engine := SelectEngine(pose)

	var candidates []BuildingCandidate
	var hit *BuildingHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candidates, err = s.Matcher.FindCandidates(gctx, q.Lat, q.Lng, radius, q.Heading, engine)
		return err
	})
	if pose != nil && s.Ray != nil {
		g.Go(func() error {
			var err error
			hit, err = s.Ray.Identify(gctx, *pose)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ranked := RankCandidates(engine, candidates, Signals{Pose: pose, Time: s.timeContext(q.Lat, q.Lng)}, nil)
	merged, source := MergeRaycast(ranked, hit, q.Heading)

	s.logger().Debug("Nearby query",
		zap.Int("candidates", len(merged)),
		zap.String("source", source),
		zap.String("engine", engine.Name()),
	)
	return &NearbyResult{
		Candidates: merged,
		Ranked:     ranked,
		Hit:        hit,
		Source:     source,
		Radius:     radius,
		Engine:     engine,
	}, nil
}

// MergeRaycast folds a ray hit into a ranked list. A matching candidate is
// boosted to the ray-cast confidence and moved first; otherwise the hit is
// prepended as a synthetic candidate.
func MergeRaycast(ranked []RankedCandidate, hit *BuildingHit, heading *float64) ([]NearbyCandidate, string) {
	out := make([]NearbyCandidate, 0, len(ranked)+1)
	for _, rc := range ranked {
		out = append(out, NearbyCandidate{
			BuildingCandidate: rc.Candidate,
			Confidence:        rc.Confidence.Composite,
			Level:             rc.Confidence.Level,
			Source:            NearbySourceIndex,
		})
	}
	if hit == nil || strings.TrimSpace(hit.Name) == "" {
		return out, NearbySourceIndex
	}

	for i := range out {
		if namesMatch(out[i].Name, hit.Name) {
			boosted := out[i]
			boosted.Confidence = hit.Confidence
			boosted.Level = LevelFor(hit.Confidence)
			boosted.Source = string(hit.Source)
			copy(out[1:i+1], out[:i])
			out[0] = boosted
			return out, NearbySourceIndexRaycast
		}
	}

	bearing := 0.0
	if heading != nil {
		bearing = NormalizeDegrees(*heading)
	}
	address := hit.RoadAddress
	if address == "" {
		address = hit.Address
	}
	synthetic := NearbyCandidate{
		BuildingCandidate: BuildingCandidate{
			ID:             fmt.Sprintf("raycast:%s", hit.Name),
			Name:           hit.Name,
			Address:        address,
			Latitude:       hit.Latitude,
			Longitude:      hit.Longitude,
			DistanceMeters: hit.Distance,
			BearingDegrees: bearing,
		},
		Confidence: hit.Confidence,
		Level:      LevelFor(hit.Confidence),
		Source:     string(hit.Source),
	}
	return append([]NearbyCandidate{synthetic}, out...), NearbySourceIndexRaycast
}

func namesMatch(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// Scan runs the full fusion path: forward-cone candidates ranked with every
// available signal. Vision and lighting failures degrade to neutral scores.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	p := req.Pose
	if err := ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
		return nil, err
	}
	if err := ValidateHeading(p.Heading); err != nil {
		return nil, err
	}
	radius, err := NormalizeRadius(req.Radius)
	if err != nil {
		return nil, err
	}

	engine := SelectEngine(&p)
	heading := p.Heading
	candidates, err := s.Matcher.FindCandidates(ctx, p.Latitude, p.Longitude, radius, &heading, engine)
	if err != nil {
		return nil, err
	}

	tc := s.timeContext(p.Latitude, p.Longitude)
	result := &ScanResult{Engine: engine, Radius: radius}
	if tc != nil {
		result.Time = *tc
	}

	var visionByID map[string]*VisionResult
	if len(req.Image) > 0 && s.Vision != nil && len(candidates) > 0 {
		hints := make([]string, 0, len(candidates))
		for _, c := range candidates {
			hints = append(hints, c.Name)
		}
		v, err := s.Vision.Analyze(ctx, req.Image, hints)
		if err != nil {
			s.logger().Warn("Vision analysis failed, scoring without it", zap.Error(err))
		} else {
			result.Vision = v
			visionByID = AttributeVision(v, candidates)
		}
	}

	result.Ranked = RankCandidates(engine, candidates, Signals{
		Pose:    &p,
		Sensors: req.Sensors,
		Time:    tc,
	}, visionByID)
	return result, nil
}

// View runs Scan and the forward ray for one pose and collects everything
// the scan renderer draws. A failed ray identification only drops the hit.
func (s *Service) View(ctx context.Context, p Pose, radius float64) (*ScanView, error) {
	res, err := s.Scan(ctx, ScanRequest{Pose: p, Radius: radius})
	if err != nil {
		return nil, err
	}
	view := &ScanView{
		Pose:   p,
		Engine: res.Engine,
		Radius: res.Radius,
		Ranked: res.Ranked,
		Probes: ProjectProbes(p),
	}
	if s.Ray != nil {
		hit, err := s.Ray.Identify(ctx, p)
		if err != nil {
			s.logger().Warn("Ray identification failed while rendering", zap.Error(err))
		}
		view.Hit = hit
	}
	return view, nil
}
