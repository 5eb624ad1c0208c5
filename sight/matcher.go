package sight

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Search radius limits for the candidate matcher
const (
	DefaultSearchRadius = 200.0
	MaxSearchRadius     = 5000.0
)

// CandidateMatcher narrows the buildings around a user to those plausibly in view.
// It does not rank; that is the scoring engine's job.
type CandidateMatcher struct {
	index  BuildingIndex
	logger *zap.Logger
}

// NewCandidateMatcher creates a matcher over a spatial index
func NewCandidateMatcher(index BuildingIndex, logger *zap.Logger) *CandidateMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateMatcher{index: index, logger: logger}
}

// NormalizeRadius applies the default and the cap; negative or NaN radii are rejected
func NormalizeRadius(radius float64) (float64, error) {
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius < 0 {
		return 0, validationErrorf("radius", "must be a non-negative number")
	}
	if radius == 0 {
		return DefaultSearchRadius, nil
	}
	return math.Min(radius, MaxSearchRadius), nil
}

// FindCandidates returns buildings within radius of the point, nearest first.
// When heading is given, only buildings inside the engine's forward cone are kept.
func (m *CandidateMatcher) FindCandidates(ctx context.Context, lat, lng, radius float64, heading *float64, engine Engine) ([]BuildingCandidate, error) {
	if err := ValidateCoordinates(lat, lng); err != nil {
		return nil, err
	}
	r, err := NormalizeRadius(radius)
	if err != nil {
		return nil, err
	}

	all, err := m.index.Nearby(ctx, lat, lng, r)
	if err != nil {
		return nil, fmt.Errorf("spatial index %s: %w", m.index.Name(), err)
	}
	sortByDistance(all)

	if heading == nil {
		return all, nil
	}
	if engine == nil {
		engine = NewStandardEngine()
	}

	fov := engine.FieldOfView()
	inView := make([]BuildingCandidate, 0, len(all))
	for _, c := range all {
		if AngleDifference(*heading, c.BearingDegrees) <= fov {
			inView = append(inView, c)
		}
	}

	m.logger.Debug("Filtered candidates to forward cone",
		zap.Int("nearby", len(all)),
		zap.Int("in_view", len(inView)),
		zap.Float64("heading", *heading),
		zap.Float64("fov", fov),
		zap.String("engine", engine.Name()),
	)
	return inView, nil
}

// IndexName reports which index backs this matcher
func (m *CandidateMatcher) IndexName() string {
	return m.index.Name()
}
