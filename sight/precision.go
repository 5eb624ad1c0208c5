package sight

import "math"

// PrecisionAccuracyThreshold is the horizontal accuracy (meters) below which the
// precision engine takes over from the standard one.
const PrecisionAccuracyThreshold = 10.0

// PrecisionEngine is used when a positioning source reports sub-10m accuracy.
// Heading and position are trusted more, so motion and tilt factors are dropped.
type PrecisionEngine struct{}

var precisionWeights = []factorWeight{
	{FactorGeospatialAccuracy, 0.35},
	{FactorHeadingMatch, 0.30},
	{FactorDistance, 0.15},
	{FactorServerTime, 0.05},
	{FactorGeminiVision, 0.15},
}

var (
	headingMatchCurve = []curvePoint{
		{10, 1.0}, {20, 0.7}, {40, 0.3}, {60, 0.0},
	}
	precisionDistanceCurve = []curvePoint{
		{20, 1.0}, {50, 0.8}, {100, 0.5}, {200, 0.2}, {500, 0.0},
	}
)

// NewPrecisionEngine returns the engine for high-accuracy positioning sources
func NewPrecisionEngine() *PrecisionEngine {
	return &PrecisionEngine{}
}

func (e *PrecisionEngine) Name() string                { return "precision" }
func (e *PrecisionEngine) FieldOfView() float64        { return 25 }
func (e *PrecisionEngine) Weights() map[string]float64 { return weightMap(precisionWeights) }

// Score computes the precision factors for one candidate
func (e *PrecisionEngine) Score(c BuildingCandidate, s Signals) ConfidenceResult {
	var heading, horizontal, headingAcc *float64
	if s.Pose != nil {
		heading = &s.Pose.Heading
		horizontal = s.Pose.HorizontalAccuracy
		headingAcc = s.Pose.HeadingAccuracy
	}

	factors := map[string]float64{
		FactorGeospatialAccuracy: GeospatialAccuracyScore(horizontal),
		FactorHeadingMatch:       HeadingMatchScore(heading, &c.BearingDegrees, headingAcc),
		FactorDistance:           PrecisionDistanceScore(c.DistanceMeters),
		FactorServerTime:         ServerTimeScore(s.Time, c),
		FactorGeminiVision:       VisionScore(s.Vision),
	}
	return composite(e.Name(), precisionWeights, factors)
}

// GeospatialAccuracyScore buckets the reported horizontal accuracy
func GeospatialAccuracyScore(accuracy *float64) float64 {
	if accuracy == nil || math.IsNaN(*accuracy) || *accuracy < 0 {
		return 0.3
	}
	switch a := *accuracy; {
	case a < 2:
		return 1.0
	case a < 5:
		return 0.9
	case a < 10:
		return 0.8
	case a < 20:
		return 0.5
	default:
		return 0.3
	}
}

// HeadingMatchScore is a narrower compass match, discounted when the heading itself is unreliable.
func HeadingMatchScore(heading, bearing, headingAccuracy *float64) float64 {
	if heading == nil || bearing == nil {
		return neutralBearing
	}
	score := interpolate(headingMatchCurve, AngleDifference(*heading, *bearing))
	if headingAccuracy != nil && *headingAccuracy > 5 {
		score *= 0.8
	}
	return clamp(score, 0, 1)
}

// PrecisionDistanceScore uses tighter bands than GPSDistanceScore
func PrecisionDistanceScore(meters float64) float64 {
	if math.IsNaN(meters) || meters < 0 {
		meters = 0
	}
	return clamp(interpolate(precisionDistanceCurve, meters), 0, 1)
}

// SelectEngine picks the precision engine when the pose reports sub-10m accuracy
func SelectEngine(p *Pose) Engine {
	if p != nil && p.HorizontalAccuracy != nil && *p.HorizontalAccuracy >= 0 && *p.HorizontalAccuracy < PrecisionAccuracyThreshold {
		return NewPrecisionEngine()
	}
	return NewStandardEngine()
}
