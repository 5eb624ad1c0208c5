package sight

import (
	"math"
	"sort"
)

// Factor names shared by the scoring engines
const (
	FactorGPSDistance        = "gpsDistance"
	FactorCompassBearing     = "compassBearing"
	FactorGyroscope          = "gyroscope"
	FactorAccelerometer      = "accelerometer"
	FactorCameraAngle        = "cameraAngle"
	FactorServerTime         = "serverTime"
	FactorGeminiVision       = "geminiVision"
	FactorGeospatialAccuracy = "geospatialAccuracy"
	FactorHeadingMatch       = "headingMatch"
	FactorDistance           = "distance"
)

// Neutral scores used when a signal is absent
const (
	neutralBearing  = 0.5
	neutralMotion   = 0.6
	neutralVision   = 0.5
	baseServerTime  = 0.7
	standardGravity = 9.81
)

// Signals are the per-call inputs an engine fuses for every candidate
type Signals struct {
	Pose    *Pose
	Sensors *SensorSnapshot
	Time    *TimeContext
	Vision  *VisionResult
}

// Engine scores a candidate against the current signals.
// Implementations are pure and safe for concurrent use.
type Engine interface {
	Name() string
	Score(c BuildingCandidate, s Signals) ConfidenceResult
	// FieldOfView is the half-angle of the forward cone used to pre-filter candidates.
	FieldOfView() float64
	Weights() map[string]float64
}

// curvePoint is one knot of a piecewise-linear scoring curve
type curvePoint struct {
	x, y float64
}

// interpolate evaluates a piecewise-linear curve whose knots are sorted by x.
// Values outside the knots are held at the first/last y.
func interpolate(curve []curvePoint, x float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	if x <= curve[0].x {
		return curve[0].y
	}
	for i := 1; i < len(curve); i++ {
		if x <= curve[i].x {
			a, b := curve[i-1], curve[i]
			t := (x - a.x) / (b.x - a.x)
			return a.y + t*(b.y-a.y)
		}
	}
	return curve[len(curve)-1].y
}

// factorWeight is one entry of an engine's weight table.
// Tables are slices so the weighted sum always runs in the same order.
type factorWeight struct {
	name   string
	weight float64
}

// composite folds factor scores with a weight table into a ConfidenceResult
func composite(engine string, weights []factorWeight, factors map[string]float64) ConfidenceResult {
	total := 0.0
	for _, fw := range weights {
		total += fw.weight * clamp(factors[fw.name], 0, 1)
	}
	total = clamp(total, 0, 1)
	return ConfidenceResult{
		Composite: total,
		Percent:   int(math.Round(total * 100)),
		Factors:   factors,
		Level:     LevelFor(total),
		Engine:    engine,
	}
}

func weightMap(ws []factorWeight) map[string]float64 {
	out := make(map[string]float64, len(ws))
	for _, fw := range ws {
		out[fw.name] = fw.weight
	}
	return out
}

// RankCandidates scores every candidate and orders them by composite confidence, highest first.
// Candidates with equal confidence keep their input order.
func RankCandidates(engine Engine, candidates []BuildingCandidate, s Signals, visionByID map[string]*VisionResult) []RankedCandidate {
	ranked := make([]RankedCandidate, len(candidates))
	for i, c := range candidates {
		sig := s
		sig.Vision = visionByID[c.ID]
		ranked[i] = RankedCandidate{
			Candidate:  c,
			Confidence: engine.Score(c, sig),
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence.Composite > ranked[j].Confidence.Composite
	})
	return ranked
}

// StandardEngine fuses phone-grade GPS, compass and motion signals
type StandardEngine struct{}

var standardWeights = []factorWeight{
	{FactorGPSDistance, 0.25},
	{FactorCompassBearing, 0.25},
	{FactorGyroscope, 0.08},
	{FactorAccelerometer, 0.07},
	{FactorCameraAngle, 0.10},
	{FactorServerTime, 0.10},
	{FactorGeminiVision, 0.15},
}

var (
	gpsDistanceCurve = []curvePoint{
		{10, 1.0}, {30, 0.9}, {100, 0.6}, {300, 0.3}, {500, 0.15}, {1000, 0.0},
	}
	compassBearingCurve = []curvePoint{
		{15, 1.0}, {30, 0.8}, {60, 0.4}, {90, 0.0},
	}
	gravityDeviationCurve = []curvePoint{
		{0.3, 1.0}, {1.0, 0.8}, {3.0, 0.4}, {6.0, 0.2},
	}
	cameraPitchCurve = []curvePoint{
		{0, 0.5}, {20, 1.0}, {45, 0.4},
	}
)

// NewStandardEngine returns the engine used for ordinary phone GPS accuracy
func NewStandardEngine() *StandardEngine {
	return &StandardEngine{}
}

func (e *StandardEngine) Name() string                { return "standard" }
func (e *StandardEngine) FieldOfView() float64        { return 60 }
func (e *StandardEngine) Weights() map[string]float64 { return weightMap(standardWeights) }

// Score computes every standard factor for one candidate
func (e *StandardEngine) Score(c BuildingCandidate, s Signals) ConfidenceResult {
	var heading *float64
	if s.Pose != nil {
		heading = &s.Pose.Heading
	}
	var gyro *Gyroscope
	var accel *Accelerometer
	var tilt *CameraTilt
	if s.Sensors != nil {
		gyro = s.Sensors.Gyroscope
		accel = s.Sensors.Accelerometer
		tilt = s.Sensors.Tilt
	}

	factors := map[string]float64{
		FactorGPSDistance:    GPSDistanceScore(c.DistanceMeters),
		FactorCompassBearing: CompassBearingScore(heading, &c.BearingDegrees),
		FactorGyroscope:      GyroscopeScore(gyro),
		FactorAccelerometer:  AccelerometerScore(accel),
		FactorCameraAngle:    CameraAngleScore(tilt),
		FactorServerTime:     ServerTimeScore(s.Time, c),
		FactorGeminiVision:   VisionScore(s.Vision),
	}
	return composite(e.Name(), standardWeights, factors)
}

// GPSDistanceScore favours closer buildings; it never increases with distance.
func GPSDistanceScore(meters float64) float64 {
	if math.IsNaN(meters) || meters < 0 {
		meters = 0
	}
	return clamp(interpolate(gpsDistanceCurve, meters), 0, 1)
}

// CompassBearingScore rewards buildings close to where the device points.
func CompassBearingScore(heading, bearing *float64) float64 {
	if heading == nil || bearing == nil {
		return neutralBearing
	}
	return clamp(interpolate(compassBearingCurve, AngleDifference(*heading, *bearing)), 0, 1)
}

// GyroscopeScore rewards a phone raised to eye level (beta near 30°) and held level (gamma near 0°).
func GyroscopeScore(g *Gyroscope) float64 {
	if g == nil {
		return neutralMotion
	}
	beta := clamp(1-math.Abs(g.Beta-30)/60, 0, 1)
	gamma := clamp(1-math.Abs(g.Gamma)/45, 0, 1)
	return clamp(0.6*beta+0.4*gamma, 0, 1)
}

// AccelerometerScore rewards a device held still, i.e. measuring only gravity.
func AccelerometerScore(a *Accelerometer) float64 {
	if a == nil {
		return neutralMotion
	}
	magnitude := math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
	deviation := math.Abs(magnitude - standardGravity)
	return clamp(interpolate(gravityDeviationCurve, deviation), 0.2, 1)
}

// CameraAngleScore rewards a pitch between 0° and 45°, peaking at 20°.
func CameraAngleScore(t *CameraTilt) float64 {
	if t == nil {
		return neutralMotion
	}
	if t.Pitch < 0 || t.Pitch > 45 || math.IsNaN(t.Pitch) {
		return 0.2
	}
	return clamp(interpolate(cameraPitchCurve, t.Pitch), 0, 1)
}

// ServerTimeScore adds lighting evidence: lit signage at night, shadows by day.
// The night bonus only applies to candidates the catalog marks as having signage.
func ServerTimeScore(tc *TimeContext, c BuildingCandidate) float64 {
	score := baseServerTime
	if tc == nil {
		return score
	}
	if !tc.IsDaytime && tc.NeonActive && c.NightSignage {
		score += 0.2
	}
	if tc.IsDaytime && tc.ShadowDirection != nil {
		score += 0.1
	}
	return math.Min(score, 1.0)
}

// VisionScore passes through the vision model's confidence.
func VisionScore(v *VisionResult) float64 {
	if v == nil {
		return neutralVision
	}
	if !v.BuildingIdentified {
		return 0.2
	}
	return clamp(v.Confidence, 0.1, 1.0)
}
