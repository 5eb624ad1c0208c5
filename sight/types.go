package sight

import (
	"fmt"
	"math"
	"strings"
)

// Depth readings outside this range come from a sensor that has lost its target.
const (
	MinDepthMeters = 0.5
	MaxDepthMeters = 30.0
)

// Pose is a snapshot of position and orientation at one instant
type Pose struct {
	Latitude           float64  `json:"lat"`
	Longitude          float64  `json:"lng"`
	Heading            float64  `json:"heading"`                      // degrees, 0 = north, clockwise
	HorizontalAccuracy *float64 `json:"horizontalAccuracy,omitempty"` // meters
	HeadingAccuracy    *float64 `json:"headingAccuracy,omitempty"`    // degrees
	DepthMeters        *float64 `json:"depthMeters,omitempty"`        // measured forward depth
	VerticalAccuracy   *float64 `json:"verticalAccuracy,omitempty"`   // meters
}

// HasDepth reports whether the pose carries a usable forward depth measurement
func (p Pose) HasDepth() bool {
	return ValidDepth(p.DepthMeters)
}

// ValidDepth reports whether depth is present and inside the sensor's trusted range
func ValidDepth(depth *float64) bool {
	if depth == nil {
		return false
	}
	d := *depth
	return !math.IsNaN(d) && d >= MinDepthMeters && d <= MaxDepthMeters
}

// Gyroscope holds rotation rates in degrees/second
type Gyroscope struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Accelerometer holds gravity-inclusive acceleration in m/s²
type Accelerometer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// CameraTilt is the camera attitude derived from the motion sensors
type CameraTilt struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// SensorSnapshot is the motion context that accompanies a Pose
type SensorSnapshot struct {
	Gyroscope     *Gyroscope     `json:"gyroscope,omitempty"`
	Accelerometer *Accelerometer `json:"accelerometer,omitempty"`
	Tilt          *CameraTilt    `json:"tilt,omitempty"`
}

// ShadowDirection is an 8-point compass direction
type ShadowDirection string

const (
	ShadowNorth     ShadowDirection = "N"
	ShadowNorthEast ShadowDirection = "NE"
	ShadowEast      ShadowDirection = "E"
	ShadowSouthEast ShadowDirection = "SE"
	ShadowSouth     ShadowDirection = "S"
	ShadowSouthWest ShadowDirection = "SW"
	ShadowWest      ShadowDirection = "W"
	ShadowNorthWest ShadowDirection = "NW"
)

// TimeContext describes lighting conditions at the user's location
type TimeContext struct {
	IsDaytime       bool             `json:"isDaytime"`
	NeonActive      bool             `json:"neonActive"`
	ShadowDirection *ShadowDirection `json:"shadowDirection"`
}

// VisionResult is the vision model's opinion about one candidate
type VisionResult struct {
	BuildingIdentified bool    `json:"buildingIdentified"`
	Confidence         float64 `json:"confidence"`
	BuildingName       string  `json:"buildingName,omitempty"`
}

// BuildingCandidate is a building near the user, annotated relative to the user's position
type BuildingCandidate struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	Latitude       float64 `json:"lat"`
	Longitude      float64 `json:"lng"`
	DistanceMeters float64 `json:"distanceMeters"`
	BearingDegrees float64 `json:"bearingDegrees"` // from user to building, 0-360
	NightSignage   bool    `json:"nightSignage,omitempty"`
}

// Level buckets a composite confidence for display
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// LevelFor maps a composite confidence onto its display bucket
func LevelFor(confidence float64) Level {
	switch {
	case confidence >= 0.8:
		return LevelHigh
	case confidence >= 0.5:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ConfidenceResult is the scored outcome for one candidate
type ConfidenceResult struct {
	Composite float64            `json:"compositeConfidence"`
	Percent   int                `json:"confidencePercent"`
	Factors   map[string]float64 `json:"perFactorScores"`
	Level     Level              `json:"level"`
	Engine    string             `json:"engine"`
}

// RankedCandidate pairs a candidate with its score
type RankedCandidate struct {
	Candidate  BuildingCandidate `json:"candidate"`
	Confidence ConfidenceResult  `json:"confidence"`
}

// HitSource records which probe tier produced an identification
type HitSource string

const (
	SourceDepth       HitSource = "depth"
	SourceRaycast     HitSource = "raycast"
	SourceRaycastRoad HitSource = "raycast_road"
)

// RaycastConfidence is assigned to every successful ray identification regardless of tier.
const RaycastConfidence = 0.95

// BuildingHit is the building resolved by the forward ray identifier
type BuildingHit struct {
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	RoadAddress string    `json:"roadAddress,omitempty"`
	RegionCodes []string  `json:"regionCodes,omitempty"`
	Latitude    float64   `json:"lat"` // probe coordinate that resolved
	Longitude   float64   `json:"lng"`
	Distance    float64   `json:"distance"` // probe distance in meters
	Source      HitSource `json:"source"`
	Confidence  float64   `json:"confidence"`
}

// GeocodeResult is what a reverse geocoder knows about a coordinate
type GeocodeResult struct {
	BuildingName string   `json:"buildingName,omitempty"`
	RoadAddress  string   `json:"roadAddress,omitempty"`
	Address      string   `json:"address,omitempty"`
	RegionCodes  []string `json:"regionCodes,omitempty"`
}

// HasBuilding reports whether the result names a specific building
func (g *GeocodeResult) HasBuilding() bool {
	return g != nil && strings.TrimSpace(g.BuildingName) != ""
}

// HasAddress reports whether the result carries any address at all
func (g *GeocodeResult) HasAddress() bool {
	return g != nil && (strings.TrimSpace(g.RoadAddress) != "" || strings.TrimSpace(g.Address) != "")
}

// ValidationError is returned for malformed caller input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateCoordinates checks that lat/lng are finite and inside WGS84 bounds
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return validationErrorf("lat", "must be a number between -90 and 90")
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		return validationErrorf("lng", "must be a number between -180 and 180")
	}
	return nil
}

// ValidateHeading checks that a heading is a finite number
func ValidateHeading(heading float64) error {
	if math.IsNaN(heading) || math.IsInf(heading, 0) {
		return validationErrorf("heading", "must be a finite number")
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 {
	return &v
}
