package sight

import "math"

// NormalizeDegrees maps any angle onto [0, 360)
func NormalizeDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// AngleDifference returns the unsigned separation of two angles on the circle, in [0, 180]
func AngleDifference(a, b float64) float64 {
	d := math.Abs(NormalizeDegrees(a) - NormalizeDegrees(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// SignedAngleDelta returns the signed offset from one angle to another, in (-180, 180].
// Positive means clockwise.
func SignedAngleDelta(from, to float64) float64 {
	d := NormalizeDegrees(to - from)
	if d > 180 {
		d -= 360
	}
	return d
}

// RelativeDirection classifies a bearing relative to a heading
type RelativeDirection string

const (
	DirectionFront RelativeDirection = "front"
	DirectionLeft  RelativeDirection = "left"
	DirectionRight RelativeDirection = "right"
)

// FrontHalfAngle is the half-width of the "front" sector used by Classify.
const FrontHalfAngle = 30.0

// Classify reports whether bearing lies in front of, left of, or right of heading
func Classify(heading, bearing float64) RelativeDirection {
	d := SignedAngleDelta(heading, bearing)
	switch {
	case math.Abs(d) <= FrontHalfAngle:
		return DirectionFront
	case d < 0:
		return DirectionLeft
	default:
		return DirectionRight
	}
}
