package sight

import (
	"math"
	"time"
)

// TimeContextProvider supplies lighting conditions for a place and instant
type TimeContextProvider interface {
	Context(lat, lng float64, now time.Time) TimeContext
}

// horizonElevation accounts for refraction and the solar disc radius
const horizonElevation = -0.833

var compassPoints = []ShadowDirection{
	ShadowNorth, ShadowNorthEast, ShadowEast, ShadowSouthEast,
	ShadowSouth, ShadowSouthWest, ShadowWest, ShadowNorthWest,
}

// SolarClock derives lighting from the sun's position (NOAA general solar position)
type SolarClock struct{}

func NewSolarClock() *SolarClock { return &SolarClock{} }

// Context reports daytime, signage and shadow direction at the location
func (SolarClock) Context(lat, lng float64, now time.Time) TimeContext {
	elevation, azimuth := SunPosition(lat, lng, now)
	day := elevation > horizonElevation
	tc := TimeContext{IsDaytime: day, NeonActive: !day}
	if day {
		dir := CompassPoint(azimuth + 180)
		tc.ShadowDirection = &dir
	}
	return tc
}

// SunPosition returns solar elevation and azimuth (clockwise from north) in degrees
func SunPosition(lat, lng float64, t time.Time) (elevation, azimuth float64) {
	t = t.UTC()
	hour := float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
	gamma := 2 * math.Pi / 365 * (float64(t.YearDay()-1) + (hour-12)/24)

	eqTime := 229.18 * (0.000075 + 0.001868*math.Cos(gamma) - 0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) - 0.040849*math.Sin(2*gamma))
	decl := 0.006918 - 0.399912*math.Cos(gamma) + 0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) + 0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) + 0.00148*math.Sin(3*gamma)

	trueSolarMinutes := hour*60 + eqTime + 4*lng
	hourAngle := deg2rad(trueSolarMinutes/4 - 180)
	phi := deg2rad(lat)

	cosZenith := math.Sin(phi)*math.Sin(decl) + math.Cos(phi)*math.Cos(decl)*math.Cos(hourAngle)
	zenith := math.Acos(clamp(cosZenith, -1, 1))
	elevation = 90 - rad2deg(zenith)

	az := math.Atan2(math.Sin(hourAngle), math.Cos(hourAngle)*math.Sin(phi)-math.Tan(decl)*math.Cos(phi))
	azimuth = NormalizeDegrees(rad2deg(az) + 180)
	return elevation, azimuth
}

// CompassPoint rounds a bearing to the nearest of 8 compass points
func CompassPoint(bearing float64) ShadowDirection {
	i := int(math.Round(NormalizeDegrees(bearing)/45)) % len(compassPoints)
	return compassPoints[i]
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
