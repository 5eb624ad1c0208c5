package sight

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"
)

// User equivalent range error used to turn HDOP into meters
const (
	uereGPS  = 5.0
	uereDGPS = 2.0

	rtkFixedAccuracy = 0.05
	rtkFloatAccuracy = 0.5

	// below this ground speed RMC course is noise
	minCourseKnots = 1.0
)

// NMEAPoseAssembler builds poses from an external GNSS receiver's NMEA stream.
// GGA supplies position and accuracy; HDT (or RMC course while moving) supplies heading.
// A pose is emitted for each position update once a heading is known.
type NMEAPoseAssembler struct {
	mu sync.Mutex

	hasFix     bool
	lat, lng   float64
	accuracy   *float64
	hasHeading bool
	heading    float64
	headingHDT bool
}

func NewNMEAPoseAssembler() *NMEAPoseAssembler {
	return &NMEAPoseAssembler{}
}

// Feed consumes one sentence. ok is true when it produced a new pose.
func (a *NMEAPoseAssembler) Feed(line string) (pose Pose, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || !(strings.HasPrefix(line, "$") || strings.HasPrefix(line, "!")) {
		return Pose{}, false, nil
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		return Pose{}, false, fmt.Errorf("parsing NMEA sentence: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch sentence.DataType() {
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality == "0" || m.FixQuality == "" {
			return Pose{}, false, nil
		}
		a.hasFix = true
		a.lat, a.lng = m.Latitude, m.Longitude
		acc := ggaAccuracy(m.FixQuality, m.HDOP)
		a.accuracy = &acc
		return a.poseLocked()

	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != "A" {
			return Pose{}, false, nil
		}
		if !a.headingHDT && m.Speed >= minCourseKnots {
			a.heading = NormalizeDegrees(m.Course)
			a.hasHeading = true
		}
		// GGA carries the better accuracy estimate; RMC only updates position when no GGA arrived yet
		if !a.hasFix || a.accuracy == nil {
			a.hasFix = true
			a.lat, a.lng = m.Latitude, m.Longitude
			return a.poseLocked()
		}
		return Pose{}, false, nil

	case nmea.TypeHDT:
		m := sentence.(nmea.HDT)
		if !m.True {
			return Pose{}, false, nil
		}
		a.heading = NormalizeDegrees(m.Heading)
		a.hasHeading = true
		a.headingHDT = true
		return Pose{}, false, nil
	}
	return Pose{}, false, nil
}

// FeedAll consumes a newline-separated batch and returns the poses it produced.
// Unparseable sentences are skipped and counted.
func (a *NMEAPoseAssembler) FeedAll(data []byte) ([]Pose, int) {
	var poses []Pose
	bad := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		p, ok, err := a.Feed(sc.Text())
		if err != nil {
			bad++
			continue
		}
		if ok {
			poses = append(poses, p)
		}
	}
	return poses, bad
}

func (a *NMEAPoseAssembler) poseLocked() (Pose, bool, error) {
	if !a.hasFix || !a.hasHeading {
		return Pose{}, false, nil
	}
	p := Pose{Latitude: a.lat, Longitude: a.lng, Heading: a.heading}
	if a.accuracy != nil {
		p.HorizontalAccuracy = Float64(*a.accuracy)
	}
	return p, true, nil
}

// ggaAccuracy estimates horizontal accuracy in meters from fix quality and HDOP
func ggaAccuracy(quality string, hdop float64) float64 {
	switch quality {
	case "4":
		return rtkFixedAccuracy
	case "5":
		return rtkFloatAccuracy
	case "2":
		return hdop * uereDGPS
	default:
		return hdop * uereGPS
	}
}
