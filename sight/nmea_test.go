package sight

import (
	"math"
	"strings"
	"testing"
)

const (
	ggaGPS      = "$GPGGA,123519,3733.9900,N,12658.6800,E,1,08,0.9,45.0,M,0.0,M,,*4D"
	ggaRTKFixed = "$GPGGA,123520,3733.9900,N,12658.6800,E,4,12,0.6,45.0,M,0.0,M,,*46"
	ggaDGPS     = "$GPGGA,123521,3733.9900,N,12658.6800,E,2,08,1.5,45.0,M,0.0,M,,*48"
	ggaNoFix    = "$GPGGA,123522,3733.9900,N,12658.6800,E,0,00,99.9,45.0,M,0.0,M,,*7C"
	ggaRTKFloat = "$GPGGA,123530,3734.0000,N,12658.6800,E,5,12,0.7,45.0,M,0.0,M,,*40"
	hdtTrue     = "$GPHDT,90.5,T*09"
	rmcMoving   = "$GPRMC,123519,A,3733.9900,N,12658.6800,E,5.0,45.0,210624,003.1,W*5E"
	rmcSlow     = "$GPRMC,123519,A,3733.9900,N,12658.6800,E,0.2,45.0,210624,003.1,W*59"
	rmcVoid     = "$GPRMC,123519,V,3733.9900,N,12658.6800,E,5.0,45.0,210624,003.1,W*49"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestNMEA_GGAWithHeading(t *testing.T) {
	a := NewNMEAPoseAssembler()

	if _, ok, err := a.Feed(ggaGPS); err != nil || ok {
		t.Fatalf("GGA before any heading: ok=%v err=%v, want no pose", ok, err)
	}
	if _, ok, err := a.Feed(hdtTrue); err != nil || ok {
		t.Fatalf("HDT alone: ok=%v err=%v, want no pose", ok, err)
	}

	p, ok, err := a.Feed(ggaGPS)
	if err != nil || !ok {
		t.Fatalf("Feed(GGA) ok=%v err=%v, want a pose", ok, err)
	}
	if !near(p.Latitude, 37.5665) || !near(p.Longitude, 126.978) {
		t.Errorf("position = %v,%v, want 37.5665,126.978", p.Latitude, p.Longitude)
	}
	if p.Heading != 90.5 {
		t.Errorf("Heading = %v, want 90.5", p.Heading)
	}
	if p.HorizontalAccuracy == nil || !near(*p.HorizontalAccuracy, 4.5) {
		t.Errorf("HorizontalAccuracy = %v, want 4.5 (HDOP 0.9 x 5 m)", p.HorizontalAccuracy)
	}
	if p.HasDepth() {
		t.Error("NMEA poses never carry depth")
	}
}

func TestNMEA_FixQualityAccuracy(t *testing.T) {
	tests := []struct {
		name     string
		sentence string
		want     float64
	}{
		{"gps", ggaGPS, 4.5},
		{"dgps", ggaDGPS, 3.0},
		{"rtk fixed", ggaRTKFixed, 0.05},
		{"rtk float", ggaRTKFloat, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewNMEAPoseAssembler()
			a.Feed(hdtTrue)
			p, ok, err := a.Feed(tt.sentence)
			if err != nil || !ok {
				t.Fatalf("Feed() ok=%v err=%v", ok, err)
			}
			if !near(*p.HorizontalAccuracy, tt.want) {
				t.Errorf("HorizontalAccuracy = %v, want %v", *p.HorizontalAccuracy, tt.want)
			}
		})
	}
}

func TestNMEA_NoFixIgnored(t *testing.T) {
	a := NewNMEAPoseAssembler()
	a.Feed(hdtTrue)
	if _, ok, err := a.Feed(ggaNoFix); err != nil || ok {
		t.Errorf("GGA without fix: ok=%v err=%v, want ignored", ok, err)
	}
}

func TestNMEA_RMCCourseWhileMoving(t *testing.T) {
	a := NewNMEAPoseAssembler()

	if _, ok, _ := a.Feed(rmcSlow); ok {
		t.Error("slow RMC has no usable course and should not produce a pose")
	}

	p, ok, err := a.Feed(rmcMoving)
	if err != nil || !ok {
		t.Fatalf("Feed(RMC) ok=%v err=%v, want a pose", ok, err)
	}
	if p.Heading != 45 {
		t.Errorf("Heading = %v, want course 45", p.Heading)
	}
	if p.HorizontalAccuracy != nil {
		t.Errorf("RMC carries no accuracy, got %v", *p.HorizontalAccuracy)
	}

	// once GGA supplies accuracy, RMC no longer emits positions
	a.Feed(ggaGPS)
	if _, ok, _ := a.Feed(rmcMoving); ok {
		t.Error("RMC after GGA should only update heading")
	}
}

func TestNMEA_HDTOverridesCourse(t *testing.T) {
	a := NewNMEAPoseAssembler()
	a.Feed(hdtTrue)
	a.Feed(rmcMoving)

	p, ok, _ := a.Feed(ggaGPS)
	if !ok {
		t.Fatal("expected a pose")
	}
	if p.Heading != 90.5 {
		t.Errorf("Heading = %v, want HDT 90.5 to win over RMC course", p.Heading)
	}
}

func TestNMEA_VoidRMCIgnored(t *testing.T) {
	a := NewNMEAPoseAssembler()
	if _, ok, err := a.Feed(rmcVoid); err != nil || ok {
		t.Errorf("void RMC: ok=%v err=%v, want ignored", ok, err)
	}
}

func TestNMEA_Errors(t *testing.T) {
	a := NewNMEAPoseAssembler()

	for _, line := range []string{"", "   ", "hello", "# comment"} {
		if _, ok, err := a.Feed(line); err != nil || ok {
			t.Errorf("Feed(%q) ok=%v err=%v, want silently skipped", line, ok, err)
		}
	}

	_, _, err := a.Feed("$GPHDT,90.5,T*00")
	if err == nil {
		t.Fatal("bad checksum should fail")
	}
	if !strings.Contains(err.Error(), "parsing NMEA sentence") {
		t.Errorf("error = %v, want wrapped parse error", err)
	}
}

func TestNMEA_FeedAll(t *testing.T) {
	a := NewNMEAPoseAssembler()
	batch := strings.Join([]string{
		hdtTrue,
		ggaGPS,
		"$GPGGA,garbage*00",
		ggaRTKFixed,
		"",
	}, "\r\n")

	poses, bad := a.FeedAll([]byte(batch))
	if bad != 1 {
		t.Errorf("bad = %d, want 1", bad)
	}
	if len(poses) != 2 {
		t.Fatalf("len(poses) = %d, want 2", len(poses))
	}
	if !near(*poses[1].HorizontalAccuracy, 0.05) {
		t.Errorf("second pose accuracy = %v, want RTK fixed", *poses[1].HorizontalAccuracy)
	}
}
