package sight

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// ScanView is everything drawn for one scan
type ScanView struct {
	Pose   Pose
	Engine Engine
	Radius float64
	Ranked []RankedCandidate
	Probes []Probe
	Hit    *BuildingHit
}

// ScanRenderer draws a scan in a local east/north frame centred on the user.
// One meter maps to Scale canvas units (millimeters).
type ScanRenderer struct {
	Scale      float64
	Padding    float64 // meters
	Resolution canvas.Resolution
}

var (
	levelColors = map[Level]color.RGBA{
		LevelHigh:   {R: 46, G: 160, B: 67, A: 255},
		LevelMedium: {R: 230, G: 145, B: 20, A: 255},
		LevelLow:    {R: 200, G: 50, B: 50, A: 255},
	}
	coneColor  = color.RGBA{R: 40, G: 90, B: 160, A: 60} // premultiplied
	rayColor   = color.RGBA{R: 40, G: 90, B: 200, A: 255}
	probeColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	hitColor   = color.RGBA{R: 20, G: 140, B: 60, A: 255}
)

// NewScanRenderer returns a renderer with default settings
func NewScanRenderer() *ScanRenderer {
	return &ScanRenderer{
		Scale:      2.0,
		Padding:    15.0,
		Resolution: canvas.DPI(150),
	}
}

// canvasRenderer is implemented by the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// LocalENU projects p into meters east/north of origin (equirectangular, fine at scan scale)
func LocalENU(origin, p orb.Point) (east, north float64) {
	lat0 := deg2rad(origin.Lat())
	east = deg2rad(p.Lon()-origin.Lon()) * math.Cos(lat0) * orb.EarthRadius
	north = deg2rad(p.Lat()-origin.Lat()) * orb.EarthRadius
	return east, north
}

// extent is the half-width of the drawing in meters
func (r *ScanRenderer) extent(v ScanView) float64 {
	ext := v.Radius
	for _, p := range v.Probes {
		ext = math.Max(ext, p.Distance)
	}
	origin := orb.Point{v.Pose.Longitude, v.Pose.Latitude}
	for _, rc := range v.Ranked {
		e, n := LocalENU(origin, orb.Point{rc.Candidate.Longitude, rc.Candidate.Latitude})
		ext = math.Max(ext, math.Max(math.Abs(e), math.Abs(n)))
	}
	if ext <= 0 {
		ext = FixedProbeDistances[len(FixedProbeDistances)-1]
	}
	return ext + r.Padding
}

// RenderToSVG writes the scan as SVG
func (r *ScanRenderer) RenderToSVG(w io.Writer, v ScanView) error {
	size := 2 * r.extent(v) * r.Scale
	out := svg.New(w, size, size, nil)
	r.render(out, v, size)
	return out.Close()
}

// RenderToPNG writes the scan as PNG
func (r *ScanRenderer) RenderToPNG(w io.Writer, v ScanView) error {
	size := 2 * r.extent(v) * r.Scale
	rast := rasterizer.New(size, size, r.Resolution, canvas.DefaultColorSpace)
	r.render(rast, v, size)
	return png.Encode(w, rast)
}

func (r *ScanRenderer) render(out canvasRenderer, v ScanView, size float64) {
	origin := orb.Point{v.Pose.Longitude, v.Pose.Latitude}
	half := size / 2
	toCanvas := func(east, north float64) (float64, float64) {
		return half + east*r.Scale, half + north*r.Scale
	}
	// compass bearing to canvas direction (y up)
	along := func(bearing, meters float64) (float64, float64) {
		rad := deg2rad(bearing)
		return toCanvas(math.Sin(rad)*meters, math.Cos(rad)*meters)
	}

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(size, size), bg, canvas.Identity)

	if v.Radius > 0 {
		ring := canvas.DefaultStyle
		ring.Fill = canvas.Paint{Color: canvas.Transparent}
		ring.Stroke = canvas.Paint{Color: canvas.Gray}
		ring.StrokeWidth = 0.5
		ring.Dashes = []float64{4, 4}
		out.RenderPath(canvas.Circle(v.Radius*r.Scale).Translate(half, half), ring, canvas.Identity)
	}

	if v.Engine != nil {
		fov := v.Engine.FieldOfView()
		reach := math.Max(v.Radius, FixedProbeDistances[len(FixedProbeDistances)-1])
		cone := &canvas.Path{}
		cone.MoveTo(half, half)
		const steps = 24
		for i := 0; i <= steps; i++ {
			b := v.Pose.Heading - fov + 2*fov*float64(i)/steps
			cone.LineTo(along(b, reach))
		}
		cone.Close()
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: coneColor}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		out.RenderPath(cone, style, canvas.Identity)
	}

	if len(v.Probes) > 0 {
		ray := &canvas.Path{}
		ray.MoveTo(half, half)
		ray.LineTo(along(v.Pose.Heading, v.Probes[len(v.Probes)-1].Distance))
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: rayColor}
		style.StrokeWidth = 0.8
		out.RenderPath(ray, style, canvas.Identity)
	}

	for _, p := range v.Probes {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: probeColor}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		if v.Hit != nil && p.Distance == v.Hit.Distance {
			style.Fill = canvas.Paint{Color: hitColor}
		}
		x, y := toCanvas(LocalENU(origin, p.Point))
		out.RenderPath(canvas.Circle(1.5*r.Scale).Translate(x, y), style, canvas.Identity)
	}

	for _, rc := range v.Ranked {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: levelColors[rc.Confidence.Level]}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.4
		x, y := toCanvas(LocalENU(origin, orb.Point{rc.Candidate.Longitude, rc.Candidate.Latitude}))
		radius := (2 + 3*rc.Confidence.Composite) * r.Scale
		out.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
	}

	user := canvas.DefaultStyle
	user.Fill = canvas.Paint{Color: canvas.Black}
	user.Stroke = canvas.Paint{Color: canvas.White}
	user.StrokeWidth = 0.6
	out.RenderPath(canvas.Circle(2.5*r.Scale).Translate(half, half), user, canvas.Identity)
}
