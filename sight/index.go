package sight

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/quadtree"
)

// BuildingIndex answers "which buildings are within radius of this point".
// Results carry distance and bearing measured from the query point.
type BuildingIndex interface {
	Nearby(ctx context.Context, lat, lng, radiusMeters float64) ([]BuildingCandidate, error)
	Name() string
}

// Building is a catalog entry before it is annotated relative to a user
type Building struct {
	ID        string
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
	// NightSignage marks buildings with lit signs that stay visible after dark
	NightSignage bool
}

// Point implements orb.Pointer so buildings can live in a quadtree
func (b *Building) Point() orb.Point {
	return orb.Point{b.Longitude, b.Latitude}
}

// annotate measures a building from the user's position
func annotate(b Building, from orb.Point) BuildingCandidate {
	to := b.Point()
	return BuildingCandidate{
		ID:             b.ID,
		Name:           b.Name,
		Address:        b.Address,
		Latitude:       b.Latitude,
		Longitude:      b.Longitude,
		DistanceMeters: geo.DistanceHaversine(from, to),
		BearingDegrees: NormalizeDegrees(geo.Bearing(from, to)),
		NightSignage:   b.NightSignage,
	}
}

// sortByDistance orders candidates nearest first, ties by id
func sortByDistance(cs []BuildingCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].DistanceMeters != cs[j].DistanceMeters {
			return cs[i].DistanceMeters < cs[j].DistanceMeters
		}
		return cs[i].ID < cs[j].ID
	})
}

// MemoryIndex is a quadtree-backed building catalog held in process memory
type MemoryIndex struct {
	tree  *quadtree.Quadtree
	count int
}

// NewMemoryIndex builds an index over the given buildings
func NewMemoryIndex(buildings []Building) (*MemoryIndex, error) {
	tree := quadtree.New(orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}})
	for i := range buildings {
		b := buildings[i]
		if err := ValidateCoordinates(b.Latitude, b.Longitude); err != nil {
			return nil, fmt.Errorf("building %q: %w", b.ID, err)
		}
		if err := tree.Add(&b); err != nil {
			return nil, fmt.Errorf("indexing building %q: %w", b.ID, err)
		}
	}
	return &MemoryIndex{tree: tree, count: len(buildings)}, nil
}

// LoadCatalog reads a GeoJSON FeatureCollection of Point features into buildings.
// Features need an id (feature id or "id" property) and a "name" property.
func LoadCatalog(path string) ([]Building, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes GeoJSON catalog bytes
func ParseCatalog(data []byte) ([]Building, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog GeoJSON: %w", err)
	}

	buildings := make([]Building, 0, len(fc.Features))
	for i, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("feature[%d]: geometry must be a Point", i)
		}
		id := propString(f.Properties, "id")
		if id == "" && f.ID != nil {
			id = fmt.Sprint(f.ID)
		}
		if id == "" {
			return nil, fmt.Errorf("feature[%d]: id is required", i)
		}
		buildings = append(buildings, Building{
			ID:        id,
			Name:      propString(f.Properties, "name"),
			Address:   propString(f.Properties, "address"),
			Latitude:  p.Lat(),
			Longitude: p.Lon(),

			NightSignage: propBool(f.Properties, "nightSignage"),
		})
	}
	return buildings, nil
}

// propBool accepts JSON booleans and the "true"/"yes"/"1" strings some exports use
func propBool(props geojson.Properties, key string) bool {
	switch v := props[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}

// propString reads a property as text; numeric ids are common in exported catalogs
func propString(props geojson.Properties, key string) string {
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (m *MemoryIndex) Name() string { return "memory" }

// Len returns the number of indexed buildings
func (m *MemoryIndex) Len() int { return m.count }

// Nearby returns every building within radiusMeters, nearest first
func (m *MemoryIndex) Nearby(ctx context.Context, lat, lng, radiusMeters float64) ([]BuildingCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	center := orb.Point{lng, lat}
	bound := geo.NewBoundAroundPoint(center, radiusMeters)

	found := m.tree.InBound(nil, bound)
	out := make([]BuildingCandidate, 0, len(found))
	for _, p := range found {
		b := p.(*Building)
		c := annotate(*b, center)
		if c.DistanceMeters <= radiusMeters {
			out = append(out, c)
		}
	}
	sortByDistance(out)
	return out, nil
}

// CandidatesToGeoJSON renders merged nearby candidates as a FeatureCollection of points
func CandidatesToGeoJSON(candidates []NearbyCandidate) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range candidates {
		f := geojson.NewFeature(orb.Point{c.Longitude, c.Latitude})
		f.ID = c.ID
		f.Properties["name"] = c.Name
		f.Properties["address"] = c.Address
		f.Properties["distanceMeters"] = c.DistanceMeters
		f.Properties["bearingDegrees"] = c.BearingDegrees
		f.Properties["confidence"] = c.Confidence
		f.Properties["level"] = string(c.Level)
		f.Properties["source"] = c.Source
		fc.Append(f)
	}
	return fc
}
