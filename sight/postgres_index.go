package sight

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"go.uber.org/zap"
)

// nearbyQuery expects a PostGIS table buildings(id, name, address, lat, lng, night_signage, geom geography(Point)).
const nearbyQuery = `
SELECT id, name, COALESCE(address, ''), lat, lng, COALESCE(night_signage, false),
       ST_Distance(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography) AS distance_m
FROM buildings
WHERE ST_DWithin(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
ORDER BY distance_m ASC, id ASC
LIMIT $4`

// DefaultIndexLimit caps how many rows one nearby query may return
const DefaultIndexLimit = 500

// PostgresIndex is a BuildingIndex backed by a PostGIS table
type PostgresIndex struct {
	db     *sql.DB
	limit  int
	logger *zap.Logger
}

// OpenPostgres opens and pings a PostgreSQL connection pool
func OpenPostgres(cfg IndexConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewPostgresIndex wraps an open database handle
func NewPostgresIndex(db *sql.DB, logger *zap.Logger) *PostgresIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresIndex{db: db, limit: DefaultIndexLimit, logger: logger}
}

func (p *PostgresIndex) Name() string { return "postgis" }

// Nearby runs a radius query; bearing is computed from the query point in Go
func (p *PostgresIndex) Nearby(ctx context.Context, lat, lng, radiusMeters float64) ([]BuildingCandidate, error) {
	rows, err := p.db.QueryContext(ctx, nearbyQuery, lat, lng, radiusMeters, p.limit)
	if err != nil {
		return nil, fmt.Errorf("querying nearby buildings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	from := orb.Point{lng, lat}
	var out []BuildingCandidate
	for rows.Next() {
		var c BuildingCandidate
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.Latitude, &c.Longitude, &c.NightSignage, &c.DistanceMeters); err != nil {
			return nil, fmt.Errorf("scanning building row: %w", err)
		}
		c.BearingDegrees = NormalizeDegrees(geo.Bearing(from, orb.Point{c.Longitude, c.Latitude}))
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating building rows: %w", err)
	}

	p.logger.Debug("PostGIS nearby query",
		zap.Float64("lat", lat),
		zap.Float64("lng", lng),
		zap.Float64("radius", radiusMeters),
		zap.Int("rows", len(out)),
	)
	return out, nil
}
