package sight

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockIndex(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresIndex) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewPostgresIndex(db, zap.NewNop())
}

func TestPostgresIndex_Nearby(t *testing.T) {
	_, mock, idx := setupMockIndex(t)

	rows := sqlmock.NewRows([]string{"id", "name", "address", "lat", "lng", "night_signage", "distance_m"}).
		AddRow("east", "Tower A", "1 East St", 37.5, 127.000566, true, 49.9).
		AddRow("north", "North Hall", "", 37.5005, 127.0, false, 55.6)
	mock.ExpectQuery(nearbyQuery).
		WithArgs(37.5, 127.0, 200.0, DefaultIndexLimit).
		WillReturnRows(rows)

	got, err := idx.Nearby(context.Background(), 37.5, 127.0, 200)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "east", got[0].ID)
	assert.Equal(t, "1 East St", got[0].Address)
	assert.Equal(t, 49.9, got[0].DistanceMeters)
	assert.True(t, got[0].NightSignage)
	assert.False(t, got[1].NightSignage)
	assert.InDelta(t, 90, got[0].BearingDegrees, 0.5)
	assert.InDelta(t, 0, got[1].BearingDegrees, 0.5)
	assert.Equal(t, "postgis", idx.Name())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIndex_NearbyEmpty(t *testing.T) {
	_, mock, idx := setupMockIndex(t)
	mock.ExpectQuery(nearbyQuery).
		WithArgs(1.0, 2.0, 50.0, DefaultIndexLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "address", "lat", "lng", "night_signage", "distance_m"}))

	got, err := idx.Nearby(context.Background(), 1, 2, 50)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIndex_QueryError(t *testing.T) {
	_, mock, idx := setupMockIndex(t)
	mock.ExpectQuery(nearbyQuery).WillReturnError(errors.New("relation \"buildings\" does not exist"))

	_, err := idx.Nearby(context.Background(), 1, 2, 50)
	assert.ErrorContains(t, err, "querying nearby buildings")
}

func TestPostgresIndex_ScanError(t *testing.T) {
	_, mock, idx := setupMockIndex(t)
	rows := sqlmock.NewRows([]string{"id", "name", "address", "lat", "lng", "night_signage", "distance_m"}).
		AddRow("x", "X", "", "not-a-number", 127.0, false, 1.0)
	mock.ExpectQuery(nearbyQuery).WillReturnRows(rows)

	_, err := idx.Nearby(context.Background(), 37.5, 127, 50)
	assert.ErrorContains(t, err, "scanning building row")
}

func TestPostgresIndex_RowError(t *testing.T) {
	_, mock, idx := setupMockIndex(t)
	rows := sqlmock.NewRows([]string{"id", "name", "address", "lat", "lng", "night_signage", "distance_m"}).
		AddRow("x", "X", "", 37.5, 127.0, false, 1.0).
		RowError(0, errors.New("connection reset"))
	mock.ExpectQuery(nearbyQuery).WillReturnRows(rows)

	_, err := idx.Nearby(context.Background(), 37.5, 127, 50)
	assert.ErrorContains(t, err, "iterating building rows")
}
