package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"speedtest-orchestrator/pkg/models"
)

func (db *DB) InsertMeasurement(ctx context.Context, measurement *models.Measurement) error {
	_, err := db.NewInsert().
		Model(measurement).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting measurement: %w", err)
	}

	return nil
}

// RecentMeasurements returns up to limit measurements, newest first. An
// empty server name matches every server.
func (db *DB) RecentMeasurements(ctx context.Context, serverName string, limit int) ([]models.Measurement, error) {
	var measurements []models.Measurement
	if err := db.recentQuery(&measurements, serverName, limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("error retrieving measurements: %w", err)
	}

	return measurements, nil
}

func (db *DB) recentQuery(dest *[]models.Measurement, serverName string, limit int) *bun.SelectQuery {
	q := db.NewSelect().
		Model(dest).
		Order("time DESC").
		Limit(limit)
	if serverName != "" {
		q = q.Where("server_name = ?", serverName)
	}
	return q
}
