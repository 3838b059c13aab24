package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"waste-pricing/features"
	"waste-pricing/recommend"
	"waste-pricing/signals"
)

// SavePricingFeatures records the features and recommendation a request was
// priced with. Once the request completes with a paid reward the row becomes
// a training record.
func (d *Database) SavePricingFeatures(ctx context.Context, requestID string, v features.Vector, rec *recommend.PricingRecommendation) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_pricing_features WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("failed to replace pricing features of %s: %w", requestID, err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO request_pricing_features (
		request_id, waste_type_id, estimated_weight, estimated_volume, urgency_level,
		location_risk, seasonal_factor, historical_demand,
		suggested_reward_money, suggested_reward_points, confidence_score, source, model_version, priced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		requestID, int(v.WasteTypeID), v.EstimatedWeight, v.EstimatedVolume, int(v.UrgencyLevel),
		v.LocationRisk, v.SeasonalFactor, v.HistoricalDemand,
		rec.SuggestedRewardMoney, rec.SuggestedRewardPoints, rec.ConfidenceScore, string(rec.Source), rec.ModelVersion,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save pricing features of %s: %w", requestID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pricing features of %s: %w", requestID, err)
	}
	return nil
}

// TrainingData returns the most recent completed requests that were paid a
// reward, joined with the features captured when they were priced.
func (d *Database) TrainingData(ctx context.Context, limit int) ([]features.TrainingRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT f.waste_type_id, f.estimated_weight, f.estimated_volume, f.urgency_level,
		f.location_risk, f.seasonal_factor, f.historical_demand, r.reward_money
	FROM request_pricing_features f
	JOIN cleanup_requests r ON r.id = f.request_id
	WHERE r.status = 'completed' AND r.reward_money IS NOT NULL
	ORDER BY f.priced_at DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training data: %w", err)
	}
	defer rows.Close()

	var records []features.TrainingRecord
	for rows.Next() {
		var r features.TrainingRecord
		err := rows.Scan(
			&r.Features.WasteTypeID,
			&r.Features.EstimatedWeight,
			&r.Features.EstimatedVolume,
			&r.Features.UrgencyLevel,
			&r.Features.LocationRisk,
			&r.Features.SeasonalFactor,
			&r.Features.HistoricalDemand,
			&r.RewardMoney,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan training record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read training data: %w", err)
	}
	return records, nil
}

// CountRequestsInRect counts cleanup requests filed inside the box since the
// given time. created_at holds unix seconds, like priced_at.
func (d *Database) CountRequestsInRect(ctx context.Context, latMin, latMax, lonMin, lonMax float64, since time.Time) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM cleanup_requests
	WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ? AND created_at >= ?`,
		latMin, latMax, lonMin, lonMax, since.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

// RiskZones loads every risk zone with its GeoJSON geometry.
func (d *Database) RiskZones(ctx context.Context) ([]signals.RiskZone, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, level, geometry FROM risk_zones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk zones: %w", err)
	}
	defer rows.Close()

	var zones []signals.RiskZone
	for rows.Next() {
		var zone signals.RiskZone
		var geometry string
		if err := rows.Scan(&zone.ID, &zone.Name, &zone.Level, &geometry); err != nil {
			return nil, fmt.Errorf("failed to scan risk zone: %w", err)
		}
		zone.Geometry, err = geojson.UnmarshalGeometry([]byte(geometry))
		if err != nil {
			return nil, fmt.Errorf("risk zone %d has invalid geometry: %w", zone.ID, err)
		}
		zones = append(zones, zone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read risk zones: %w", err)
	}
	return zones, nil
}

// SaveRiskZone inserts or replaces one zone.
func (d *Database) SaveRiskZone(ctx context.Context, zone signals.RiskZone) error {
	geometry, err := zone.Geometry.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode geometry of risk zone %d: %w", zone.ID, err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_zones WHERE id = ?`, zone.ID); err != nil {
		return fmt.Errorf("failed to replace risk zone %d: %w", zone.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO risk_zones (id, name, level, geometry) VALUES (?, ?, ?, ?)`,
		zone.ID, zone.Name, zone.Level, string(geometry)); err != nil {
		return fmt.Errorf("failed to save risk zone %d: %w", zone.ID, err)
	}
	return tx.Commit()
}

// TrainingRecordCount is the number of completed, paid requests available
// for training.
func (d *Database) TrainingRecordCount(ctx context.Context) (int, error) {
	var count sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM request_pricing_features f
	JOIN cleanup_requests r ON r.id = f.request_id
	WHERE r.status = 'completed' AND r.reward_money IS NOT NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count training records: %w", err)
	}
	return int(count.Int64), nil
}
