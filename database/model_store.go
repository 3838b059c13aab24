package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"waste-pricing/model"
)

const (
	defaultStoreAttempts = 3
	defaultStoreBackoff  = 200 * time.Millisecond
)

// ModelStore keeps every trained snapshot; the newest one is loaded on
// startup.
type ModelStore struct {
	db       *sql.DB
	attempts int
	backoff  time.Duration
}

// ModelVersion summarizes one stored snapshot.
type ModelVersion struct {
	Version     string    `json:"version"`
	TrainedAt   time.Time `json:"trained_at"`
	RSquared    float64   `json:"r_squared"`
	SampleCount int       `json:"sample_count"`
}

func NewModelStore(d *Database) *ModelStore {
	return &ModelStore{
		db:       d.db,
		attempts: defaultStoreAttempts,
		backoff:  defaultStoreBackoff,
	}
}

func (s *ModelStore) Save(ctx context.Context, state *model.ModelState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &model.PersistenceError{Op: "save", Err: err}
	}
	return s.withRetry(ctx, "save", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pricing_model_states (version, trained_at, r_squared, sample_count, state_json) VALUES (?, ?, ?, ?, ?)`,
			state.Version, state.TrainedAt.UnixMilli(), state.RSquared, state.SampleCount, string(data))
		return err
	})
}

func (s *ModelStore) Load(ctx context.Context) (*model.ModelState, error) {
	var data string
	err := s.withRetry(ctx, "load", func() error {
		err := s.db.QueryRowContext(ctx,
			`SELECT state_json FROM pricing_model_states ORDER BY trained_at DESC LIMIT 1`).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if data == "" {
		return nil, model.ErrNoState
	}

	var state model.ModelState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, &model.PersistenceError{Op: "load", Err: fmt.Errorf("corrupt state: %w", err)}
	}
	return &state, nil
}

// History lists stored snapshots, newest first.
func (s *ModelStore) History(ctx context.Context, limit int) ([]ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, trained_at, r_squared, sample_count FROM pricing_model_states ORDER BY trained_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query model history: %w", err)
	}
	defer rows.Close()

	var versions []ModelVersion
	for rows.Next() {
		var v ModelVersion
		var trainedAt int64
		if err := rows.Scan(&v.Version, &trainedAt, &v.RSquared, &v.SampleCount); err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}
		v.TrainedAt = time.UnixMilli(trainedAt).UTC()
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read model history: %w", err)
	}
	return versions, nil
}

// withRetry runs fn up to s.attempts times with doubling backoff. The last
// error is returned as a PersistenceError.
func (s *ModelStore) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		log.Warnf("Model state %s failed (attempt %d/%d), retrying in %v: %v", op, attempt, s.attempts, wait, err)
		select {
		case <-ctx.Done():
			return &model.PersistenceError{Op: op, Err: ctx.Err()}
		case <-time.After(wait):
		}
		wait *= 2
	}
	return &model.PersistenceError{Op: op, Err: err}
}
