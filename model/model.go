package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"waste-pricing/features"
)

const (
	DefaultMinRecords = 30
	DefaultRidge      = 0.01
)

// State is the lifecycle tag of a Model.
type State int32

const (
	Untrained State = iota
	Training
	Trained
)

func (s State) String() string {
	switch s {
	case Training:
		return "training"
	case Trained:
		return "trained"
	}
	return "untrained"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Estimate is a prediction together with the snapshot signals the
// recommendation needs. All fields come from the same snapshot.
type Estimate struct {
	Amount      float64
	FitQuality  float64
	Importances map[string]float64
	Version     string
}

// Model is the pricing regression. Readers load the current snapshot through
// an atomic pointer and never wait for a training run.
type Model struct {
	minRecords int
	ridge      float64
	store      Store

	trainMu sync.Mutex
	state   atomic.Int32
	current atomic.Pointer[ModelState]
}

type Option func(*Model)

func WithMinRecords(n int) Option {
	return func(m *Model) { m.minRecords = n }
}

func WithRidge(lambda float64) Option {
	return func(m *Model) { m.ridge = lambda }
}

// WithStore saves every successful training run before it is published.
func WithStore(s Store) Option {
	return func(m *Model) { m.store = s }
}

func New(opts ...Option) *Model {
	m := &Model{
		minRecords: DefaultMinRecords,
		ridge:      DefaultRidge,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) IsTrained() bool {
	return m.current.Load() != nil
}

func (m *Model) State() State {
	return State(m.state.Load())
}

// Snapshot returns the current fitted state, nil when untrained.
func (m *Model) Snapshot() *ModelState {
	return m.current.Load()
}

func (m *Model) MinRecords() int {
	return m.minRecords
}

func (m *Model) Predict(v features.Vector) (float64, error) {
	s := m.current.Load()
	if s == nil {
		return 0, ErrModelNotTrained
	}
	return s.Predict(v), nil
}

func (m *Model) Estimate(v features.Vector) (Estimate, error) {
	s := m.current.Load()
	if s == nil {
		return Estimate{}, ErrModelNotTrained
	}
	return Estimate{
		Amount:      s.Predict(v),
		FitQuality:  s.FitQuality(),
		Importances: s.Importances,
		Version:     s.Version,
	}, nil
}

// Train fits a new snapshot and publishes it only after the store accepted
// it. On any failure the previous snapshot stays in place.
func (m *Model) Train(ctx context.Context, records []features.TrainingRecord) (*ModelState, error) {
	if !m.trainMu.TryLock() {
		return nil, ErrTrainingInProgress
	}
	defer m.trainMu.Unlock()

	m.state.Store(int32(Training))
	defer m.settle()

	if len(records) < m.minRecords {
		return nil, &InsufficientDataError{Got: len(records), Required: m.minRecords}
	}

	start := time.Now()
	state, err := fit(ctx, records, m.ridge)
	if err != nil {
		return nil, fmt.Errorf("failed to fit pricing model: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.Save(ctx, state); err != nil {
			var perr *PersistenceError
			if !errors.As(err, &perr) {
				err = &PersistenceError{Op: "save", Err: err}
			}
			return nil, err
		}
	}

	m.current.Store(state)
	log.Infof("Pricing model %s trained on %d records in %v, r2=%.3f rmse=%.2f",
		state.Version, state.SampleCount, time.Since(start), state.RSquared, state.RMSE)
	return state, nil
}

// LoadFrom restores the last saved snapshot. A missing or unreadable state
// leaves the model as it is; the failure is logged, not returned.
func (m *Model) LoadFrom(ctx context.Context, store Store) bool {
	state, err := store.Load(ctx)
	if errors.Is(err, ErrNoState) {
		log.Info("No persisted pricing model, starting untrained")
		return false
	}
	if err != nil {
		log.Errorf("Failed to load pricing model: %v", err)
		return false
	}
	if err := state.Validate(); err != nil {
		log.Errorf("Ignoring persisted pricing model: %v", err)
		return false
	}

	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	m.current.Store(state)
	m.settle()
	log.Infof("Loaded pricing model %s trained at %s", state.Version, state.TrainedAt.Format(time.RFC3339))
	return true
}

func (m *Model) settle() {
	if m.current.Load() != nil {
		m.state.Store(int32(Trained))
	} else {
		m.state.Store(int32(Untrained))
	}
}
