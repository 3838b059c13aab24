package model

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"waste-pricing/features"
)

// syntheticRecords follows reward = 10 + 2*weight + 5*urgency + 3*risk.
func syntheticRecords(n int) []features.TrainingRecord {
	records := make([]features.TrainingRecord, n)
	for i := range records {
		v := features.Vector{
			WasteTypeID:      float64(i%6 + 1),
			EstimatedWeight:  float64(i%10 + 1),
			EstimatedVolume:  float64(i%4) * 0.1,
			UrgencyLevel:     float64(i%3 + 1),
			LocationRisk:     float64(i%5 + 1),
			SeasonalFactor:   0.8 + 0.1*float64((i/5)%5),
			HistoricalDemand: float64(i % 7),
		}
		records[i] = features.TrainingRecord{
			Features:    v,
			RewardMoney: 10 + 2*v.EstimatedWeight + 5*v.UrgencyLevel + 3*v.LocationRisk,
		}
	}
	return records
}

type memoryStore struct {
	mu      sync.Mutex
	saved   []*ModelState
	saveErr error
	loadErr error
	// gate, when set, blocks Save until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (s *memoryStore) Load(ctx context.Context) (*ModelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if len(s.saved) == 0 {
		return nil, ErrNoState
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *memoryStore) Save(ctx context.Context, state *ModelState) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, state)
	return nil
}

func TestTrainAndPredict(t *testing.T) {
	m := New()
	assert.False(t, m.IsTrained())
	assert.Equal(t, Untrained, m.State())

	records := syntheticRecords(60)
	state, err := m.Train(context.Background(), records)
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.True(t, m.IsTrained())
	assert.Equal(t, Trained, m.State())
	assert.Equal(t, 60, state.SampleCount)
	assert.Greater(t, state.RSquared, 0.99)
	assert.NotEmpty(t, state.Version)

	for _, i := range []int{0, 7, 23, 59} {
		got, err := m.Predict(records[i].Features)
		require.NoError(t, err)
		assert.InDelta(t, records[i].RewardMoney, got, 0.1, "record %d", i)
	}

	var total float64
	for _, w := range state.Importances {
		assert.GreaterOrEqual(t, w, 0.0)
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Greater(t, state.Importances["weight"], state.Importances["waste_type"])
	assert.Greater(t, state.Importances["urgency"], state.Importances["historical_demand"])
}

func TestPredictIsDeterministic(t *testing.T) {
	m := New()
	_, err := m.Train(context.Background(), syntheticRecords(40))
	require.NoError(t, err)

	v := syntheticRecords(40)[11].Features
	first, err := m.Predict(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := m.Predict(v)
		require.NoError(t, err)
		assert.Equal(t, math.Float64bits(first), math.Float64bits(again))
	}
}

func TestPredictUntrained(t *testing.T) {
	m := New()
	_, err := m.Predict(features.Vector{})
	assert.ErrorIs(t, err, ErrModelNotTrained)
	_, err = m.Estimate(features.Vector{})
	assert.ErrorIs(t, err, ErrModelNotTrained)
}

func TestTrainInsufficientData(t *testing.T) {
	testCases := []struct {
		name       string
		pretrained bool
	}{
		{name: "untrained model stays untrained", pretrained: false},
		{name: "trained model keeps its snapshot", pretrained: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			m := New()
			var before *ModelState
			if testCase.pretrained {
				var err error
				before, err = m.Train(context.Background(), syntheticRecords(30))
				require.NoError(t, err)
			}

			_, err := m.Train(context.Background(), syntheticRecords(10))
			var ierr *InsufficientDataError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, 10, ierr.Got)
			assert.Equal(t, DefaultMinRecords, ierr.Required)

			assert.Equal(t, testCase.pretrained, m.IsTrained())
			assert.Same(t, before, m.Snapshot())
			if testCase.pretrained {
				assert.Equal(t, Trained, m.State())
			} else {
				assert.Equal(t, Untrained, m.State())
			}
		})
	}
}

func TestTrainRejectsNonFiniteRecords(t *testing.T) {
	records := syntheticRecords(30)
	records[4].RewardMoney = math.Inf(1)

	m := New()
	_, err := m.Train(context.Background(), records)
	var verr *features.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reward_money", verr.Field)
	assert.False(t, m.IsTrained())
}

func TestTrainConstantFeature(t *testing.T) {
	records := syntheticRecords(30)
	for i := range records {
		records[i].Features.SeasonalFactor = 1
	}
	m := New()
	state, err := m.Train(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Coefficients[5])
	assert.Equal(t, 0.0, state.Importances["season"])
}

func TestTrainCancelledKeepsSnapshot(t *testing.T) {
	m := New()
	before, err := m.Train(context.Background(), syntheticRecords(30))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Train(ctx, syntheticRecords(50))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, m.Snapshot())
	assert.Equal(t, Trained, m.State())
}

func TestTrainSaveFailureKeepsSnapshot(t *testing.T) {
	store := &memoryStore{}
	m := New(WithStore(store))
	before, err := m.Train(context.Background(), syntheticRecords(30))
	require.NoError(t, err)
	require.Len(t, store.saved, 1)

	store.saveErr = errors.New("disk full")
	_, err = m.Train(context.Background(), syntheticRecords(45))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)
	assert.Same(t, before, m.Snapshot())
	assert.Equal(t, Trained, m.State())
}

func TestConcurrentTrainAndPredict(t *testing.T) {
	store := &memoryStore{}
	m := New(WithStore(store))
	before, err := m.Train(context.Background(), syntheticRecords(30))
	require.NoError(t, err)

	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	var after *ModelState
	var trainErr error
	go func() {
		defer wg.Done()
		records := syntheticRecords(60)
		for i := range records {
			records[i].RewardMoney *= 2
		}
		after, trainErr = m.Train(context.Background(), records)
	}()

	// The new snapshot is fitted and waiting on the store.
	<-store.entered
	assert.Equal(t, Training, m.State())

	v := syntheticRecords(30)[3].Features
	want := before.Predict(v)
	for i := 0; i < 100; i++ {
		got, err := m.Predict(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = m.Train(context.Background(), syntheticRecords(30))
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	close(store.gate)
	wg.Wait()
	require.NoError(t, trainErr)
	assert.Same(t, after, m.Snapshot())
	assert.Equal(t, Trained, m.State())

	got, err := m.Predict(v)
	require.NoError(t, err)
	assert.InDelta(t, 2*want, got, 0.5)
}

func TestLoadFrom(t *testing.T) {
	trained := New()
	state, err := trained.Train(context.Background(), syntheticRecords(30))
	require.NoError(t, err)

	broken := *state
	broken.Coefficients = []float64{1, 2}

	testCases := []struct {
		name     string
		store    *memoryStore
		expected bool
	}{
		{name: "empty store", store: &memoryStore{}, expected: false},
		{name: "load failure", store: &memoryStore{loadErr: &PersistenceError{Op: "load", Err: errors.New("timeout")}}, expected: false},
		{name: "schema mismatch", store: &memoryStore{saved: []*ModelState{&broken}}, expected: false},
		{name: "valid state", store: &memoryStore{saved: []*ModelState{state}}, expected: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			m := New()
			loaded := m.LoadFrom(context.Background(), testCase.store)
			assert.Equal(t, testCase.expected, loaded)
			assert.Equal(t, testCase.expected, m.IsTrained())
			if testCase.expected {
				assert.Equal(t, Trained, m.State())
				assert.Equal(t, state.Version, m.Snapshot().Version)
			} else {
				assert.Equal(t, Untrained, m.State())
			}
		})
	}
}

func TestEstimateReadsOneSnapshot(t *testing.T) {
	m := New()
	state, err := m.Train(context.Background(), syntheticRecords(30))
	require.NoError(t, err)

	est, err := m.Estimate(syntheticRecords(30)[2].Features)
	require.NoError(t, err)
	assert.Equal(t, state.Version, est.Version)
	assert.Equal(t, state.FitQuality(), est.FitQuality)
	assert.Equal(t, state.Importances, est.Importances)
	assert.WithinDuration(t, time.Now(), state.TrainedAt, time.Minute)
}

func TestSolveRidge(t *testing.T) {
	a := mat.NewSymDense(2, []float64{3, 2, 2, 2})
	x, err := solveRidge(a, []float64{10, 8}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, x[0], 1e-12)
	assert.InDelta(t, 1.5, x[1], 1e-12)
	// The input matrix is left untouched.
	assert.Equal(t, 3.0, a.At(0, 0))

	_, err = solveRidge(mat.NewSymDense(2, nil), []float64{1, 1}, 0)
	assert.ErrorIs(t, err, errNotPositiveDefinite)
}

func TestFitMatchesClosedForm(t *testing.T) {
	state, err := fit(context.Background(), syntheticRecords(60), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, state.RSquared, 1e-9)
	assert.InDelta(t, 0.0, state.RMSE, 1e-9)
	for i, r := range syntheticRecords(60) {
		assert.InDelta(t, r.RewardMoney, state.Predict(r.Features), 1e-6, "record %d", i)
	}

	_, err = fit(context.Background(), nil, DefaultRidge)
	var insufficient *InsufficientDataError
	assert.ErrorAs(t, err, &insufficient)
}
