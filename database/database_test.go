package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
	geojson "github.com/paulmach/go.geojson"

	"waste-pricing/features"
	"waste-pricing/model"
	"waste-pricing/recommend"
	"waste-pricing/signals"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func testState() *model.ModelState {
	return &model.ModelState{
		Version:      "2f1f8a4e-8f0e-4a55-9c37-1f3c7b2d9a10",
		TrainedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		FeatureNames: features.FeatureNames,
		Means:        []float64{3, 4, 0.2, 2, 2.5, 1, 3},
		StdDevs:      []float64{1.7, 2.9, 0.1, 0.8, 1.4, 0.1, 2},
		Coefficients: []float64{0.1, 5.8, 0, 4.1, 4.2, 0, 0},
		Intercept:    31.5,
		RSquared:     0.93,
		RMSE:         2.1,
		SampleCount:  120,
		Importances:  map[string]float64{"weight": 0.4, "urgency": 0.3, "location_risk": 0.3},
	}
}

func testStore() *ModelStore {
	s := NewModelStore(New(db))
	s.backoff = time.Millisecond
	return s
}

func TestModelStoreSave(t *testing.T) {
	it(func() {
		testCases := []struct {
			name        string
			failures    int
			expectError bool
		}{
			{name: "first attempt", failures: 0},
			{name: "transient failure retried", failures: 2},
			{name: "persistent failure", failures: 3, expectError: true},
		}

		for _, testCase := range testCases {
			setUp()
			state := testState()
			for i := 0; i < testCase.failures; i++ {
				mock.ExpectExec("INSERT INTO pricing_model_states").
					WillReturnError(errors.New("connection reset"))
			}
			if testCase.failures < defaultStoreAttempts {
				mock.ExpectExec("INSERT INTO pricing_model_states").
					WithArgs(state.Version, state.TrainedAt.UnixMilli(), 0.93, 120, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			}

			err := testStore().Save(context.Background(), state)
			if testCase.expectError != (err != nil) {
				t.Errorf("%s, Save: expected error: %v, got error: %v", testCase.name, testCase.expectError, err)
			}
			var perr *model.PersistenceError
			if err != nil && !errors.As(err, &perr) {
				t.Errorf("%s, Save: expected PersistenceError, got %T", testCase.name, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("%s, there were unfulfilled expectations: %s", testCase.name, err)
			}
		}
	})
}

func TestModelStoreLoad(t *testing.T) {
	it(func() {
		stateJSON, _ := json.Marshal(testState())

		testCases := []struct {
			name        string
			rows        *sqlmock.Rows
			queryErr    error
			expectState bool
			expectedErr func(error) bool
		}{
			{
				name:        "latest state",
				rows:        sqlmock.NewRows([]string{"state_json"}).AddRow(string(stateJSON)),
				expectState: true,
			},
			{
				name:        "empty table",
				rows:        sqlmock.NewRows([]string{"state_json"}),
				expectedErr: func(err error) bool { return errors.Is(err, model.ErrNoState) },
			},
			{
				name: "corrupt state",
				rows: sqlmock.NewRows([]string{"state_json"}).AddRow("{not json"),
				expectedErr: func(err error) bool {
					var perr *model.PersistenceError
					return errors.As(err, &perr) && perr.Op == "load"
				},
			},
		}

		for _, testCase := range testCases {
			setUp()
			mock.ExpectQuery("SELECT state_json FROM pricing_model_states ORDER BY trained_at DESC LIMIT 1").
				WillReturnRows(testCase.rows)

			state, err := testStore().Load(context.Background())
			if testCase.expectState {
				if err != nil {
					t.Errorf("%s, Load: unexpected error %v", testCase.name, err)
					continue
				}
				if state.Version != testState().Version || state.Intercept != 31.5 || len(state.Coefficients) != 7 {
					t.Errorf("%s, Load: unexpected state %+v", testCase.name, state)
				}
				if err := state.Validate(); err != nil {
					t.Errorf("%s, Load: loaded state invalid: %v", testCase.name, err)
				}
			} else if !testCase.expectedErr(err) {
				t.Errorf("%s, Load: unexpected error %v", testCase.name, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("%s, there were unfulfilled expectations: %s", testCase.name, err)
			}
		}
	})
}

func TestTrainingData(t *testing.T) {
	it(func() {
		columns := []string{"waste_type_id", "estimated_weight", "estimated_volume", "urgency_level",
			"location_risk", "seasonal_factor", "historical_demand", "reward_money"}
		mock.ExpectQuery("SELECT (.+) FROM request_pricing_features f JOIN cleanup_requests r").
			WithArgs(500).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(1, 5.5, 0.2, 3, 4.0, 1.1, 2.5, 42.0).
				AddRow(6, 0.0, 0.0, 1, 1.0, 0.85, 0.0, 7.5))

		records, err := New(db).TrainingData(context.Background(), 500)
		if err != nil {
			t.Fatalf("TrainingData: unexpected error %v", err)
		}
		expected := []features.TrainingRecord{
			{Features: features.Vector{WasteTypeID: 1, EstimatedWeight: 5.5, EstimatedVolume: 0.2, UrgencyLevel: 3, LocationRisk: 4, SeasonalFactor: 1.1, HistoricalDemand: 2.5}, RewardMoney: 42},
			{Features: features.Vector{WasteTypeID: 6, UrgencyLevel: 1, LocationRisk: 1, SeasonalFactor: 0.85}, RewardMoney: 7.5},
		}
		if len(records) != len(expected) {
			t.Fatalf("TrainingData: expected %d records, got %d", len(expected), len(records))
		}
		for i := range expected {
			if records[i] != expected[i] {
				t.Errorf("TrainingData[%d]: expected %+v, got %+v", i, expected[i], records[i])
			}
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})
}

func TestSavePricingFeatures(t *testing.T) {
	it(func() {
		v := features.Vector{WasteTypeID: 2, EstimatedWeight: 3, EstimatedVolume: 0.1, UrgencyLevel: 2, LocationRisk: 3, SeasonalFactor: 1, HistoricalDemand: 1.5}
		rec := &recommend.PricingRecommendation{SuggestedRewardMoney: 37.5, SuggestedRewardPoints: 375, ConfidenceScore: 0.3, Source: recommend.SourceHeuristic}

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM request_pricing_features WHERE request_id = (.+)").
			WithArgs("req-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO request_pricing_features").
			WithArgs("req-1", 2, 3.0, 0.1, 2, 3.0, 1.0, 1.5, 37.5, int64(375), 0.3, "heuristic", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		if err := New(db).SavePricingFeatures(context.Background(), "req-1", v, rec); err != nil {
			t.Errorf("SavePricingFeatures: unexpected error %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})
}

func TestCountRequestsInRect(t *testing.T) {
	it(func() {
		since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM cleanup_requests").
			WithArgs(47.0, 47.1, 8.5, 8.6, since.Unix()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

		count, err := New(db).CountRequestsInRect(context.Background(), 47.0, 47.1, 8.5, 8.6, since)
		if err != nil {
			t.Fatalf("CountRequestsInRect: unexpected error %v", err)
		}
		if count != 17 {
			t.Errorf("CountRequestsInRect: expected 17, got %d", count)
		}
	})
}

func TestRiskZones(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT id, name, level, geometry FROM risk_zones").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "level", "geometry"}).
				AddRow(1, "harbour", 4.0, `{"type":"Polygon","coordinates":[[[8.5,47.3],[8.6,47.3],[8.6,47.4],[8.5,47.3]]]}`).
				AddRow(2, "old town", 2.0, `{"type":"MultiPolygon","coordinates":[[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.8]]]]}`))

		zones, err := New(db).RiskZones(context.Background())
		if err != nil {
			t.Fatalf("RiskZones: unexpected error %v", err)
		}
		if len(zones) != 2 {
			t.Fatalf("RiskZones: expected 2 zones, got %d", len(zones))
		}
		if !zones[0].Geometry.IsPolygon() || !zones[1].Geometry.IsMultiPolygon() {
			t.Errorf("RiskZones: unexpected geometry types %s, %s", zones[0].Geometry.Type, zones[1].Geometry.Type)
		}
		if zones[0].Name != "harbour" || zones[0].Level != 4 {
			t.Errorf("RiskZones: unexpected zone %+v", zones[0])
		}
		if _, err := signals.NewRiskIndex(zones, 1); err != nil {
			t.Errorf("NewRiskIndex: unexpected error %v", err)
		}
	})
}

func TestSQLiteRoundTrip(t *testing.T) {
	d, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	// Idempotent.
	if err := d.CreateTables(ctx); err != nil {
		t.Fatalf("CreateTables again: %v", err)
	}

	store := NewModelStore(d)
	if _, err := store.Load(ctx); !errors.Is(err, model.ErrNoState) {
		t.Fatalf("Load on empty store: expected ErrNoState, got %v", err)
	}

	older := testState()
	newer := testState()
	newer.Version = "9b0c7a9e-1d52-4c8e-8b53-5d6f0f5a2e77"
	newer.TrainedAt = older.TrainedAt.Add(time.Hour)
	newer.RSquared = 0.97
	for _, s := range []*model.ModelState{newer, older} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("Save %s: %v", s.Version, err)
		}
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Version != newer.Version {
		t.Errorf("Load: expected newest version %s, got %s", newer.Version, loaded.Version)
	}

	history, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Version != newer.Version || !history[1].TrainedAt.Equal(older.TrainedAt) {
		t.Errorf("History: unexpected %+v", history)
	}

	zone := signals.RiskZone{
		ID:    7,
		Name:  "river bank",
		Level: 5,
		Geometry: geojson.NewPolygonGeometry([][][]float64{{
			{8.5, 47.3}, {8.6, 47.3}, {8.6, 47.4}, {8.5, 47.4}, {8.5, 47.3},
		}}),
	}
	if err := d.SaveRiskZone(ctx, zone); err != nil {
		t.Fatalf("SaveRiskZone: %v", err)
	}
	zone.Level = 4
	if err := d.SaveRiskZone(ctx, zone); err != nil {
		t.Fatalf("SaveRiskZone again: %v", err)
	}
	zones, err := d.RiskZones(ctx)
	if err != nil {
		t.Fatalf("RiskZones: %v", err)
	}
	if len(zones) != 1 || zones[0].Level != 4 || zones[0].ID != 7 {
		t.Errorf("RiskZones: unexpected %+v", zones)
	}
}

func TestSQLiteCountRequestsInRect(t *testing.T) {
	d, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	// The platform owns this table; created_at holds unix seconds.
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE cleanup_requests (
		id TEXT PRIMARY KEY, status TEXT, reward_money REAL,
		latitude REAL, longitude REAL, created_at INTEGER)`); err != nil {
		t.Fatalf("create cleanup_requests: %v", err)
	}
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		id       string
		lat, lon float64
		created  time.Time
	}{
		{"recent", 47.05, 8.55, since.Add(time.Hour)},
		{"boundary", 47.05, 8.55, since},
		{"old", 47.05, 8.55, since.Add(-time.Hour)},
		{"elsewhere", 48.0, 8.55, since.Add(time.Hour)},
	}
	for _, r := range rows {
		if _, err := d.db.ExecContext(ctx, `INSERT INTO cleanup_requests (id, status, latitude, longitude, created_at)
			VALUES (?, 'open', ?, ?, ?)`, r.id, r.lat, r.lon, r.created.Unix()); err != nil {
			t.Fatalf("insert %s: %v", r.id, err)
		}
	}

	count, err := d.CountRequestsInRect(ctx, 47.0, 47.1, 8.5, 8.6, since)
	if err != nil {
		t.Fatalf("CountRequestsInRect: unexpected error %v", err)
	}
	if count != 2 {
		t.Errorf("CountRequestsInRect: expected 2, got %d", count)
	}
}
