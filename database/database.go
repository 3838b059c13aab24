package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"waste-pricing/config"
)

// Database wraps the SQL connection shared by the pricing stores. The SQL it
// issues is kept to the subset MySQL and SQLite both accept.
type Database struct {
	db *sql.DB
}

// NewDatabase connects to MySQL, retrying the initial ping with exponential
// backoff until the server answers.
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	waitInterval := 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		}
		log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, err)
		time.Sleep(waitInterval)
		if waitInterval < time.Minute {
			waitInterval *= 2
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// OpenSQLite opens a local state file, or a private in-memory database for
// ":memory:".
func OpenSQLite(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// One connection: SQLite has a single writer and each in-memory
	// connection is its own database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	return &Database{db: db}, nil
}

// New wraps an existing connection.
func New(db *sql.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Close() error {
	return d.db.Close()
}

var tables = []struct {
	name  string
	query string
}{
	{"pricing_model_states", `
	CREATE TABLE IF NOT EXISTS pricing_model_states (
		version VARCHAR(36) NOT NULL PRIMARY KEY,
		trained_at BIGINT NOT NULL,
		r_squared DOUBLE NOT NULL,
		sample_count INT NOT NULL,
		state_json MEDIUMTEXT NOT NULL
	)`},
	{"request_pricing_features", `
	CREATE TABLE IF NOT EXISTS request_pricing_features (
		request_id VARCHAR(255) NOT NULL PRIMARY KEY,
		waste_type_id INT NOT NULL,
		estimated_weight DOUBLE NOT NULL,
		estimated_volume DOUBLE NOT NULL,
		urgency_level INT NOT NULL,
		location_risk DOUBLE NOT NULL,
		seasonal_factor DOUBLE NOT NULL,
		historical_demand DOUBLE NOT NULL,
		suggested_reward_money DOUBLE NOT NULL,
		suggested_reward_points BIGINT NOT NULL,
		confidence_score DOUBLE NOT NULL,
		source VARCHAR(16) NOT NULL,
		model_version VARCHAR(36) NOT NULL DEFAULT '',
		priced_at BIGINT NOT NULL
	)`},
	{"risk_zones", `
	CREATE TABLE IF NOT EXISTS risk_zones (
		id BIGINT NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		level DOUBLE NOT NULL,
		geometry MEDIUMTEXT NOT NULL
	)`},
}

// CreateTables creates the tables owned by the pricing service.
func (d *Database) CreateTables(ctx context.Context) error {
	for _, t := range tables {
		if _, err := d.db.ExecContext(ctx, t.query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}
	log.Info("Pricing tables created/verified successfully")
	return nil
}
