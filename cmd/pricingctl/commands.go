package main

import (
	"encoding/json"
	"fmt"
	"os"

	geojson "github.com/paulmach/go.geojson"
	"github.com/urfave/cli/v2"

	"waste-pricing/database"
	"waste-pricing/features"
	"waste-pricing/model"
	"waste-pricing/recommend"
	"waste-pricing/signals"
	"waste-pricing/waste"
)

// openState opens the state file and makes sure its tables exist.
func openState(c *cli.Context) (*database.Database, error) {
	db, err := database.OpenSQLite(c.String("state-db"))
	if err != nil {
		return nil, err
	}
	if err := db.CreateTables(c.Context); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func trainCommand() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Fit the pricing model on completed requests and save it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "records",
				Aliases:  []string{"r"},
				Usage:    "JSON array of training records",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "min-records",
				Value: model.DefaultMinRecords,
				Usage: "Minimum number of records required to train",
			},
		},
		Action: runTrain,
	}
}

func runTrain(c *cli.Context) error {
	var records []features.TrainingRecord
	if err := readJSON(c.String("records"), &records); err != nil {
		return err
	}

	db, err := openState(c)
	if err != nil {
		return err
	}
	defer db.Close()

	m := model.New(model.WithMinRecords(c.Int("min-records")), model.WithStore(database.NewModelStore(db)))
	state, err := m.Train(c.Context, records)
	if err != nil {
		return err
	}
	return printJSON(c, state)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the latest saved model and its predecessors",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "history",
				Value: 10,
				Usage: "Number of saved versions to list",
			},
		},
		Action: runStatus,
	}
}

func runStatus(c *cli.Context) error {
	db, err := openState(c)
	if err != nil {
		return err
	}
	defer db.Close()

	store := database.NewModelStore(db)
	m := model.New()
	m.LoadFrom(c.Context, store)
	versions, err := store.History(c.Context, c.Int("history"))
	if err != nil {
		return err
	}

	status := struct {
		State    string                  `json:"state"`
		Current  *model.ModelState       `json:"current,omitempty"`
		Versions []database.ModelVersion `json:"versions"`
	}{
		State:    m.State().String(),
		Current:  m.Snapshot(),
		Versions: versions,
	}
	return printJSON(c, status)
}

func recommendCommand() *cli.Command {
	return &cli.Command{
		Name:  "recommend",
		Usage: "Price an aggregated analysis with the saved model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "analysis",
				Aliases:  []string{"a"},
				Usage:    "JSON file with an aggregated waste analysis",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "urgency",
				Value: "medium",
				Usage: "Urgency (low, medium, high)",
			},
			&cli.Float64Flag{
				Name:  "risk",
				Value: features.MinLocationRisk,
				Usage: "Location risk between 1 and 5",
			},
			&cli.Float64Flag{
				Name:  "season",
				Value: 1,
				Usage: "Seasonal factor between 0.8 and 1.2",
			},
			&cli.Float64Flag{
				Name:  "demand",
				Usage: "Historical weekly demand of the area",
			},
			&cli.Float64Flag{
				Name:  "min-reward",
				Value: recommend.DefaultConfig().MinReward,
				Usage: "Lower bound of the suggested reward",
			},
			&cli.Float64Flag{
				Name:  "max-reward",
				Value: recommend.DefaultConfig().MaxReward,
				Usage: "Upper bound of the suggested reward",
			},
		},
		Action: runRecommend,
	}
}

func runRecommend(c *cli.Context) error {
	var agg waste.AggregatedWasteAnalysis
	if err := readJSON(c.String("analysis"), &agg); err != nil {
		return err
	}
	urgency, err := features.ParseUrgency(c.String("urgency"))
	if err != nil {
		return err
	}

	db, err := openState(c)
	if err != nil {
		return err
	}
	defer db.Close()

	m := model.New()
	m.LoadFrom(c.Context, database.NewModelStore(db))

	cfg := recommend.DefaultConfig()
	cfg.MinReward = c.Float64("min-reward")
	cfg.MaxReward = c.Float64("max-reward")
	rec, err := recommend.NewComposer(cfg, m).Compose(agg, features.RequestContext{
		Urgency:          urgency,
		LocationRisk:     c.Float64("risk"),
		SeasonalFactor:   c.Float64("season"),
		HistoricalDemand: c.Float64("demand"),
	})
	if err != nil {
		return err
	}
	return printJSON(c, rec)
}

func zonesCommand() *cli.Command {
	return &cli.Command{
		Name:  "zones",
		Usage: "Manage location risk zones",
		Subcommands: []*cli.Command{
			{
				Name:  "import",
				Usage: "Import a GeoJSON FeatureCollection with id, name and level properties",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "GeoJSON file",
						Required: true,
					},
				},
				Action: runZonesImport,
			},
			{
				Name:  "risk",
				Usage: "Show the risk level of a location",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "lat", Required: true},
					&cli.Float64Flag{Name: "lon", Required: true},
					&cli.Float64Flag{Name: "default", Value: features.MinLocationRisk, Usage: "Risk outside every zone"},
				},
				Action: runZonesRisk,
			},
		},
	}
}

func runZonesImport(c *cli.Context) error {
	data, err := os.ReadFile(c.String("file"))
	if err != nil {
		return err
	}
	zones, err := zonesFromGeoJSON(data)
	if err != nil {
		return err
	}
	// Reject the whole file before anything is written.
	if _, err := signals.NewRiskIndex(zones, features.MinLocationRisk); err != nil {
		return err
	}

	db, err := openState(c)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, zone := range zones {
		if err := db.SaveRiskZone(c.Context, zone); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.Writer, "Imported %d risk zones\n", len(zones))
	return nil
}

func runZonesRisk(c *cli.Context) error {
	db, err := openState(c)
	if err != nil {
		return err
	}
	defer db.Close()

	zones, err := db.RiskZones(c.Context)
	if err != nil {
		return err
	}
	idx, err := signals.NewRiskIndex(zones, c.Float64("default"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%g\n", idx.Risk(c.Float64("lat"), c.Float64("lon")))
	return nil
}

// zonesFromGeoJSON reads risk zones from feature properties. The id falls
// back to the feature's position in the collection.
func zonesFromGeoJSON(data []byte) ([]signals.RiskZone, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feature collection: %w", err)
	}

	zones := make([]signals.RiskZone, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("feature %d has no geometry", i)
		}
		level, ok := f.Properties["level"].(float64)
		if !ok {
			return nil, fmt.Errorf("feature %d has no numeric level", i)
		}
		zone := signals.RiskZone{
			ID:       uint64(i + 1),
			Level:    level,
			Geometry: f.Geometry,
		}
		if id, ok := f.Properties["id"].(float64); ok && id > 0 {
			zone.ID = uint64(id)
		}
		if name, ok := f.Properties["name"].(string); ok {
			zone.Name = name
		}
		zones = append(zones, zone)
	}
	return zones, nil
}
