// pricingctl is the operator tool for the waste pricing model.
//
// Usage:
//
//	pricingctl train --records records.json --state-db pricing.sqlite
//	pricingctl status --state-db pricing.sqlite
//	pricingctl recommend --analysis analysis.json --urgency high
//	pricingctl zones import --file zones.geojson
package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "pricingctl",
		Usage:   "Train, inspect and query the cleanup reward pricing model",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-db",
				Value:   "pricing.sqlite",
				Usage:   "SQLite file holding model states and risk zones",
				EnvVars: []string{"PRICING_STATE_DB"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := log.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level %q", c.String("log-level"))
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			trainCommand(),
			statusCommand(),
			recommendCommand(),
			zonesCommand(),
		},
	}
}
