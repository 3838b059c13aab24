package signals

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"waste-pricing/features"
)

// SeasonalTable holds one seasonal factor per calendar month, January first.
type SeasonalTable [12]float64

// DefaultSeasonalTable peaks in early summer, when outdoor litter is highest.
var DefaultSeasonalTable = SeasonalTable{0.85, 0.85, 0.9, 1.0, 1.1, 1.2, 1.2, 1.15, 1.05, 1.0, 0.9, 0.85}

// ParseSeasonalTable reads twelve comma-separated factors.
func ParseSeasonalTable(s string) (SeasonalTable, error) {
	var table SeasonalTable
	parts := strings.Split(s, ",")
	if len(parts) != len(table) {
		return table, fmt.Errorf("seasonal table needs 12 values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return table, fmt.Errorf("seasonal factor for month %d: %w", i+1, err)
		}
		table[i] = v
	}
	return table, nil
}

// Factor returns the factor for the month of t, clamped to the range the
// feature builder accepts.
func (s SeasonalTable) Factor(t time.Time) float64 {
	v := s[t.Month()-1]
	if v < features.MinSeasonalFactor || v != v {
		return features.MinSeasonalFactor
	}
	if v > features.MaxSeasonalFactor {
		return features.MaxSeasonalFactor
	}
	return v
}
