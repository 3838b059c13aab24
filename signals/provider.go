package signals

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/golang/geo/s2"

	"waste-pricing/features"
)

const (
	DefaultCellLevel    = 13
	DefaultDemandWindow = 28 * 24 * time.Hour
)

// Area is the s2 cell a request falls into, with its lat/lng bounds in degrees.
type Area struct {
	Cell   s2.CellID
	LatMin float64
	LatMax float64
	LonMin float64
	LonMax float64
}

// AreaOf returns the level cell that contains the point.
func AreaOf(lat, lon float64, level int) Area {
	cell := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon)).Parent(level)
	rect := s2.CellFromCellID(cell).RectBound()
	return Area{
		Cell:   cell,
		LatMin: rect.Lo().Lat.Degrees(),
		LatMax: rect.Hi().Lat.Degrees(),
		LonMin: rect.Lo().Lng.Degrees(),
		LonMax: rect.Hi().Lng.Degrees(),
	}
}

// DemandSource counts past cleanup requests inside a bounding box.
type DemandSource interface {
	CountRequestsInRect(ctx context.Context, latMin, latMax, lonMin, lonMax float64, since time.Time) (int, error)
}

type ProviderConfig struct {
	Seasons      SeasonalTable
	CellLevel    int
	DemandWindow time.Duration
	DefaultRisk  float64
}

// Provider assembles the request context for a location and time.
type Provider struct {
	cfg    ProviderConfig
	demand DemandSource
	risk   atomic.Pointer[RiskIndex]
}

func NewProvider(cfg ProviderConfig, demand DemandSource) *Provider {
	if cfg.CellLevel <= 0 || cfg.CellLevel > s2.MaxLevel {
		cfg.CellLevel = DefaultCellLevel
	}
	if cfg.DemandWindow <= 0 {
		cfg.DemandWindow = DefaultDemandWindow
	}
	p := &Provider{cfg: cfg, demand: demand}
	idx, _ := NewRiskIndex(nil, cfg.DefaultRisk)
	p.risk.Store(idx)
	return p
}

// SetRiskIndex replaces the zones used for risk lookups.
func (p *Provider) SetRiskIndex(idx *RiskIndex) {
	p.risk.Store(idx)
}

// Lookup builds the request context. A failing demand source is logged and
// counts as no demand so that the request can still be priced.
func (p *Provider) Lookup(ctx context.Context, lat, lon float64, urgency features.UrgencyLevel, at time.Time) features.RequestContext {
	rc := features.RequestContext{
		Urgency:        urgency,
		LocationRisk:   p.risk.Load().Risk(lat, lon),
		SeasonalFactor: p.cfg.Seasons.Factor(at),
	}

	if p.demand == nil {
		return rc
	}
	area := AreaOf(lat, lon, p.cfg.CellLevel)
	count, err := p.demand.CountRequestsInRect(ctx, area.LatMin, area.LatMax, area.LonMin, area.LonMax, at.Add(-p.cfg.DemandWindow))
	if err != nil {
		log.Warnf("Failed to count requests in cell %s: %v", area.Cell.ToToken(), err)
		return rc
	}
	weeks := p.cfg.DemandWindow.Hours() / (24 * 7)
	if weeks < 1 {
		weeks = 1
	}
	rc.HistoricalDemand = float64(count) / weeks
	return rc
}
