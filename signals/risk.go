package signals

import (
	"fmt"

	"github.com/golang/geo/s2"
	geojson "github.com/paulmach/go.geojson"

	"waste-pricing/features"
)

// RiskZone is an area with an elevated location risk level.
type RiskZone struct {
	ID       uint64
	Name     string
	Level    float64
	Geometry *geojson.Geometry
}

type zonePolygon struct {
	outer *s2.Loop
	holes []*s2.Loop
}

type indexedZone struct {
	level    float64
	polygons []zonePolygon
}

// RiskIndex answers location risk lookups against a fixed set of zones.
type RiskIndex struct {
	zones       []indexedZone
	defaultRisk float64
}

// NewRiskIndex converts the zones to s2 loops. Polygon and MultiPolygon
// geometries are supported; the first ring of each polygon is its boundary
// and the remaining rings are holes.
func NewRiskIndex(zones []RiskZone, defaultRisk float64) (*RiskIndex, error) {
	idx := &RiskIndex{defaultRisk: clampRisk(defaultRisk)}
	for _, zone := range zones {
		if zone.Geometry == nil {
			return nil, fmt.Errorf("risk zone %d has no geometry", zone.ID)
		}
		var polys [][][][]float64
		switch {
		case zone.Geometry.IsPolygon():
			polys = [][][][]float64{zone.Geometry.Polygon}
		case zone.Geometry.IsMultiPolygon():
			polys = zone.Geometry.MultiPolygon
		default:
			return nil, fmt.Errorf("risk zone %d: unsupported geometry type: %s", zone.ID, zone.Geometry.Type)
		}

		iz := indexedZone{level: clampRisk(zone.Level)}
		for _, poly := range polys {
			if len(poly) == 0 {
				continue
			}
			outer, err := ringToLoop(poly[0])
			if err != nil {
				return nil, fmt.Errorf("risk zone %d: %w", zone.ID, err)
			}
			zp := zonePolygon{outer: outer}
			for _, ring := range poly[1:] {
				hole, err := ringToLoop(ring)
				if err != nil {
					return nil, fmt.Errorf("risk zone %d hole: %w", zone.ID, err)
				}
				zp.holes = append(zp.holes, hole)
			}
			iz.polygons = append(iz.polygons, zp)
		}
		idx.zones = append(idx.zones, iz)
	}
	return idx, nil
}

// ringToLoop builds a loop from a GeoJSON ring of [lon, lat] pairs. The
// orientation of the ring does not matter: the loop is normalized to the
// smaller of the two regions it bounds.
func ringToLoop(ring [][]float64) (*s2.Loop, error) {
	if len(ring) > 1 && ring[0][0] == ring[len(ring)-1][0] && ring[0][1] == ring[len(ring)-1][1] {
		ring = ring[:len(ring)-1]
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("ring has %d distinct points, need at least 3", len(ring))
	}
	points := make([]s2.Point, len(ring))
	for i, p := range ring {
		if len(p) < 2 {
			return nil, fmt.Errorf("ring point %d has %d coordinates", i, len(p))
		}
		points[i] = s2.PointFromLatLng(s2.LatLngFromDegrees(p[1], p[0]))
	}
	loop := s2.LoopFromPoints(points)
	loop.Normalize()
	return loop, nil
}

// Risk returns the highest level among zones containing the point, or the
// default level outside every zone.
func (r *RiskIndex) Risk(lat, lon float64) float64 {
	if r == nil {
		return features.MinLocationRisk
	}
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	risk := r.defaultRisk
	for _, zone := range r.zones {
		if zone.level <= risk {
			continue
		}
		if zone.contains(p) {
			risk = zone.level
		}
	}
	return risk
}

func (z indexedZone) contains(p s2.Point) bool {
	for _, poly := range z.polygons {
		if !poly.outer.ContainsPoint(p) {
			continue
		}
		inHole := false
		for _, hole := range poly.holes {
			if hole.ContainsPoint(p) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}

func (r *RiskIndex) Len() int {
	if r == nil {
		return 0
	}
	return len(r.zones)
}

func clampRisk(v float64) float64 {
	if v < features.MinLocationRisk || v != v {
		return features.MinLocationRisk
	}
	if v > features.MaxLocationRisk {
		return features.MaxLocationRisk
	}
	return v
}
