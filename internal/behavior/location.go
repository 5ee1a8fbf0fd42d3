package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/stats"
)

const (
	// SafeZoneRadiusMeters is the radius of a learned safe zone.
	SafeZoneRadiusMeters = 300.0
	// SafeZoneMinVisits is the visit count at which a zone is established.
	SafeZoneMinVisits = 5

	maxSafeZones         = 50
	locationAnomalyPoint = 30
)

// LocationAnalyzer learns safe zones and flags presence outside all
// established ones.
type LocationAnalyzer struct {
	store Store
	rec   recorder
}

// NewLocationAnalyzer creates a location analyzer.
func NewLocationAnalyzer(store Store, logger *slog.Logger) *LocationAnalyzer {
	return &LocationAnalyzer{
		store: store,
		rec:   recorder{analyzer: AnalyzerLocation, store: store, logger: logger},
	}
}

// Analyze scores one location fix and then learns from it.
func (a *LocationAnalyzer) Analyze(ctx context.Context, lat, lng float64, ts time.Time) (int, error) {
	zones, err := a.store.ListLocationClusters(ctx)
	if err != nil {
		return 0, fmt.Errorf("list safe zones: %w", err)
	}

	var (
		nearest     *LocationCluster
		nearestDist = math.Inf(1)
		established bool
		insideSafe  bool
	)
	for _, z := range zones {
		d := stats.HaversineDistance(lat, lng, z.Latitude, z.Longitude)
		if z.VisitCount >= SafeZoneMinVisits {
			established = true
			if d <= z.RadiusM {
				insideSafe = true
			}
		}
		if d <= z.RadiusM && d < nearestDist {
			nearest, nearestDist = z, d
		}
	}

	points := 0
	if established && !insideSafe {
		points, err = a.rec.record(ctx, AnomalyOutsideSafeZone, min(locationAnomalyPoint, CapLocation), ts,
			fmt.Sprintf("lat=%.5f lng=%.5f", lat, lng))
		if err != nil {
			return points, err
		}
	}

	if err := a.learn(ctx, zones, nearest, lat, lng, ts); err != nil {
		return points, err
	}
	return points, nil
}

func (a *LocationAnalyzer) learn(ctx context.Context, zones []*LocationCluster, nearest *LocationCluster, lat, lng float64, ts time.Time) error {
	if nearest != nil {
		nearest.VisitCount++
		nearest.Latitude += (lat - nearest.Latitude) / float64(nearest.VisitCount)
		nearest.Longitude += (lng - nearest.Longitude) / float64(nearest.VisitCount)
		nearest.LastVisit = ts
		if err := a.store.UpsertLocationCluster(ctx, nearest); err != nil {
			return fmt.Errorf("update safe zone: %w", err)
		}
		return nil
	}

	if len(zones) >= maxSafeZones {
		victim := weakestZone(zones)
		if victim == nil {
			return nil
		}
		if err := a.store.DeleteLocationCluster(ctx, victim.ID); err != nil {
			return fmt.Errorf("evict safe zone: %w", err)
		}
	}

	zone := &LocationCluster{
		ID:         idgen.WithPrefix("zone_"),
		Latitude:   lat,
		Longitude:  lng,
		RadiusM:    SafeZoneRadiusMeters,
		VisitCount: 1,
		FirstSeen:  ts,
		LastVisit:  ts,
	}
	if err := a.store.UpsertLocationCluster(ctx, zone); err != nil {
		return fmt.Errorf("create safe zone: %w", err)
	}
	return nil
}

// weakestZone picks the least-visited, then least-recently visited, zone
// that is not yet established.
func weakestZone(zones []*LocationCluster) *LocationCluster {
	var w *LocationCluster
	for _, z := range zones {
		if z.VisitCount >= SafeZoneMinVisits {
			continue
		}
		if w == nil || z.VisitCount < w.VisitCount ||
			(z.VisitCount == w.VisitCount && z.LastVisit.Before(w.LastVisit)) {
			w = z
		}
	}
	return w
}
