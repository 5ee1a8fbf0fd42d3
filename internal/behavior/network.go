package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	trustedConnectCount  = 3
	networkAnomalyPoints = 25
)

// NetworkAnalyzer flags connections to never-seen SSIDs once the user has at
// least one trusted network.
type NetworkAnalyzer struct {
	store Store
	rec   recorder
}

// NewNetworkAnalyzer creates a network analyzer.
func NewNetworkAnalyzer(store Store, logger *slog.Logger) *NetworkAnalyzer {
	return &NetworkAnalyzer{
		store: store,
		rec:   recorder{analyzer: AnalyzerNetwork, store: store, logger: logger},
	}
}

// Analyze scores one Wi-Fi connection and then learns from it.
func (a *NetworkAnalyzer) Analyze(ctx context.Context, ssid string, ts time.Time) (int, error) {
	if ssid == "" {
		return 0, nil
	}

	known, err := a.store.GetNetwork(ctx, ssid)
	if err != nil {
		return 0, fmt.Errorf("get network: %w", err)
	}

	points := 0
	if known == nil {
		trusted, err := a.store.CountTrustedNetworks(ctx)
		if err != nil {
			return 0, fmt.Errorf("count trusted networks: %w", err)
		}
		if trusted > 0 {
			points, err = a.rec.record(ctx, AnomalyUnknownNetwork, min(networkAnomalyPoints, CapNetwork), ts,
				fmt.Sprintf("ssid=%s", ssid))
			if err != nil {
				return points, err
			}
		}
		known = &KnownNetwork{SSID: ssid, FirstSeen: ts}
	}

	known.ConnectCount++
	known.LastSeen = ts
	known.Trusted = known.ConnectCount >= trustedConnectCount
	if err := a.store.UpsertNetwork(ctx, known); err != nil {
		return points, fmt.Errorf("update network: %w", err)
	}
	return points, nil
}
