// Package behavior holds the side-channel analyzers: sensitive-app usage at
// odd hours, presence outside learned safe zones, unknown Wi-Fi networks and
// unlock frequency. Each learns its own pattern records and records an
// Anomaly, worth a bounded number of risk points, when it sees a deviation.
package behavior

import (
	"context"
	"time"
)

// Analyzer names, also used as the Anomaly.Analyzer column.
const (
	AnalyzerAppUsage = "app_usage"
	AnalyzerLocation = "location"
	AnalyzerNetwork  = "network"
	AnalyzerUnlock   = "unlock"
)

// Per-analyzer and overall caps on behavioral risk points.
const (
	CapAppUsage = 30
	CapLocation = 30
	CapNetwork  = 25
	CapUnlock   = 30
	CapTotal    = 50
)

var analyzerCaps = map[string]int{
	AnalyzerAppUsage: CapAppUsage,
	AnalyzerLocation: CapLocation,
	AnalyzerNetwork:  CapNetwork,
	AnalyzerUnlock:   CapUnlock,
}

// AnomalyType names a behavioral deviation.
type AnomalyType string

const (
	AnomalySensitiveAppUnusualHour AnomalyType = "SENSITIVE_APP_UNUSUAL_HOUR"
	AnomalyOutsideSafeZone         AnomalyType = "OUTSIDE_SAFE_ZONE"
	AnomalyUnknownNetwork          AnomalyType = "UNKNOWN_NETWORK"
	AnomalyHighFrequency           AnomalyType = "HIGH_FREQUENCY"
	AnomalyFailedAttemptsRisk      AnomalyType = "FAILED_ATTEMPTS_RISK"
)

// Anomaly is the record an analyzer writes when it triggers.
type Anomaly struct {
	ID         string      `json:"id"`
	Type       AnomalyType `json:"type"`
	Analyzer   string      `json:"analyzer"`
	RiskPoints int         `json:"riskPoints"`
	Details    string      `json:"details,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// AppUsagePattern counts how often an app is opened in one local hour.
type AppUsagePattern struct {
	AppName    string    `json:"appName"`
	HourOfDay  int       `json:"hourOfDay"`
	UsageCount int       `json:"usageCount"`
	LastUsed   time.Time `json:"lastUsed"`
}

// LocationCluster is a learned safe zone.
type LocationCluster struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RadiusM    float64   `json:"radiusMeters"`
	VisitCount int       `json:"visitCount"`
	Label      string    `json:"label,omitempty"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastVisit  time.Time `json:"lastVisit"`
}

// KnownNetwork is a Wi-Fi network the device has joined before.
type KnownNetwork struct {
	SSID         string    `json:"ssid"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	ConnectCount int       `json:"connectCount"`
	Trusted      bool      `json:"trusted"`
}

// UnlockPattern tracks unlock activity for one (hour, weekday) bucket.
// CurrentCount counts unlocks in the slot starting at SlotStart; when a new
// slot begins the finished one is folded into AverageUnlocks.
type UnlockPattern struct {
	HourOfDay           int       `json:"hourOfDay"`
	DayOfWeek           int       `json:"dayOfWeek"`
	SlotStart           time.Time `json:"slotStart"`
	CurrentCount        int       `json:"currentCount"`
	SampleCount         int       `json:"sampleCount"`
	AverageUnlocks      float64   `json:"averageUnlocks"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastUnlock          time.Time `json:"lastUnlock"`
}

// Store persists learned patterns and anomalies. Getters return nil, nil
// when nothing is stored.
type Store interface {
	GetAppUsage(ctx context.Context, appName string, hour int) (*AppUsagePattern, error)
	UpsertAppUsage(ctx context.Context, p *AppUsagePattern) error

	ListLocationClusters(ctx context.Context) ([]*LocationCluster, error)
	UpsertLocationCluster(ctx context.Context, c *LocationCluster) error
	DeleteLocationCluster(ctx context.Context, id string) error

	GetNetwork(ctx context.Context, ssid string) (*KnownNetwork, error)
	UpsertNetwork(ctx context.Context, n *KnownNetwork) error
	CountTrustedNetworks(ctx context.Context) (int, error)

	GetUnlockPattern(ctx context.Context, hour, dayOfWeek int) (*UnlockPattern, error)
	UpsertUnlockPattern(ctx context.Context, p *UnlockPattern) error

	InsertAnomaly(ctx context.Context, a *Anomaly) error
	// ListAnomalies returns anomalies with since <= timestamp <= until, oldest first.
	ListAnomalies(ctx context.Context, since, until time.Time) ([]*Anomaly, error)
	DeleteAnomaliesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	DeleteAll(ctx context.Context) error
}
