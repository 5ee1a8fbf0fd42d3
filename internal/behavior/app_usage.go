package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	appUnusualStartHour = 2 // inclusive
	appUnusualEndHour   = 5 // exclusive
	appEstablishedUses  = 3
	appAnomalyPoints    = 25
)

var sensitiveKeywords = []string{
	"bank", "finance", "wallet", "pay", "crypto", "security",
	"authenticator", "vault", "password", "trading",
}

// IsSensitiveApp reports whether an app name looks finance or security
// related.
func IsSensitiveApp(appName string) bool {
	name := strings.ToLower(appName)
	for _, k := range sensitiveKeywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// AppUsageAnalyzer flags sensitive apps opened between 02:00 and 05:00 when
// the user has no habit of opening that app at that hour.
type AppUsageAnalyzer struct {
	store Store
	loc   *time.Location
	rec   recorder
}

// NewAppUsageAnalyzer creates an analyzer bucketing hours in loc.
func NewAppUsageAnalyzer(store Store, loc *time.Location, logger *slog.Logger) *AppUsageAnalyzer {
	return &AppUsageAnalyzer{
		store: store,
		loc:   loc,
		rec:   recorder{analyzer: AnalyzerAppUsage, store: store, logger: logger},
	}
}

// Analyze scores one app open and then learns from it.
func (a *AppUsageAnalyzer) Analyze(ctx context.Context, appName string, ts time.Time) (int, error) {
	if appName == "" {
		return 0, nil
	}
	hour := ts.In(a.loc).Hour()

	pattern, err := a.store.GetAppUsage(ctx, appName, hour)
	if err != nil {
		return 0, fmt.Errorf("get app usage: %w", err)
	}
	established := pattern != nil && pattern.UsageCount >= appEstablishedUses

	points := 0
	if IsSensitiveApp(appName) && hour >= appUnusualStartHour && hour < appUnusualEndHour && !established {
		points, err = a.rec.record(ctx, AnomalySensitiveAppUnusualHour, min(appAnomalyPoints, CapAppUsage), ts,
			fmt.Sprintf("app=%s hour=%d", appName, hour))
		if err != nil {
			return points, err
		}
	}

	if pattern == nil {
		pattern = &AppUsagePattern{AppName: appName, HourOfDay: hour}
	}
	pattern.UsageCount++
	pattern.LastUsed = ts
	if err := a.store.UpsertAppUsage(ctx, pattern); err != nil {
		return points, fmt.Errorf("update app usage: %w", err)
	}
	return points, nil
}
