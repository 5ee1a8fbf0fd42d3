package risk

import "github.com/mbd888/sentinel/internal/signal"

// Points added when a baseline reports an anomaly.
const (
	PointsUnusualHour            = 20
	PointsUnusualSessionCount    = 15
	PointsUnusualSessionDuration = 10
	PointsUnknownLocation        = 30
)

// Contribution names for non-signal sources.
const (
	ContribUnusualHour            = "UNUSUAL_HOUR"
	ContribUnusualSessionCount    = "UNUSUAL_SESSION_COUNT"
	ContribUnusualSessionDuration = "UNUSUAL_SESSION_DURATION"
	ContribUnknownLocation        = "UNKNOWN_LOCATION"
	ContribBehavioral             = "BEHAVIORAL"
	// ContribDecayed carries what remains of a stale previous score above
	// the fresh contributions.
	ContribDecayed = "DECAYED"
)

var weights = map[signal.Type]int{
	signal.TypeRootDetected:     50,
	signal.TypeEmulatorDetected: 50,
	signal.TypeDebuggerDetected: 45,
	signal.TypeSIMRemoved:       40,
	signal.TypeSIMChanged:       35,
	signal.TypeScreenRecording:  30,
	signal.TypeLocationAnomaly:  30,
	signal.TypeLoginFailure:     15,
	signal.TypeDeviceBoot:       10,
	signal.TypeNetworkChange:    10,
	signal.TypeTimezoneChange:   10,
	signal.TypeLocaleChange:     10,
}

// Weight is the fixed score of one signal. Unknown and informational types
// weigh 0.
func Weight(t signal.Type) int {
	return weights[t]
}
