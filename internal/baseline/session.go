package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/stats"
)

const (
	sessionMinSamples        = 20
	sessionSaturationSamples = 100
	sessionDayWindow         = 30
	sessionDurationCap       = 100
	dayLayout                = "2006-01-02"
)

// SessionMetric tracks how many sessions start per local day (the last 30
// days seen) and how long sessions last (the last 100 SESSION_END durations).
type SessionMetric struct {
	mu        sync.Mutex
	loc       *time.Location
	days      []dayCount // ascending by Day
	durations []float64  // milliseconds, oldest first
	sessions  int        // SESSION_START signals ever counted
	learning  learning
}

type dayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

type sessionState struct {
	Days      []dayCount `json:"days"`
	Durations []float64  `json:"durations"`
	Sessions  int        `json:"sessions"`
}

// NewSessionMetric creates an empty session tracker that splits days in loc.
func NewSessionMetric(loc *time.Location) *SessionMetric {
	if loc == nil {
		loc = time.Local
	}
	return &SessionMetric{loc: loc}
}

func (m *SessionMetric) MetricType() MetricType { return MetricSession }

func (m *SessionMetric) UpdateFromSignals(signals []*signal.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range signals {
		switch s.Type {
		case signal.TypeSessionStart:
			m.addSession(s.Timestamp.In(m.loc).Format(dayLayout))
		case signal.TypeSessionEnd:
			if d, ok := s.SessionDurationMs(); ok {
				m.addDuration(float64(d))
			}
		}
	}
	m.learning.observe(m.sessions, sessionMinSamples,
		stats.Confidence(m.sessions, sessionMinSamples, sessionSaturationSamples))
}

func (m *SessionMetric) addSession(day string) {
	m.sessions++
	i := sort.Search(len(m.days), func(i int) bool { return m.days[i].Day >= day })
	if i < len(m.days) && m.days[i].Day == day {
		m.days[i].Count++
		return
	}
	m.days = append(m.days, dayCount{})
	copy(m.days[i+1:], m.days[i:])
	m.days[i] = dayCount{Day: day, Count: 1}
	if len(m.days) > sessionDayWindow {
		m.days = m.days[len(m.days)-sessionDayWindow:]
	}
}

func (m *SessionMetric) addDuration(ms float64) {
	m.durations = append(m.durations, ms)
	if len(m.durations) > sessionDurationCap {
		m.durations = m.durations[len(m.durations)-sessionDurationCap:]
	}
}

// IsTodaySessionCountAnomaly compares the number of sessions started on
// now's local day with the other recorded days.
func (m *SessionMetric) IsTodaySessionCountAnomaly(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions < sessionMinSamples {
		return false
	}
	today := now.In(m.loc).Format(dayLayout)
	var (
		current float64
		others  []float64
	)
	for _, d := range m.days {
		if d.Day == today {
			current = float64(d.Count)
			continue
		}
		others = append(others, float64(d.Count))
	}
	if len(others) == 0 {
		return false
	}
	return stats.IsAnomaly(current, stats.Mean(others), stats.PopulationStdDev(others), stats.DefaultThresholdSD)
}

// IsSessionDurationAnomaly reports whether durationMs is more than two
// standard deviations from the recorded session lengths.
func (m *SessionMetric) IsSessionDurationAnomaly(durationMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.durations) < sessionMinSamples {
		return false
	}
	return stats.IsAnomaly(float64(durationMs), stats.Mean(m.durations), stats.PopulationStdDev(m.durations), stats.DefaultThresholdSD)
}

// DayCount returns the sessions recorded for day (YYYY-MM-DD).
func (m *SessionMetric) DayCount(day string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.days {
		if d.Day == day {
			return d.Count
		}
	}
	return 0
}

// Days is the number of distinct days retained.
func (m *SessionMetric) Days() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.days)
}

// DurationSamples is the number of retained session lengths.
func (m *SessionMetric) DurationSamples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.durations)
}

func (m *SessionMetric) LearningComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.learning.complete
}

func (m *SessionMetric) ToBaseline(now time.Time) (*Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(sessionState{Days: m.days, Durations: m.durations, Sessions: m.sessions})
	if err != nil {
		return nil, fmt.Errorf("encode sessions: %w", err)
	}
	b := &Baseline{
		ID:               baselineID(MetricSession),
		MetricType:       MetricSession,
		EncodedValue:     string(data),
		Confidence:       m.learning.confidence,
		SampleCount:      m.sessions,
		LearningComplete: m.learning.complete,
		UpdatedAt:        now,
	}
	if len(m.durations) > 0 {
		v := stats.PopulationVariance(m.durations)
		b.Variance = &v
	}
	return b, nil
}

func (m *SessionMetric) LoadFromBaseline(b *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	if b == nil {
		return nil
	}

	var st sessionState
	if err := json.Unmarshal([]byte(b.EncodedValue), &st); err != nil {
		return errors.Join(ErrCorruptBaseline, err)
	}
	for _, d := range st.Days {
		if _, err := time.Parse(dayLayout, d.Day); err != nil || d.Count < 0 {
			return fmt.Errorf("%w: bad day entry %q", ErrCorruptBaseline, d.Day)
		}
	}
	if st.Sessions < 0 || len(st.Days) > sessionDayWindow || len(st.Durations) > sessionDurationCap {
		return fmt.Errorf("%w: session state out of bounds", ErrCorruptBaseline)
	}

	sort.Slice(st.Days, func(i, j int) bool { return st.Days[i].Day < st.Days[j].Day })
	m.days = st.Days
	m.durations = st.Durations
	m.sessions = st.Sessions
	m.learning.restore(b)
	return nil
}

func (m *SessionMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *SessionMetric) reset() {
	m.days = nil
	m.durations = nil
	m.sessions = 0
	m.learning = learning{}
}
