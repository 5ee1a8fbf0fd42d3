// Package signal models the timestamped observations produced by on-device
// detectors and the append-only store they are written to.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// Type is the closed set of signal kinds the engine understands. Kinds it does
// not recognise map to TypeUnknown and keep their original name in RawType.
type Type int

const (
	TypeUnknown Type = iota
	TypeRootDetected
	TypeEmulatorDetected
	TypeDebuggerDetected
	TypeSIMRemoved
	TypeSIMChanged
	TypeScreenRecording
	TypeLocationAnomaly
	TypeLoginFailure
	TypeLoginSuccess
	TypeDeviceBoot
	TypeNetworkChange
	TypeTimezoneChange
	TypeLocaleChange
	TypeAppOpened
	TypeSessionStart
	TypeSessionEnd
	TypeLocationUpdate
	TypeWiFiConnected
	TypeUnlockSuccess
	TypeUnlockFailed
)

var typeNames = map[Type]string{
	TypeUnknown:          "UNKNOWN",
	TypeRootDetected:     "ROOT_DETECTED",
	TypeEmulatorDetected: "EMULATOR_DETECTED",
	TypeDebuggerDetected: "DEBUGGER_DETECTED",
	TypeSIMRemoved:       "SIM_REMOVED",
	TypeSIMChanged:       "SIM_CHANGED",
	TypeScreenRecording:  "SCREEN_RECORDING",
	TypeLocationAnomaly:  "LOCATION_ANOMALY",
	TypeLoginFailure:     "LOGIN_FAILURE",
	TypeLoginSuccess:     "LOGIN_SUCCESS",
	TypeDeviceBoot:       "DEVICE_BOOT",
	TypeNetworkChange:    "NETWORK_CHANGE",
	TypeTimezoneChange:   "TIMEZONE_CHANGE",
	TypeLocaleChange:     "LOCALE_CHANGE",
	TypeAppOpened:        "APP_OPENED",
	TypeSessionStart:     "SESSION_START",
	TypeSessionEnd:       "SESSION_END",
	TypeLocationUpdate:   "LOCATION_UPDATE",
	TypeWiFiConnected:    "WIFI_CONNECTED",
	TypeUnlockSuccess:    "UNLOCK_SUCCESS",
	TypeUnlockFailed:     "UNLOCK_FAILED",
}

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return typeNames[TypeUnknown]
}

// ParseType maps a stored or wire name to a Type. Unrecognised names return
// TypeUnknown, never an error.
func ParseType(name string) Type {
	if t, ok := typesByName[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return t
	}
	return TypeUnknown
}

// Types returns every known type except TypeUnknown.
func Types() []Type {
	out := make([]Type, 0, len(typeNames)-1)
	for t := TypeRootDetected; t <= TypeUnlockFailed; t++ {
		out = append(out, t)
	}
	return out
}

var (
	ErrInvalidSignal = errors.New("signal: invalid signal")
)

// Signal is a single observation. Only Processed changes after it is written.
type Signal struct {
	ID        string
	Type      Type
	RawType   string // original name when Type is TypeUnknown
	Value     string
	Metadata  string // optional JSON object
	Timestamp time.Time
	Processed bool
}

// New builds a signal of a known type with a fresh ID.
func New(t Type, value, metadata string, ts time.Time) *Signal {
	return &Signal{
		ID:        idgen.WithPrefix("sig_"),
		Type:      t,
		Value:     value,
		Metadata:  metadata,
		Timestamp: ts,
	}
}

// FromName builds a signal from a type name, preserving names this build
// does not know.
func FromName(name, value, metadata string, ts time.Time) *Signal {
	s := New(ParseType(name), value, metadata, ts)
	if s.Type == TypeUnknown {
		s.RawType = name
	}
	return s
}

// Name is the name the signal is stored under.
func (s *Signal) Name() string {
	if s.Type == TypeUnknown && s.RawType != "" {
		return s.RawType
	}
	return s.Type.String()
}

// Validate checks the fields every store requires.
func (s *Signal) Validate() error {
	switch {
	case s == nil:
		return ErrInvalidSignal
	case s.ID == "":
		return errors.Join(ErrInvalidSignal, errors.New("missing id"))
	case s.Timestamp.IsZero():
		return errors.Join(ErrInvalidSignal, errors.New("missing timestamp"))
	case s.Metadata != "" && !json.Valid([]byte(s.Metadata)):
		return errors.Join(ErrInvalidSignal, errors.New("metadata is not valid JSON"))
	}
	return nil
}

// Clone returns a copy safe to hand out of a store.
func (s *Signal) Clone() *Signal {
	c := *s
	return &c
}

type wireSignal struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Value     string    `json:"value,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSignal{
		ID:        s.ID,
		Type:      s.Name(),
		Value:     s.Value,
		Metadata:  s.Metadata,
		Timestamp: s.Timestamp,
		Processed: s.Processed,
	})
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Signal{
		ID:        w.ID,
		Type:      ParseType(w.Type),
		Value:     w.Value,
		Metadata:  w.Metadata,
		Timestamp: w.Timestamp,
		Processed: w.Processed,
	}
	if s.Type == TypeUnknown {
		s.RawType = w.Type
	}
	return nil
}

// Store is the append-only signal log. Range reads stay consistent while
// other goroutines insert.
type Store interface {
	Insert(ctx context.Context, s *Signal) error
	InsertAll(ctx context.Context, signals []*Signal) error
	// GetInRange returns signals with start <= timestamp <= end, oldest first.
	GetInRange(ctx context.Context, start, end time.Time) ([]*Signal, error)
	// GetRecent returns up to limit signals, newest first.
	GetRecent(ctx context.Context, limit int) ([]*Signal, error)
	MarkProcessed(ctx context.Context, ids []string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// OfType filters signals down to the given types.
func OfType(signals []*Signal, types ...Type) []*Signal {
	var out []*Signal
	for _, s := range signals {
		for _, t := range types {
			if s.Type == t {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Unprocessed filters out signals already consumed.
func Unprocessed(signals []*Signal) []*Signal {
	var out []*Signal
	for _, s := range signals {
		if !s.Processed {
			out = append(out, s)
		}
	}
	return out
}

// IDs returns the IDs of signals in order.
func IDs(signals []*Signal) []string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = s.ID
	}
	return out
}
