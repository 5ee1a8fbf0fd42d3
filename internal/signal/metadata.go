package signal

import (
	"encoding/json"
	"strconv"
)

// Metadata keys understood by the engine.
const (
	MetaLatitude   = "latitude"
	MetaLongitude  = "longitude"
	MetaDurationMs = "durationMs"
	MetaAppName    = "appName"
	MetaSSID       = "ssid"
)

// Meta decodes the metadata object. Missing or malformed metadata yields nil.
func (s *Signal) Meta() map[string]any {
	if s.Metadata == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.Metadata), &m); err != nil {
		return nil
	}
	return m
}

// Coordinates returns the latitude and longitude carried in metadata.
func (s *Signal) Coordinates() (lat, lng float64, ok bool) {
	m := s.Meta()
	lat, latOK := number(m, MetaLatitude, "lat")
	lng, lngOK := number(m, MetaLongitude, "lng", "lon")
	if !latOK || !lngOK || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, false
	}
	return lat, lng, true
}

// SessionDurationMs returns the session length carried by SESSION_END.
func (s *Signal) SessionDurationMs() (int64, bool) {
	d, ok := number(s.Meta(), MetaDurationMs, "duration_ms")
	if !ok || d < 0 {
		return 0, false
	}
	return int64(d), true
}

// AppName is the app identifier of an APP_OPENED signal: the value, or the
// appName metadata key when the value is empty.
func (s *Signal) AppName() string {
	if s.Value != "" {
		return s.Value
	}
	return str(s.Meta(), MetaAppName)
}

// SSID is the network name of a WIFI_CONNECTED or NETWORK_CHANGE signal.
func (s *Signal) SSID() string {
	if s.Value != "" {
		return s.Value
	}
	return str(s.Meta(), MetaSSID)
}

// EncodeMetadata marshals m for Signal.Metadata.
func EncodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
