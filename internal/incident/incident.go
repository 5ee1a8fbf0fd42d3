// Package incident is the forensic log of risk responses. Incidents are
// written once by the response engine and only ever change by being marked
// resolved.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/risk"
)

var ErrNotFound = errors.New("incident: not found")

// Location is where the device was when the incident was logged.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Incident is one logged response.
type Incident struct {
	ID           string     `json:"id"`
	Severity     risk.Level `json:"severity"`
	RiskScore    int        `json:"riskScore"`
	Triggers     []string   `json:"triggers"`
	ActionsTaken []string   `json:"actionsTaken"`
	Summary      string     `json:"summary"`
	Location     *Location  `json:"location,omitempty"`
	Resolved     bool       `json:"resolved"`
	Timestamp    time.Time  `json:"timestamp"`
}

func (i *Incident) clone() *Incident {
	c := *i
	c.Triggers = append([]string(nil), i.Triggers...)
	c.ActionsTaken = append([]string(nil), i.ActionsTaken...)
	if i.Location != nil {
		loc := *i.Location
		c.Location = &loc
	}
	return &c
}

// Store persists incidents. Insert assigns an ID when the incident has none
// and returns it.
type Store interface {
	Insert(ctx context.Context, inc *Incident) (string, error)
	Get(ctx context.Context, id string) (*Incident, error)
	ListRecent(ctx context.Context, limit int, unresolvedOnly bool) ([]*Incident, error)
	Resolve(ctx context.Context, id string) error
}

func ensureID(inc *Incident) {
	if inc.ID == "" {
		inc.ID = idgen.WithPrefix("inc_")
	}
}
