package risk

import "github.com/mbd888/sentinel/internal/signal"

// Compound is a named combination of signal types that scores above the sum
// of its parts.
type Compound struct {
	Name  string
	Bonus int
	all   []signal.Type
	any   []signal.Type
}

// Matches reports whether every required type is active and, when alternatives
// are listed, at least one of them is.
func (c Compound) Matches(active map[signal.Type]bool) bool {
	for _, t := range c.all {
		if !active[t] {
			return false
		}
	}
	if len(c.any) == 0 {
		return true
	}
	for _, t := range c.any {
		if active[t] {
			return true
		}
	}
	return false
}

// Compounds are evaluated independently; several can apply at once.
var Compounds = []Compound{
	{
		Name:  "COMPOUND_THEFT_PATTERN",
		Bonus: 40,
		all:   []signal.Type{signal.TypeDeviceBoot, signal.TypeSIMRemoved, signal.TypeNetworkChange},
	},
	{
		Name:  "COMPOUND_REMOTE_ANALYSIS",
		Bonus: 30,
		all:   []signal.Type{signal.TypeEmulatorDetected, signal.TypeDebuggerDetected},
	},
	{
		Name:  "COMPOUND_CREDENTIAL_CAPTURE",
		Bonus: 25,
		all:   []signal.Type{signal.TypeScreenRecording, signal.TypeLoginFailure},
	},
	{
		Name:  "COMPOUND_SIM_SWAP",
		Bonus: 20,
		all:   []signal.Type{signal.TypeSIMChanged, signal.TypeNetworkChange},
	},
	{
		Name:  "COMPOUND_COMPROMISED_LOCATION",
		Bonus: 25,
		all:   []signal.Type{signal.TypeLocationAnomaly},
		any:   []signal.Type{signal.TypeRootDetected, signal.TypeEmulatorDetected},
	},
}

// CompoundBonuses returns the bonus of every compound matching active.
func CompoundBonuses(active map[signal.Type]bool) map[string]int {
	out := make(map[string]int)
	for _, c := range Compounds {
		if c.Matches(active) {
			out[c.Name] = c.Bonus
		}
	}
	return out
}
