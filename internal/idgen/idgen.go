// Package idgen generates identifiers for signals, scores, incidents and
// learned-pattern rows.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID, e.g.
// "sig_", "rs_", "inc_". Prefixes keep IDs self-describing in logs and exports.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is a bare UUID or a prefixed ID produced by WithPrefix.
func Valid(id string) bool {
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	i := strings.LastIndexByte(id, '_')
	if i < 0 || len(id)-i-1 != 32 {
		return false
	}
	_, err := uuid.Parse(id[i+1:])
	return err == nil
}
