package model

import (
	"strings"
	"time"

	"biblioteca-auth/internal/util"
)

// Session is one row of the sessions table in the external store. At most one
// row per email should carry a non-empty token with no logout stamp; the
// policy engine enforces that on every login.
type Session struct {
	RecordID    string
	Email       string
	Token       string
	DeviceID    string
	LoggedInAt  time.Time
	LoggedOutAt *time.Time
}

// Active reports whether the row represents a live login. A positive window
// additionally requires the login timestamp to be recent enough.
func (s *Session) Active(window time.Duration) bool {
	if s.Token == "" {
		return false
	}
	if s.LoggedOutAt != nil && !s.LoggedOutAt.IsZero() {
		return false
	}
	if window > 0 {
		if s.LoggedInAt.IsZero() || time.Since(s.LoggedInAt) > window {
			return false
		}
	}
	return true
}

// TruthyAccess evaluates the entitlement flag the way the customers table
// stores it across deployments: a checkbox (bool), a numeric 1, or a string.
// String columns have held "si"/"sí" as well as "1" and "true", all of which
// the store-side filter matches, so all of them count here too.
func TruthyAccess(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t == 1
	case int:
		return t == 1
	case string:
		switch util.Fold(strings.TrimSpace(t)) {
		case "si", "1", "true":
			return true
		}
		return false
	default:
		return false
	}
}

// NormalizeEmail lowercases and trims an email for use as the session key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
