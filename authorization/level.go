// Package authorization implements the access-control rule evaluator: a pure
// mapping from (domain, path, subject, network origin) to the trust level a
// request must hold.
package authorization

import "strings"

// Level is the trust level an access-control rule requires.
type Level int

const (
	// Bypass requires no authentication at all.
	Bypass Level = iota
	// OneFactor requires a successful primary credential check.
	OneFactor
	// TwoFactor additionally requires a secondary proof.
	TwoFactor
	// Deny blocks the resource regardless of authentication.
	Deny
)

func (l Level) String() string {
	switch l {
	case Bypass:
		return "bypass"
	case OneFactor:
		return "one_factor"
	case TwoFactor:
		return "two_factor"
	case Deny:
		return "deny"
	}
	return "unknown"
}

// ParseLevel maps a configuration policy string to a Level. Unknown strings
// map to Deny so a typo in configuration fails closed.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bypass":
		return Bypass
	case "one_factor":
		return OneFactor
	case "two_factor":
		return TwoFactor
	default:
		return Deny
	}
}
