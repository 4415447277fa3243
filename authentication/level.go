// Package authentication defines the credential-backend capabilities the
// gatekeeper consumes and the trust levels a browser session can hold.
package authentication

// Level is the trust level a session has earned in the current login cycle.
type Level int

const (
	// NotAuthenticated means no credential check has succeeded yet.
	NotAuthenticated Level = iota
	// OneFactor means a primary credential check (password or network
	// whitelist) has succeeded.
	OneFactor
	// TwoFactor means a secondary proof has additionally succeeded.
	TwoFactor
)

func (l Level) String() string {
	switch l {
	case NotAuthenticated:
		return "not_authenticated"
	case OneFactor:
		return "one_factor"
	case TwoFactor:
		return "two_factor"
	}
	return "unknown"
}
