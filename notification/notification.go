// Package notification delivers identity verification links to users,
// typically by email. The server never reveals delivery success or failure
// to the requesting client; failures are logged and surfaced to operators
// only.
package notification

import "context"

// Notifier sends a message to a single recipient.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}
