package notification

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileNotifier appends messages to a local file instead of sending them.
// Intended for development and integration tests where no relay exists.
type FileNotifier struct {
	mu   sync.Mutex
	path string
}

var _ Notifier = (*FileNotifier)(nil)

func NewFileNotifier(path string) *FileNotifier {
	return &FileNotifier{path: path}
}

func (n *FileNotifier) Send(_ context.Context, recipient, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(n.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening notification file: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "Date: %s\nTo: %s\nSubject: %s\n\n%s\n---\n",
		time.Now().Format(time.RFC3339), recipient, subject, body)
	if err != nil {
		return fmt.Errorf("writing notification: %w", err)
	}
	return nil
}
