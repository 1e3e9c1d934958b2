// Package notify shows desktop notifications for dispatched rule actions.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"
)

// Notifier shows desktop notifications. The zero value is usable and
// enabled; a disabled notifier silently drops notifications.
type Notifier struct {
	disabled bool
}

// NewNotifier creates a [Notifier].
func NewNotifier(enabled bool) *Notifier {
	return &Notifier{disabled: !enabled}
}

// Notify shows a notification with the given title and body.
func (n *Notifier) Notify(title, body string) error {
	if n.disabled {
		return nil
	}

	err := beeep.Notify(title, body, "")
	if err != nil {
		return fmt.Errorf("show notification: %w", err)
	}

	return nil
}
