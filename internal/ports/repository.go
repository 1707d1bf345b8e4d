package ports

import (
	"context"

	"servicebus-demo/internal/domain"
)

// InboxRepository persists text messages that were handled successfully.
type InboxRepository interface {
	// SaveReceived records a handled message. Saving the same ID twice is not an error,
	// since redelivery after an abandon is expected.
	SaveReceived(ctx context.Context, msg domain.ReceivedText) error

	// ListReceived returns up to limit messages, newest first.
	ListReceived(ctx context.Context, limit int) ([]domain.ReceivedText, error)
}
