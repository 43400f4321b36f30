package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Acknowledge when the message does not exist.
var ErrNotFound = errors.New("message not found")

// Bus is the durable, ordered, point-to-point message log shared by all agents.
type Bus interface {
	// Publish appends msg durably and assigns its Seq and Timestamp.
	// On error nothing is visible to consumers.
	Publish(ctx context.Context, msg *Message) (Ack, error)

	// Consume returns the unacknowledged messages addressed to agent whose Seq
	// is greater than since, ordered by (Timestamp, Seq). It never blocks
	// waiting for new messages.
	Consume(ctx context.Context, agent string, since int64) ([]*Message, error)

	// Acknowledge marks a message as processed. Acknowledged messages are never
	// returned by Consume again. Acknowledging twice is not an error.
	Acknowledge(ctx context.Context, messageID string) error

	// Pending counts unacknowledged messages addressed to agent.
	Pending(ctx context.Context, agent string) (int64, error)

	// Prune removes acknowledged records older than cutoff. Best effort.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Notifier is implemented by backends that can wake a polling consumer early.
// The returned channel is closed when ctx is cancelled. Polling remains the
// delivery mechanism; a notification only shortens the wait.
type Notifier interface {
	Notify(ctx context.Context, agent string) (<-chan struct{}, error)
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// clampTimestamp returns now unless it is earlier than last.
func clampTimestamp(now, last int64) int64 {
	if now < last {
		return last
	}
	return now
}
