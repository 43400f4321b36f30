package workflow

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by all agents. Wrap with fmt.Errorf("...: %w", ErrX)
// and test with errors.Is.
var (
	// ErrTransientIO marks broker, market-data or storage hiccups worth retrying.
	ErrTransientIO = errors.New("transient I/O error")
	// ErrDataAnomaly marks a validation mismatch in recorded trade data.
	ErrDataAnomaly = errors.New("data anomaly")
	// ErrConfiguration marks a missing or invalid input to a phase. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrProtocol marks a malformed or out-of-order message.
	ErrProtocol = errors.New("protocol error")
)

// CauseKind names an error class on the wire.
type CauseKind string

const (
	CauseTransientIO   CauseKind = "transient_io"
	CauseDataAnomaly   CauseKind = "data_anomaly"
	CauseConfiguration CauseKind = "configuration"
	CauseProtocol      CauseKind = "protocol"
	CauseCancelled     CauseKind = "cancelled"
	CauseInternal      CauseKind = "internal"
)

// Cause is the structured error carried by a result with status=error.
type Cause struct {
	Kind      CauseKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (c *Cause) Error() string {
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

// CauseFromError classifies err into a Cause. Only transient I/O is retryable.
func CauseFromError(err error) *Cause {
	if err == nil {
		return nil
	}

	var cause *Cause
	if errors.As(err, &cause) {
		return cause
	}

	c := &Cause{Kind: CauseInternal, Message: err.Error()}
	switch {
	case errors.Is(err, ErrTransientIO):
		c.Kind = CauseTransientIO
		c.Retryable = true
	case errors.Is(err, ErrDataAnomaly):
		c.Kind = CauseDataAnomaly
	case errors.Is(err, ErrConfiguration):
		c.Kind = CauseConfiguration
	case errors.Is(err, ErrProtocol):
		c.Kind = CauseProtocol
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		c.Kind = CauseCancelled
	}
	return c
}

// ErrCancelled is returned by handlers that stopped because the run was cancelled.
var ErrCancelled = errors.New("run cancelled")
