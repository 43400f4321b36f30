package papertrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
)

// Broker is the paper trading account. Implemented by alpaca.Client.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (workflow.Quote, error)
	SubmitOrder(ctx context.Context, req workflow.OrderRequest) (*workflow.Order, error)
	GetPositions(ctx context.Context) ([]workflow.Position, error)
}

// errBrokerDown is returned once transient broker errors outlast the backoff
// ceiling. It ends the session with a non-retryable error.
var errBrokerDown = errors.New("broker unavailable")

// retry runs op until it succeeds, fails permanently or transient failures
// exceed ceiling.
func retry[T any](ctx context.Context, ceiling time.Duration, what string, op func() (T, error)) (T, error) {
	var out T
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = ceiling

	err := backoff.RetryNotify(func() error {
		v, err := op()
		if err != nil {
			if errors.Is(err, workflow.ErrTransientIO) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Printf("[WARN] PaperTrader: %s failed, retrying in %s: %v", what, wait, err)
	})
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if errors.Is(err, workflow.ErrTransientIO) {
		return out, fmt.Errorf("%w: %s still failing after %s: %v", errBrokerDown, what, ceiling, err)
	}
	return out, err
}
