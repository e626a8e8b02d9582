package batches

import (
	"context"
	"fmt"
	"time"

	"github.com/omrdash/upload-agent/pkg/log"
)

// DefaultPollInterval matches the queue processor's status cadence.
const DefaultPollInterval = 2 * time.Second

const (
	pollMaxRetries     = 3
	pollBackoffBase    = time.Second
	pollBackoffCeiling = 30 * time.Second
)

// StatusFetcher is the read side of Client needed by the poller.
type StatusFetcher interface {
	Status(ctx context.Context, batchID string) (Summary, error)
}

// Poller is the pull-based progress mechanism for screens that do not
// consume the push stream. It stops by itself once the batch is terminal.
type Poller struct {
	client      StatusFetcher
	interval    time.Duration
	backoffBase time.Duration
}

func NewPoller(client StatusFetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{client: client, interval: interval, backoffBase: pollBackoffBase}
}

// Poll samples the batch status on the fixed interval until it turns
// terminal or ctx ends. onUpdate runs for every successful sample;
// onComplete runs exactly once, on the first terminal observation.
// Consecutive fetch failures are retried up to 3 times with capped
// exponential backoff before the last error is surfaced.
func (p *Poller) Poll(ctx context.Context, batchID string, onUpdate func(Summary), onComplete func(Summary)) error {
	failures := 0

	for {
		summary, err := p.client.Status(ctx, batchID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= pollMaxRetries {
				return fmt.Errorf("batch %s status polling failed after %d attempts: %w", batchID, failures, err)
			}
			log.Warn("Batch %s status poll failed (attempt %d): %v", batchID, failures, err)
			if err := sleep(ctx, p.backoffDelay(failures)); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if onUpdate != nil {
			onUpdate(summary)
		}
		if summary.Status.Terminal() {
			if onComplete != nil {
				onComplete(summary)
			}
			return nil
		}

		if err := sleep(ctx, p.interval); err != nil {
			return err
		}
	}
}

func (p *Poller) backoffDelay(failures int) time.Duration {
	delay := p.backoffBase * time.Duration(int64(1)<<uint(failures))
	if delay > pollBackoffCeiling {
		delay = pollBackoffCeiling
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
