package dispatch

import (
	"context"
	"fmt"
	"time"
)

// Config controls delivery pacing.
type Config struct {
	// Delay is the minimum gap between two sends of one stream.
	Delay time.Duration
	// CallTimeout bounds a single provider call. 0 means 15s.
	CallTimeout time.Duration
	// RatePerSec caps aggregate sends across all streams. <= 0 disables it.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type Outcome int

const (
	Sent Outcome = iota
	// Blocked is permanent: the recipient blocked the bot or is gone.
	Blocked
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Blocked:
		return "blocked"
	case TransientFailure:
		return "transient_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one Send.
type Result struct {
	RecipientID int64
	Outcome     Outcome
	Err         error
	Attempts    int
	// Suspended is the time spent waiting out a provider rate limit.
	Suspended time.Duration
}

// DeliveryEvent is published on the bus after every Send.
type DeliveryEvent struct {
	Source      string
	RecipientID int64
	Kind        string
	Outcome     Outcome
	Attempts    int
	Duration    time.Duration
}

// RateLimitEvent is published when the provider asks the engine to back off.
type RateLimitEvent struct {
	Source     string
	RetryAfter time.Duration
}

// Clock abstracts time so pacing can be tested without real sleeps.
type Clock interface {
	Now() time.Time
	// Sleep returns early with ctx.Err() when ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
