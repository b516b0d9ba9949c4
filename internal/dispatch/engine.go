package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"campaignbot/internal/campaign"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

// Engine sends payloads through a provider. It is shared by every stream:
// the aggregate rate limit and any provider-imposed suspension apply to all
// of them.
type Engine struct {
	provider transport.Provider
	log      logx.Logger
	bus      eventbus.Bus
	clock    Clock

	cfg     atomic.Pointer[Config]
	limiter *rate.Limiter

	holdMu    sync.Mutex
	holdUntil time.Time
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }
func WithBus(bus eventbus.Bus) Option    { return func(e *Engine) { e.bus = bus } }
func WithClock(c Clock) Option           { return func(e *Engine) { e.clock = c } }

func New(provider transport.Provider, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
		clock:    realClock{},
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "dispatch"))
	e.Apply(cfg)
	return e
}

// Apply swaps pacing settings. Safe while streams are running.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfg.Store(&cfg)
	if cfg.RatePerSec > 0 {
		e.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		e.limiter.SetBurst(cfg.Burst)
	} else {
		e.limiter.SetLimit(rate.Inf)
	}
}

func (e *Engine) config() Config { return *e.cfg.Load() }

type StreamOption func(*Stream)

// WithDelay overrides the engine's fixed delay for one stream.
func WithDelay(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d >= 0 {
			s.delay = &d
		}
	}
}

// NewStream starts a sequential send sequence. source names the caller in
// logs and events ("autosend", "broadcast").
func (e *Engine) NewStream(source string, opts ...StreamOption) *Stream {
	s := &Stream{e: e, source: source}
	for _, o := range opts {
		o(s)
	}
	return s
}

// hold extends the engine-wide suspension to at least until.
func (e *Engine) hold(until time.Time) {
	e.holdMu.Lock()
	if until.After(e.holdUntil) {
		e.holdUntil = until
	}
	e.holdMu.Unlock()
}

func (e *Engine) heldFor(now time.Time) time.Duration {
	e.holdMu.Lock()
	defer e.holdMu.Unlock()
	if d := e.holdUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (e *Engine) deliver(ctx context.Context, recipientID int64, p campaign.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, e.config().CallTimeout)
	defer cancel()
	switch p.Kind {
	case campaign.KindText:
		return e.provider.SendText(ctx, recipientID, p.Text, p.Buttons)
	case campaign.KindPhoto:
		return e.provider.SendPhoto(ctx, recipientID, p.MediaRef, p.Text, p.Buttons)
	case campaign.KindVideo:
		return e.provider.SendVideo(ctx, recipientID, p.MediaRef, p.Text, p.Buttons)
	default:
		return fmt.Errorf("unsupported payload kind %s", p.Kind)
	}
}

// Stream is one sequential dispatch sequence. Recipient N+1 is never
// attempted before the fixed delay after recipient N has elapsed, or before
// an engine-wide suspension has ended. Not safe for concurrent use.
type Stream struct {
	e      *Engine
	source string
	delay  *time.Duration
	last   time.Time
}

// Send delivers p to one recipient and classifies the result. It never
// panics on provider errors and retries only after a rate limit, once.
func (s *Stream) Send(ctx context.Context, recipientID int64, p campaign.Payload) Result {
	e := s.e
	res := Result{RecipientID: recipientID}
	started := e.clock.Now()
	defer func() {
		s.last = e.clock.Now()
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivery, Time: s.last, Data: DeliveryEvent{
			Source:      s.source,
			RecipientID: recipientID,
			Kind:        p.Kind.String(),
			Outcome:     res.Outcome,
			Attempts:    res.Attempts,
			Duration:    s.last.Sub(started),
		}})
	}()

	if err := p.Validate(); err != nil {
		res.Outcome, res.Err = TransientFailure, err
		return res
	}
	if err := s.pace(ctx); err != nil {
		res.Outcome, res.Err = TransientFailure, err
		return res
	}

	err := s.attempt(ctx, recipientID, p, &res)
	if after, limited := transport.RetryAfterOf(err); limited {
		res.Suspended = after
		e.hold(e.clock.Now().Add(after))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeRateLimited, Data: RateLimitEvent{Source: s.source, RetryAfter: after}})
		e.log.Warn("provider rate limit, suspending dispatch",
			logx.String("source", s.source), logx.Int64("recipient", recipientID), logx.Duration("retry_after", after))
		if werr := e.clock.Sleep(ctx, e.heldFor(e.clock.Now())); werr != nil {
			res.Outcome, res.Err = TransientFailure, werr
			return res
		}
		err = s.attempt(ctx, recipientID, p, &res)
	}

	switch {
	case err == nil:
		res.Outcome = Sent
		e.log.Debug("sent", logx.String("source", s.source), logx.Int64("recipient", recipientID), logx.Int("attempts", res.Attempts))
	case transport.IsBlocked(err):
		res.Outcome, res.Err = Blocked, err
		e.log.Info("recipient blocked", logx.String("source", s.source), logx.Int64("recipient", recipientID), logx.Err(err))
	default:
		res.Outcome, res.Err = TransientFailure, err
		e.log.Warn("send failed", logx.String("source", s.source), logx.Int64("recipient", recipientID), logx.Int("attempts", res.Attempts), logx.Err(err))
	}
	return res
}

func (s *Stream) attempt(ctx context.Context, recipientID int64, p campaign.Payload, res *Result) error {
	if err := s.e.limiter.Wait(ctx); err != nil {
		return err
	}
	res.Attempts++
	return s.e.deliver(ctx, recipientID, p)
}

// pace waits out the engine suspension, or else the stream's fixed delay.
func (s *Stream) pace(ctx context.Context) error {
	e := s.e
	now := e.clock.Now()
	if held := e.heldFor(now); held > 0 {
		return e.clock.Sleep(ctx, held)
	}
	if s.last.IsZero() {
		return ctx.Err()
	}
	delay := e.config().Delay
	if s.delay != nil {
		delay = *s.delay
	}
	if wait := s.last.Add(delay).Sub(now); wait > 0 {
		return e.clock.Sleep(ctx, wait)
	}
	return ctx.Err()
}

// Canceled reports whether the caller's context ended before the provider
// was reached.
func (r Result) Canceled() bool {
	return r.Attempts == 0 && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}
