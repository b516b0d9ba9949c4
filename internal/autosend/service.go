// Package autosend runs auto-message rules on a schedule.
package autosend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"campaignbot/internal/audience"
	"campaignbot/internal/campaign"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/ledger"
	rtsup "campaignbot/internal/runtime/supervisor"
	logx "campaignbot/pkg/logx"
)

var ErrPassRunning = errors.New("autosend pass already running")

type Config struct {
	// Poll is a schedule string, see ParseSchedule. Default "5m".
	Poll string
	// RetryInterval replaces the schedule after a failed pass. Default 1m.
	RetryInterval   time.Duration
	DefaultLanguage string
}

// RuleSource is the part of the store the loop needs.
type RuleSource interface {
	ListRules(ctx context.Context, activeOnly bool) ([]campaign.Rule, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Rules   RuleSource
	Matcher *audience.Matcher
	Ledger  *ledger.Ledger
	Engine  *dispatch.Engine
	Log     logx.Logger
	Bus     eventbus.Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

// PassReport summarises one pass over every active rule.
type PassReport struct {
	Started  time.Time
	Duration time.Duration
	Rules    int
	Eligible int
	Sent     int
	Blocked  int
	Failed   int
	Skipped  int
	Err      error
}

// Service is the scheduler loop. It alternates between waiting for the next
// tick and running one pass; passes never overlap.
type Service struct {
	deps Deps
	log  logx.Logger

	mu    sync.Mutex
	cfg   Config
	sched Schedule
	sup   *rtsup.Supervisor

	passMu   sync.Mutex
	running  atomic.Bool
	last     atomic.Pointer[PassReport]
	wakeup   chan struct{}
	lastTick time.Time
}

func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{deps: deps, log: log.With(logx.String("comp", "autosend")), wakeup: make(chan struct{}, 1)}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps the schedule. The loop picks it up after the current wait.
func (s *Service) Apply(cfg Config) error {
	if cfg.Poll == "" {
		cfg.Poll = "5m"
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	sched, err := ParseSchedule(cfg.Poll)
	if err != nil {
		return fmt.Errorf("scheduler.poll: %w", err)
	}
	if w := s.deps.Matcher.Window(); sched.Period(s.deps.Now()) > 2*w {
		s.log.Warn("poll period exceeds the match window; some subscribers will be skipped",
			logx.String("poll", cfg.Poll), logx.Duration("window", w))
	}
	s.mu.Lock()
	s.cfg, s.sched = cfg, sched
	s.mu.Unlock()
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (s *Service) config() (Config, Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.sched
}

// Start checks the store and launches the loop. An unreachable store is
// fatal here; later outages only fail individual passes.
func (s *Service) Start(ctx context.Context) error {
	if err := s.deps.Rules.Ping(ctx); err != nil {
		return fmt.Errorf("autosend: store unreachable: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("autosend.loop", s.loop,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("autosend started", logx.String("poll", s.cfg.Poll))
	return nil
}

// Stop cancels the loop. A pass in flight is abandoned; unrecorded sends
// are retried on the next start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) Running() bool { return s.running.Load() }

// LastPass returns the most recent pass report, nil before the first pass.
func (s *Service) LastPass() *PassReport { return s.last.Load() }

func (s *Service) loop(ctx context.Context) error {
	wait := time.Duration(0)
	for {
		if !s.sleep(ctx, wait) {
			return nil
		}
		cfg, sched := s.config()
		rep, err := s.RunPass(ctx)
		if ctx.Err() != nil {
			return nil
		}
		now := s.deps.Now()
		if err != nil {
			wait = cfg.RetryInterval
			s.log.Error("autosend pass failed", logx.Duration("retry_in", wait), logx.Int("sent", rep.Sent), logx.Err(err))
			continue
		}
		wait = sched.Next(now).Sub(now)
	}
}

// sleep waits d, or less when Apply changed the schedule. It reports false
// when ctx ended.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.wakeup:
		_, sched := s.config()
		now := s.deps.Now()
		return s.sleep(ctx, min(d, sched.Next(now).Sub(now)))
	}
}

// RunPass evaluates every active rule once. Per-recipient failures are
// counted; per-rule failures are collected and returned together after the
// remaining rules ran.
func (s *Service) RunPass(ctx context.Context) (PassReport, error) {
	if !s.passMu.TryLock() {
		return PassReport{}, ErrPassRunning
	}
	defer s.passMu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	cfg, sched := s.config()
	rep := PassReport{Started: s.deps.Now()}
	if !s.lastTick.IsZero() {
		if late := rep.Started.Sub(s.lastTick) - sched.Period(s.lastTick); late > s.deps.Matcher.Window() {
			s.log.Warn("pass started late; subscribers whose window passed are skipped", logx.Duration("late", late))
		}
	}
	s.lastTick = rep.Started

	defer func() {
		rep.Duration = s.deps.Now().Sub(rep.Started)
		r := rep
		s.last.Store(&r)
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePassFinished, Data: r})
	}()

	rules, err := s.deps.Rules.ListRules(ctx, true)
	if err != nil {
		rep.Err = fmt.Errorf("list active rules: %w", err)
		return rep, rep.Err
	}
	rep.Rules = len(rules)

	stream := s.deps.Engine.NewStream("autosend")
	var merr *multierror.Error
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			merr = multierror.Append(merr, err)
			break
		}
		if err := s.runRule(ctx, stream, r, rep.Started, cfg.DefaultLanguage, &rep); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("rule %d (%s): %w", r.ID, r.Name, err))
		}
	}
	rep.Err = merr.ErrorOrNil()

	lvl := s.log.Debug
	if rep.Sent > 0 || rep.Blocked > 0 || rep.Failed > 0 {
		lvl = s.log.Info
	}
	lvl("autosend pass finished",
		logx.Int("rules", rep.Rules), logx.Int("eligible", rep.Eligible), logx.Int("sent", rep.Sent),
		logx.Int("blocked", rep.Blocked), logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped))
	return rep, rep.Err
}

func (s *Service) runRule(ctx context.Context, stream *dispatch.Stream, r campaign.Rule, now time.Time, defLang string, rep *PassReport) error {
	subs, err := s.deps.Matcher.Eligible(ctx, r, now)
	if err != nil {
		return err
	}
	rep.Eligible += len(subs)
	for _, sub := range subs {
		p, ok := r.PayloadFor(sub.Language, defLang)
		if !ok {
			rep.Skipped++
			s.log.Debug("rule has no body for subscriber language", logx.Int64("rule", r.ID), logx.String("lang", sub.Language))
			continue
		}
		// Another sender may have handled the pair since Eligible ran.
		done, err := s.deps.Ledger.HasSent(ctx, sub.ID, r.ID)
		if err != nil {
			return err
		}
		if done {
			rep.Skipped++
			continue
		}

		res := stream.Send(ctx, sub.ID, p)
		switch res.Outcome {
		case dispatch.Sent:
			rep.Sent++
			if err := s.deps.Ledger.Record(ctx, sub.ID, r.ID); err != nil {
				return fmt.Errorf("record delivery to %d: %w", sub.ID, err)
			}
		case dispatch.Blocked:
			rep.Blocked++
			if err := s.deps.Ledger.RecordBlocked(ctx, sub.ID, r.ID); err != nil {
				return fmt.Errorf("record blocked %d: %w", sub.ID, err)
			}
		default:
			if res.Canceled() {
				return res.Err
			}
			rep.Failed++
		}
	}
	return nil
}
