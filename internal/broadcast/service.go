// Package broadcast sends one operator message to every subscriber matching
// a filter.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"campaignbot/internal/audience"
	"campaignbot/internal/campaign"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	logx "campaignbot/pkg/logx"
)

type Service struct {
	filter *audience.Filter
	engine *dispatch.Engine
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu  sync.Mutex
	cfg Config

	statusMu sync.RWMutex
	status   map[string]*Result
}

func New(filter *audience.Filter, engine *dispatch.Engine, cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		filter: filter,
		engine: engine,
		log:    log.With(logx.String("comp", "broadcast")),
		bus:    bus,
		now:    time.Now,
		cfg:    cfg,
		status: map[string]*Result{},
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.pruneStatus(s.now())
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run sends p to every subscriber matching c and blocks until done.
// Per-recipient failures only show up in the result. An error is returned
// when the payload is invalid or the audience cannot be loaded.
func (s *Service) Run(ctx context.Context, c campaign.Criteria, p campaign.Payload) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{Details: []Detail{}}, errors.Wrap(err, "invalid broadcast payload")
	}
	subs, err := s.filter.Select(ctx, c)
	if err != nil {
		return Result{Details: []Detail{}}, errors.Wrap(err, "select audience")
	}

	res := &Result{
		ID:        uuid.NewString(),
		Total:     len(subs),
		Details:   make([]Detail, 0, len(subs)),
		Running:   true,
		StartedAt: s.now(),
	}
	s.pruneStatus(res.StartedAt)
	s.statusMu.Lock()
	s.status[res.ID] = res
	s.statusMu.Unlock()

	log := s.log.With(logx.String("broadcast", res.ID))
	log.Info("broadcast started", logx.Int("total", res.Total), logx.String("kind", p.Kind.String()))

	var opts []dispatch.StreamOption
	if d := s.config().Delay; d > 0 {
		opts = append(opts, dispatch.WithDelay(d))
	}
	stream := s.engine.NewStream("broadcast", opts...)
	for _, sub := range subs {
		out := stream.Send(ctx, sub.ID, p)
		d := Detail{RecipientID: sub.ID, DisplayName: sub.DisplayName(), Status: StatusSuccess}
		if out.Outcome != dispatch.Sent {
			d.Status = StatusError
			if out.Err != nil {
				d.Error = out.Err.Error()
			} else {
				d.Error = out.Outcome.String()
			}
		}

		s.statusMu.Lock()
		res.Details = append(res.Details, d)
		if d.Status == StatusSuccess {
			res.Sent++
		} else {
			res.Failed++
		}
		res.SuccessRate = successRate(res.Sent, res.Total)
		s.statusMu.Unlock()
	}

	s.statusMu.Lock()
	res.Running = false
	res.FinishedAt = s.now()
	final := res.clone()
	s.statusMu.Unlock()
	s.pruneStatus(final.FinishedAt)

	log.Info("broadcast finished",
		logx.Int("total", final.Total), logx.Int("sent", final.Sent), logx.Int("failed", final.Failed),
		logx.Float64("success_rate", final.SuccessRate), logx.Duration("took", final.FinishedAt.Sub(final.StartedAt)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastFinished, Data: final})
	return final, nil
}

// Status returns a copy of a recent broadcast result.
func (s *Service) Status(id string) (Result, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	r, ok := s.status[id]
	if !ok || r == nil {
		return Result{}, false
	}
	return r.clone(), true
}
