// Package metrics turns delivery events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campaignbot/internal/autosend"
	"campaignbot/internal/broadcast"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/intake"
)

// Collector owns a private registry so tests and multiple instances never
// collide on the default one.
type Collector struct {
	reg *prometheus.Registry

	deliveries   *prometheus.CounterVec
	sendDuration *prometheus.SummaryVec
	rateLimits   *prometheus.CounterVec
	passes       *prometheus.CounterVec
	passSent     prometheus.Counter
	broadcasts   prometheus.Counter
	bcastSent    prometheus.Counter
	bcastFailed  prometheus.Counter
	joins        *prometheus.CounterVec
	dropped      prometheus.GaugeFunc
}

func New(bus eventbus.Bus) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_deliveries_total",
			Help: "Send attempts by stream and outcome.",
		}, []string{"source", "kind", "outcome"}),
		sendDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "campaignbot_send_duration_seconds",
			Help:       "Time spent on one recipient including retries.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"source"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_rate_limits_total",
			Help: "Provider rate limit responses.",
		}, []string{"source"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_autosend_passes_total",
			Help: "Scheduler passes by result.",
		}, []string{"result"}),
		passSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_autosend_sent_total",
			Help: "Auto-messages delivered by scheduler passes.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_broadcasts_total",
			Help: "Finished broadcasts.",
		}),
		bcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_broadcast_sent_total",
			Help: "Broadcast recipients delivered.",
		}),
		bcastFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignbot_broadcast_failed_total",
			Help: "Broadcast recipients not delivered.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaignbot_subscribers_joined_total",
			Help: "New subscribers by language.",
		}, []string{"language"}),
	}
	c.dropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "campaignbot_eventbus_dropped",
		Help: "Events dropped because a subscriber was slow.",
	}, func() float64 { return float64(bus.Dropped()) })

	c.reg.MustRegister(
		c.deliveries, c.sendDuration, c.rateLimits, c.passes, c.passSent,
		c.broadcasts, c.bcastSent, c.bcastFailed, c.joins, c.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes events until ctx is done.
func (c *Collector) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe applies one event. Unknown event types are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case dispatch.DeliveryEvent:
		c.deliveries.WithLabelValues(d.Source, d.Kind, d.Outcome.String()).Inc()
		c.sendDuration.WithLabelValues(d.Source).Observe(d.Duration.Seconds())
	case dispatch.RateLimitEvent:
		c.rateLimits.WithLabelValues(d.Source).Inc()
	case autosend.PassReport:
		result := "ok"
		if d.Err != nil {
			result = "failed"
		}
		c.passes.WithLabelValues(result).Inc()
		c.passSent.Add(float64(d.Sent))
	case broadcast.Result:
		c.broadcasts.Inc()
		c.bcastSent.Add(float64(d.Sent))
		c.bcastFailed.Add(float64(d.Failed))
	case intake.JoinedEvent:
		c.joins.WithLabelValues(d.Language).Inc()
	}
}
