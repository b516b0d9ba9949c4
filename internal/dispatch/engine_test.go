package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/campaign"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/transport"
	"campaignbot/internal/transport/transporttest"
)

// fakeClock advances only when someone sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

func TestRateLimitRetriesOnceThenSent(t *testing.T) {
	p := transporttest.New()
	p.Script = func(_ int64, attempt int) error {
		if attempt == 1 {
			return transport.RetryAfter(errors.New("Too Many Requests"), 30*time.Second)
		}
		return nil
	}
	clock := newFakeClock()
	e := New(p, Config{Delay: 50 * time.Millisecond}, WithClock(clock))

	res := e.NewStream("test").Send(context.Background(), 1, campaign.Text("hi"))
	assert.Equal(t, Sent, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, p.Attempts(1))
	assert.Equal(t, 30*time.Second, res.Suspended)
	assert.GreaterOrEqual(t, clock.slept(), 30*time.Second)
}

func TestRateLimitTwiceIsTransient(t *testing.T) {
	p := transporttest.New()
	p.Script = func(int64, int) error {
		return transport.RetryAfter(errors.New("Too Many Requests"), 5*time.Second)
	}
	e := New(p, Config{}, WithClock(newFakeClock()))

	res := e.NewStream("test").Send(context.Background(), 1, campaign.Text("hi"))
	assert.Equal(t, TransientFailure, res.Outcome)
	assert.Equal(t, 2, p.Attempts(1), "exactly one retry")
}

func TestBlockedAndTransientAreNotRetried(t *testing.T) {
	p := transporttest.New().Block(1)
	p.Script = func(int64, int) error { return errors.New("connection reset") }
	e := New(p, Config{}, WithClock(newFakeClock()))
	s := e.NewStream("test")

	res := s.Send(context.Background(), 1, campaign.Text("hi"))
	assert.Equal(t, Blocked, res.Outcome)
	assert.True(t, transport.IsBlocked(res.Err))

	res = s.Send(context.Background(), 2, campaign.Text("hi"))
	assert.Equal(t, TransientFailure, res.Outcome)
	assert.EqualError(t, res.Err, "connection reset")

	assert.Equal(t, 1, p.Attempts(1))
	assert.Equal(t, 1, p.Attempts(2))
}

func TestFixedDelayBetweenSends(t *testing.T) {
	p := transporttest.New().Block(2)
	clock := newFakeClock()
	e := New(p, Config{Delay: 100 * time.Millisecond}, WithClock(clock))
	s := e.NewStream("test")

	for id := int64(1); id <= 3; id++ {
		s.Send(context.Background(), id, campaign.Text("hi"))
	}
	// No wait before the first send; one full delay before each later one,
	// regardless of the previous outcome.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, clock.sleeps)
}

func TestSuspensionIsEngineWide(t *testing.T) {
	p := transporttest.New()
	p.Script = func(id int64, attempt int) error {
		if id == 1 && attempt == 1 {
			return transport.RetryAfter(errors.New("Too Many Requests"), 10*time.Second)
		}
		return nil
	}
	clock := newFakeClock()
	e := New(p, Config{}, WithClock(clock))

	// Hold the engine without sleeping so the other stream sees it.
	e.hold(clock.Now().Add(10 * time.Second))
	res := e.NewStream("other").Send(context.Background(), 2, campaign.Text("hi"))
	assert.Equal(t, Sent, res.Outcome)
	assert.Equal(t, []time.Duration{10 * time.Second}, clock.sleeps)
}

func TestPayloadKindsRouteToProvider(t *testing.T) {
	p := transporttest.New()
	e := New(p, Config{}, WithClock(newFakeClock()))
	s := e.NewStream("test")
	btn := campaign.Button{Text: "Open", URL: "https://example.com"}

	require.Equal(t, Sent, s.Send(context.Background(), 1, campaign.Text("t", btn)).Outcome)
	require.Equal(t, Sent, s.Send(context.Background(), 2, campaign.Photo("photo-id", "cap")).Outcome)
	require.Equal(t, Sent, s.Send(context.Background(), 3, campaign.Video("https://cdn/v.mp4", "cap")).Outcome)

	calls := p.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, campaign.KindText, calls[0].Kind)
	assert.Equal(t, []campaign.Button{btn}, calls[0].Buttons)
	assert.Equal(t, campaign.KindPhoto, calls[1].Kind)
	assert.Equal(t, "photo-id", calls[1].MediaRef)
	assert.Equal(t, campaign.KindVideo, calls[2].Kind)
	assert.Equal(t, "cap", calls[2].Text)
}

func TestInvalidPayloadNeverReachesProvider(t *testing.T) {
	p := transporttest.New()
	e := New(p, Config{}, WithClock(newFakeClock()))
	res := e.NewStream("test").Send(context.Background(), 1, campaign.Text(" "))
	assert.Equal(t, TransientFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, campaign.ErrEmptyPayload)
	assert.Empty(t, p.Calls())
}

func TestCanceledContext(t *testing.T) {
	p := transporttest.New()
	e := New(p, Config{}, WithClock(newFakeClock()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.NewStream("test").Send(ctx, 1, campaign.Text("hi"))
	assert.Equal(t, TransientFailure, res.Outcome)
	assert.True(t, res.Canceled())
	assert.Empty(t, p.Calls())
}

func TestDeliveryEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	e := New(transporttest.New().Block(5), Config{}, WithClock(newFakeClock()), WithBus(bus))
	e.NewStream("broadcast").Send(context.Background(), 5, campaign.Text("hi"))

	ev := <-ch
	require.Equal(t, eventbus.TypeDelivery, ev.Type)
	d, ok := ev.Data.(DeliveryEvent)
	require.True(t, ok)
	assert.Equal(t, "broadcast", d.Source)
	assert.Equal(t, Blocked, d.Outcome)
	assert.Equal(t, "text", d.Kind)
}

func TestCallTimeoutApplied(t *testing.T) {
	e := New(&slowProvider{}, Config{CallTimeout: 20 * time.Millisecond})
	res := e.NewStream("test").Send(context.Background(), 1, campaign.Text("hi"))
	assert.Equal(t, TransientFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.False(t, res.Canceled(), "the provider was reached")
}

type slowProvider struct{}

func (slowProvider) SendText(ctx context.Context, _ int64, _ string, _ []campaign.Button) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowProvider) SendPhoto(ctx context.Context, _ int64, _, _ string, _ []campaign.Button) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowProvider) SendVideo(ctx context.Context, _ int64, _, _ string, _ []campaign.Button) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStreamDelayOverride(t *testing.T) {
	clock := newFakeClock()
	e := New(transporttest.New(), Config{Delay: time.Second}, WithClock(clock))
	s := e.NewStream("broadcast", WithDelay(50*time.Millisecond))
	s.Send(context.Background(), 1, campaign.Text("hi"))
	s.Send(context.Background(), 2, campaign.Text("hi"))
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, clock.sleeps)
}
