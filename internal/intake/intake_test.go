package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/eventbus"
	"campaignbot/internal/locale"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type replies struct {
	mu   sync.Mutex
	sent []string
}

func (r *replies) Reply(_ context.Context, _ int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *replies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newHandler(t *testing.T, now time.Time) (*Handler, *storage.Memory, *replies, eventbus.Bus) {
	t.Helper()
	st := storage.NewMemory()
	texts, err := locale.New(st, "en", []string{"pt", "hu", "en"}, logx.Nop())
	require.NoError(t, err)
	r := &replies{}
	bus := eventbus.New()
	h := New(st, texts, r, logx.Nop(), WithNow(func() time.Time { return now }), WithBus(bus))
	return h, st, r, bus
}

func TestStartRegistersOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h, st, r, bus := newHandler(t, now)
	events, unsub := bus.Subscribe(4)
	defer unsub()

	msg := transport.Message{ChatID: 42, FromID: 42, FirstName: "Ana", LanguageCode: "pt-BR", Text: "/start ads_may", IsPrivate: true}
	require.NoError(t, h.Handle(ctx, msg))

	sub, err := st.GetSubscriber(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "pt", sub.Language)
	assert.Equal(t, "ads_may", sub.Source)
	assert.Equal(t, []string{"registered_2024-05-01"}, sub.Tags)
	assert.True(t, sub.RegisteredAt.Equal(now))

	ev := <-events
	assert.Equal(t, eventbus.TypeSubscriberJoined, ev.Type)
	assert.Equal(t, JoinedEvent{SubscriberID: 42, Language: "pt", Source: "ads_may"}, ev.Data)

	msg.Text = "/start other"
	require.NoError(t, h.Handle(ctx, msg))
	sub, err = st.GetSubscriber(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "ads_may", sub.Source, "source is fixed at registration")

	got := r.all()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "Bem-vindo, Ana!")
	assert.Contains(t, got[1], "Bem-vindo de volta, Ana!")
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestUnsupportedLanguageUsesDefault(t *testing.T) {
	ctx := context.Background()
	h, st, _, _ := newHandler(t, time.Now())
	require.NoError(t, h.Handle(ctx, transport.Message{ChatID: 7, FromID: 7, LanguageCode: "de", Text: "/start", IsPrivate: true}))
	sub, err := st.GetSubscriber(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "en", sub.Language)
	assert.Empty(t, sub.Source)
}

func TestPlainMessageTouchesActivity(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h, st, r, _ := newHandler(t, start)
	require.NoError(t, h.Handle(ctx, transport.Message{ChatID: 1, FromID: 1, Text: "/start", IsPrivate: true}))

	later := start.Add(3 * time.Hour)
	h.now = func() time.Time { return later }
	require.NoError(t, h.Handle(ctx, transport.Message{ChatID: 1, FromID: 1, Text: "hi", IsPrivate: true}))

	sub, err := st.GetSubscriber(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sub.LastActiveAt.Equal(later))
	assert.Len(t, r.all(), 1, "plain text gets no reply")
}

func TestGroupMessagesIgnored(t *testing.T) {
	h, st, r, _ := newHandler(t, time.Now())
	require.NoError(t, h.Handle(context.Background(), transport.Message{ChatID: -100, FromID: 5, Text: "/start"}))
	_, err := st.GetSubscriber(context.Background(), 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, r.all())
}

func TestSourceSanitized(t *testing.T) {
	assert.Equal(t, "promo-1_x", sourceFrom(" promo-1_x "))
	assert.Equal(t, "abc", sourceFrom("a<b>c"))
	assert.Len(t, sourceFrom(string(make([]byte, 100))), 0)
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	h, st, _, _ := newHandler(t, time.Now())
	in := make(chan transport.Message, 1)
	in <- transport.Message{ChatID: 3, FromID: 3, Text: "/start", IsPrivate: true}
	close(in)
	require.NoError(t, h.Run(context.Background(), in))
	_, err := st.GetSubscriber(context.Background(), 3)
	require.NoError(t, err)
}
