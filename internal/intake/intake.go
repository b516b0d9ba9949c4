// Package intake turns inbound chat messages into subscriber records.
package intake

import (
	"context"
	"strings"
	"time"

	"campaignbot/internal/campaign"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

// Store is the subscriber part of storage.Store.
type Store interface {
	UpsertSubscriber(ctx context.Context, s campaign.Subscriber) (created bool, err error)
	TouchSubscriber(ctx context.Context, id int64, at time.Time) error
	GetSubscriber(ctx context.Context, id int64) (campaign.Subscriber, error)
}

// Texts resolves localized replies.
type Texts interface {
	Resolve(clientLang string) string
	Text(lang, key string, args map[string]string) string
}

type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

// JoinedEvent is published once per newly registered subscriber.
type JoinedEvent struct {
	SubscriberID int64
	Language     string
	Source       string
}

type Handler struct {
	store Store
	texts Texts
	reply Replier
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Handler)

func WithNow(now func() time.Time) Option { return func(h *Handler) { h.now = now } }
func WithBus(b eventbus.Bus) Option       { return func(h *Handler) { h.bus = b } }

func New(store Store, texts Texts, reply Replier, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		store: store,
		texts: texts,
		reply: reply,
		bus:   eventbus.Nop(),
		log:   log.With(logx.String("comp", "intake")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run handles messages until ctx is done or in is closed.
func (h *Handler) Run(ctx context.Context, in <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, msg); err != nil {
				h.log.Warn("message handling failed",
					logx.Int64("user_id", msg.FromID), logx.Err(err))
			}
		}
	}
}

// Handle processes one message. /start registers the sender; anything else
// refreshes last activity.
func (h *Handler) Handle(ctx context.Context, msg transport.Message) error {
	if !msg.IsPrivate || msg.FromID == 0 {
		return nil
	}
	now := h.now()
	cmd, payload, ok := msg.Command()
	if !ok || cmd != "start" {
		return h.store.TouchSubscriber(ctx, msg.FromID, now)
	}

	sub := campaign.Subscriber{
		ID:           msg.FromID,
		Username:     msg.Username,
		FullName:     msg.FullName(),
		Language:     h.texts.Resolve(msg.LanguageCode),
		Source:       sourceFrom(payload),
		Tags:         []string{campaign.RegistrationTag(now)},
		RegisteredAt: now,
		LastActiveAt: now,
	}
	created, err := h.store.UpsertSubscriber(ctx, sub)
	if err != nil {
		return err
	}

	key := "welcome_back"
	if created {
		key = "welcome"
		h.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSubscriberJoined,
			Data: JoinedEvent{SubscriberID: sub.ID, Language: sub.Language, Source: sub.Source},
		})
		h.log.Info("subscriber joined",
			logx.Int64("user_id", sub.ID), logx.String("lang", sub.Language), logx.String("source", sub.Source))
	} else if cur, err := h.store.GetSubscriber(ctx, sub.ID); err == nil {
		sub.Language = cur.Language
	}

	name := strings.TrimSpace(msg.FirstName)
	if name == "" {
		name = sub.DisplayName()
	}
	text := h.texts.Text(sub.Language, key, map[string]string{"name": name})
	return h.reply.Reply(ctx, msg.ChatID, text)
}

// sourceFrom keeps deep-link payloads to the characters Telegram allows.
func sourceFrom(payload string) string {
	payload = strings.TrimSpace(payload)
	if len(payload) > 64 {
		payload = payload[:64]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return -1
	}, payload)
}
