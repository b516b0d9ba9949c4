package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"campaignbot/internal/campaign"
)

var (
	// ErrUnavailable marks failures to reach the store at all. Fatal at
	// startup, a failed pass afterwards.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type SendStatus string

const (
	StatusSent    SendStatus = "sent"
	StatusBlocked SendStatus = "blocked"
)

// SendRecord marks a (subscriber, rule) pair as handled. The pair is unique:
// a second write for the same pair is ignored.
type SendRecord struct {
	SubscriberID int64
	RuleID       int64
	Status       SendStatus
	At           time.Time
}

type AudienceStats struct {
	Total      int            `json:"total"`
	ByLanguage map[string]int `json:"by_language"`
	BySource   map[string]int `json:"by_source"`
}

// Text is an operator override of a localized bot text.
type Text struct {
	Key      string `json:"key"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type Language struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Flag      string `json:"flag,omitempty"`
	Active    bool   `json:"active"`
	Default   bool   `json:"default"`
	SortOrder int    `json:"sort_order"`
}

type SubscriberStore interface {
	// UpsertSubscriber inserts s when its id is new and reports created=true.
	// For a known id only username, full name and last activity change.
	UpsertSubscriber(ctx context.Context, s campaign.Subscriber) (created bool, err error)
	TouchSubscriber(ctx context.Context, id int64, at time.Time) error
	SetSubscriberLanguage(ctx context.Context, id int64, lang string) error
	GetSubscriber(ctx context.Context, id int64) (campaign.Subscriber, error)
	// QuerySubscribers returns matching subscribers ordered by id. No match is
	// an empty slice and a nil error.
	QuerySubscribers(ctx context.Context, c campaign.Criteria) ([]campaign.Subscriber, error)
	AudienceStats(ctx context.Context) (AudienceStats, error)
}

type RuleStore interface {
	CreateRule(ctx context.Context, r campaign.Rule) (campaign.Rule, error)
	GetRule(ctx context.Context, id int64) (campaign.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]campaign.Rule, error)
	SetRuleActive(ctx context.Context, id int64, active bool) error
}

type LedgerStore interface {
	HasSendRecord(ctx context.Context, subscriberID, ruleID int64) (bool, error)
	// WriteSendRecord is atomic per pair; inserted is false when the pair
	// already had a record.
	WriteSendRecord(ctx context.Context, rec SendRecord) (inserted bool, err error)
	// SendRecordSubscribers returns every subscriber id with a record for ruleID.
	SendRecordSubscribers(ctx context.Context, ruleID int64) (map[int64]struct{}, error)
}

type TextStore interface {
	ListTexts(ctx context.Context) ([]Text, error)
	PutText(ctx context.Context, t Text) error
	ListLanguages(ctx context.Context) ([]Language, error)
	PutLanguage(ctx context.Context, l Language) error
}

// Store is the full persistence API.
type Store interface {
	SubscriberStore
	RuleStore
	LedgerStore
	TextStore

	Ping(ctx context.Context) error
	Close() error
}
