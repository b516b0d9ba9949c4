package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"campaignbot/internal/campaign"
)

type ledgerKey struct{ sub, rule int64 }

// Memory is a process-local Store. It backs the "memory" driver and tests.
type Memory struct {
	mu        sync.RWMutex
	subs      map[int64]campaign.Subscriber
	rules     map[int64]campaign.Rule
	nextRule  int64
	records   map[ledgerKey]SendRecord
	texts     map[[2]string]string
	languages map[string]Language

	// FailWith, when set, is returned by every call. Tests use it to
	// simulate an unreachable store.
	FailWith error
}

func NewMemory() *Memory {
	return &Memory{
		subs:      map[int64]campaign.Subscriber{},
		rules:     map[int64]campaign.Rule{},
		records:   map[ledgerKey]SendRecord{},
		texts:     map[[2]string]string{},
		languages: map[string]Language{},
	}
}

func (m *Memory) fail() error {
	if m.FailWith != nil {
		return m.FailWith
	}
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return errors.Wrap(err, "ping")
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// SetFailure switches the simulated outage on (err != nil) or off.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.FailWith = err
	m.mu.Unlock()
}

func (m *Memory) UpsertSubscriber(_ context.Context, s campaign.Subscriber) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = time.Now()
	}
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = s.RegisteredAt
	}
	cur, ok := m.subs[s.ID]
	if !ok {
		s.Tags = normalizeTags(s.Tags)
		m.subs[s.ID] = s
		return true, nil
	}
	cur.Username = s.Username
	cur.FullName = s.FullName
	cur.LastActiveAt = s.LastActiveAt
	m.subs[s.ID] = cur
	return false, nil
}

func (m *Memory) TouchSubscriber(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if cur, ok := m.subs[id]; ok {
		cur.LastActiveAt = at
		m.subs[id] = cur
	}
	return nil
}

func (m *Memory) SetSubscriberLanguage(_ context.Context, id int64, lang string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	cur, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	cur.Language = lang
	m.subs[id] = cur
	return nil
}

func (m *Memory) GetSubscriber(_ context.Context, id int64) (campaign.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return campaign.Subscriber{}, err
	}
	s, ok := m.subs[id]
	if !ok {
		return campaign.Subscriber{}, ErrNotFound
	}
	return cloneSubscriber(s), nil
}

func (m *Memory) QuerySubscribers(_ context.Context, c campaign.Criteria) ([]campaign.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := []campaign.Subscriber{}
	for _, s := range m.subs {
		if c.Matches(s) {
			out = append(out, cloneSubscriber(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AudienceStats(context.Context) (AudienceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := AudienceStats{ByLanguage: map[string]int{}, BySource: map[string]int{}}
	if err := m.fail(); err != nil {
		return st, err
	}
	for _, s := range m.subs {
		st.Total++
		st.ByLanguage[s.Language]++
		st.BySource[s.Source]++
	}
	return st, nil
}

func (m *Memory) CreateRule(_ context.Context, r campaign.Rule) (campaign.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return campaign.Rule{}, err
	}
	if strings.TrimSpace(r.Name) == "" {
		return campaign.Rule{}, errors.New("rule name is required")
	}
	m.nextRule++
	r.ID = m.nextRule
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.rules[r.ID] = r
	return r, nil
}

func (m *Memory) GetRule(_ context.Context, id int64) (campaign.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return campaign.Rule{}, err
	}
	r, ok := m.rules[id]
	if !ok {
		return campaign.Rule{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRules(_ context.Context, activeOnly bool) ([]campaign.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := []campaign.Rule{}
	for _, r := range m.rules {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetRuleActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Active = active
	m.rules[id] = r
	return nil
}

func (m *Memory) HasSendRecord(_ context.Context, subscriberID, ruleID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	_, ok := m.records[ledgerKey{subscriberID, ruleID}]
	return ok, nil
}

func (m *Memory) WriteSendRecord(_ context.Context, rec SendRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	k := ledgerKey{rec.SubscriberID, rec.RuleID}
	if _, ok := m.records[k]; ok {
		return false, nil
	}
	if rec.Status == "" {
		rec.Status = StatusSent
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	m.records[k] = rec
	return true, nil
}

func (m *Memory) SendRecordSubscribers(_ context.Context, ruleID int64) (map[int64]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := map[int64]struct{}{}
	for k := range m.records {
		if k.rule == ruleID {
			out[k.sub] = struct{}{}
		}
	}
	return out, nil
}

// SendRecords returns a copy of the ledger, ordered by rule then subscriber.
func (m *Memory) SendRecords() []SendRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SendRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].SubscriberID < out[j].SubscriberID
	})
	return out
}

func (m *Memory) ListTexts(context.Context) ([]Text, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := make([]Text, 0, len(m.texts))
	for k, v := range m.texts {
		out = append(out, Text{Key: k[0], Language: k[1], Text: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Language < out[j].Language
	})
	return out, nil
}

func (m *Memory) PutText(_ context.Context, t Text) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.texts[[2]string{t.Key, t.Language}] = t.Text
	return nil
}

func (m *Memory) ListLanguages(context.Context) ([]Language, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := make([]Language, 0, len(m.languages))
	for _, l := range m.languages {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (m *Memory) PutLanguage(_ context.Context, l Language) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.languages[l.Code] = l
	return nil
}

func cloneSubscriber(s campaign.Subscriber) campaign.Subscriber {
	s.Tags = append([]string(nil), s.Tags...)
	return s
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
