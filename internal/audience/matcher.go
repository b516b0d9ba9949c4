package audience

import (
	"context"
	"time"

	"campaignbot/internal/campaign"
)

// Recorded lists subscribers already handled for a rule.
type Recorded interface {
	Recipients(ctx context.Context, ruleID int64) (map[int64]struct{}, error)
}

// Matcher finds subscribers due for an auto-message rule.
type Matcher struct {
	filter *Filter
	ledger Recorded
	window time.Duration
}

func NewMatcher(filter *Filter, ledger Recorded, window time.Duration) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{filter: filter, ledger: ledger, window: window}
}

func (m *Matcher) Window() time.Duration { return m.window }

// Eligible returns subscribers registered within ±window of now-rule.Delay,
// narrowed by the rule's language and source, minus those already in the
// ledger. A subscriber whose window passed while nobody polled is not caught
// up later.
func (m *Matcher) Eligible(ctx context.Context, rule campaign.Rule, now time.Time) ([]campaign.Subscriber, error) {
	target := now.Add(-rule.Delay)
	from, to := target.Add(-m.window), target.Add(m.window)
	subs, err := m.filter.Select(ctx, campaign.Criteria{
		Language:       rule.TargetLanguage,
		Source:         rule.TargetSource,
		RegisteredFrom: &from,
		RegisteredTo:   &to,
	})
	if err != nil || len(subs) == 0 {
		return subs, err
	}

	done, err := m.ledger.Recipients(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if _, ok := done[s.ID]; !ok {
			out = append(out, s)
		}
	}
	return out, nil
}
