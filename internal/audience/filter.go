// Package audience selects subscribers for broadcasts and auto-message rules.
package audience

import (
	"context"
	"sort"
	"time"

	"campaignbot/internal/campaign"
)

type Querier interface {
	QuerySubscribers(ctx context.Context, c campaign.Criteria) ([]campaign.Subscriber, error)
}

// Filter resolves criteria to subscribers. It never writes.
type Filter struct {
	store Querier
}

func NewFilter(store Querier) *Filter { return &Filter{store: store} }

// Select returns the matching subscribers ordered by id, each at most once.
// No match is an empty slice, not an error.
func (f *Filter) Select(ctx context.Context, c campaign.Criteria) ([]campaign.Subscriber, error) {
	subs, err := f.store.QuerySubscribers(ctx, c.Normalize())
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(subs))
	out := make([]campaign.Subscriber, 0, len(subs))
	for _, s := range subs {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DefaultWindow is the half-width of the registration window a rule matches.
// Polling more often than twice this never skips a subscriber.
const DefaultWindow = 5 * time.Minute
