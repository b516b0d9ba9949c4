package audience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/campaign"
	"campaignbot/internal/ledger"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, subs ...campaign.Subscriber) *storage.Memory {
	t.Helper()
	st := storage.NewMemory()
	for _, s := range subs {
		_, err := st.UpsertSubscriber(context.Background(), s)
		require.NoError(t, err)
	}
	return st
}

func ids(subs []campaign.Subscriber) []int64 {
	out := []int64{}
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func TestSelectWithoutCriteriaReturnsEveryone(t *testing.T) {
	st := seed(t,
		campaign.Subscriber{ID: 3, Language: "en", RegisteredAt: t0},
		campaign.Subscriber{ID: 1, Language: "pt", RegisteredAt: t0},
		campaign.Subscriber{ID: 2, Language: "hu", RegisteredAt: t0},
	)
	got, err := NewFilter(st).Select(context.Background(), campaign.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(got))
}

func TestSelectNoMatchIsEmptyNotError(t *testing.T) {
	st := seed(t, campaign.Subscriber{ID: 1, Language: "pt", RegisteredAt: t0})
	got, err := NewFilter(st).Select(context.Background(), campaign.Criteria{Language: "xx"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSelectDoesNotMutate(t *testing.T) {
	st := seed(t, campaign.Subscriber{ID: 1, Language: "pt", Tags: []string{"vip"}, RegisteredAt: t0, LastActiveAt: t0})
	_, err := NewFilter(st).Select(context.Background(), campaign.Criteria{Tags: []string{"vip"}})
	require.NoError(t, err)
	s, err := st.GetSubscriber(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, s.LastActiveAt.Equal(t0))
}

type dupQuerier struct{ subs []campaign.Subscriber }

func (d dupQuerier) QuerySubscribers(context.Context, campaign.Criteria) ([]campaign.Subscriber, error) {
	return d.subs, nil
}

func TestSelectDeduplicates(t *testing.T) {
	f := NewFilter(dupQuerier{subs: []campaign.Subscriber{{ID: 2}, {ID: 1}, {ID: 2}}})
	got, err := f.Select(context.Background(), campaign.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(got))
}

func newMatcher(st *storage.Memory) (*Matcher, *ledger.Ledger) {
	l := ledger.New(st, logx.Nop())
	return NewMatcher(NewFilter(st), l, 5*time.Minute), l
}

func TestEligibleWindowIsInclusive(t *testing.T) {
	st := seed(t, campaign.Subscriber{ID: 1, Language: "en", RegisteredAt: t0})
	m, _ := newMatcher(st)
	rule := campaign.Rule{ID: 7, Delay: time.Hour}
	due := t0.Add(time.Hour)

	for _, tc := range []struct {
		now  time.Time
		want bool
	}{
		{due.Add(-5 * time.Minute), true},
		{due, true},
		{due.Add(5 * time.Minute), true},
		{due.Add(-5*time.Minute - time.Millisecond), false},
		{due.Add(5*time.Minute + time.Millisecond), false},
	} {
		got, err := m.Eligible(context.Background(), rule, tc.now)
		require.NoError(t, err)
		assert.Equal(t, tc.want, len(got) == 1, "now=%s", tc.now.Sub(t0))
	}
}

func TestEligibleIsIdempotentUntilRecorded(t *testing.T) {
	st := seed(t,
		campaign.Subscriber{ID: 1, Language: "en", RegisteredAt: t0},
		campaign.Subscriber{ID: 2, Language: "en", RegisteredAt: t0.Add(time.Minute)},
	)
	m, l := newMatcher(st)
	rule := campaign.Rule{ID: 7, Delay: 24 * time.Hour}
	now := t0.Add(24 * time.Hour)

	a, err := m.Eligible(context.Background(), rule, now)
	require.NoError(t, err)
	b, err := m.Eligible(context.Background(), rule, now)
	require.NoError(t, err)
	assert.Equal(t, ids(a), ids(b))
	assert.Equal(t, []int64{1, 2}, ids(a))

	require.NoError(t, l.Record(context.Background(), 1, rule.ID))
	for _, at := range []time.Time{now, now.Add(time.Minute), now.Add(3 * time.Minute)} {
		got, err := m.Eligible(context.Background(), rule, at)
		require.NoError(t, err)
		assert.NotContains(t, ids(got), int64(1))
	}
}

func TestEligibleNarrowsByRuleTargets(t *testing.T) {
	st := seed(t,
		campaign.Subscriber{ID: 1, Language: "pt", Source: "ads", RegisteredAt: t0},
		campaign.Subscriber{ID: 2, Language: "pt", Source: "organic", RegisteredAt: t0},
		campaign.Subscriber{ID: 3, Language: "en", Source: "ads", RegisteredAt: t0},
	)
	m, _ := newMatcher(st)
	now := t0.Add(time.Hour)

	got, err := m.Eligible(context.Background(), campaign.Rule{ID: 1, Delay: time.Hour, TargetLanguage: "pt"}, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(got))

	got, err = m.Eligible(context.Background(), campaign.Rule{ID: 1, Delay: time.Hour, TargetLanguage: "pt", TargetSource: "ads"}, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got))
}

// A one-hour rule polled before, inside and after the subscriber's window.
func TestEligibleDedupAcrossPolls(t *testing.T) {
	st := seed(t, campaign.Subscriber{ID: 1, Language: "en", RegisteredAt: t0})
	m, l := newMatcher(st)
	rule := campaign.Rule{ID: 9, Delay: 60 * time.Minute}

	got, err := m.Eligible(context.Background(), rule, t0.Add(54*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got, "before the window opens")

	got, err = m.Eligible(context.Background(), rule, t0.Add(61*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids(got))
	require.NoError(t, l.Record(context.Background(), 1, rule.ID))

	got, err = m.Eligible(context.Background(), rule, t0.Add(65*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got, "already recorded")
}

func TestEligibleStoreFailure(t *testing.T) {
	st := seed(t, campaign.Subscriber{ID: 1, RegisteredAt: t0})
	m, _ := newMatcher(st)
	st.SetFailure(storage.ErrUnavailable)
	_, err := m.Eligible(context.Background(), campaign.Rule{ID: 1, Delay: time.Hour}, t0.Add(time.Hour))
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
