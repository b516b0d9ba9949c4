// Package ledger records which (subscriber, rule) pairs have been handled so
// that an auto-message is delivered at most once per subscriber.
//
// Delivery is at-least-once: HasSent is checked right before a send and
// Record is written right after it succeeds. A crash between the two means
// the subscriber may be retried on the next pass.
package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

// Ledger wraps the store's send records. Records are never deleted, so
// positive answers are memoised.
type Ledger struct {
	store storage.LedgerStore
	memo  *cache.Cache
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.LedgerStore, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store: store,
		memo:  cache.New(time.Hour, 10*time.Minute),
		log:   log.With(logx.String("comp", "ledger")),
		now:   time.Now,
	}
}

func key(subscriberID, ruleID int64) string {
	return strconv.FormatInt(subscriberID, 10) + ":" + strconv.FormatInt(ruleID, 10)
}

// HasSent reports whether the pair has any record, delivered or blocked.
func (l *Ledger) HasSent(ctx context.Context, subscriberID, ruleID int64) (bool, error) {
	k := key(subscriberID, ruleID)
	if _, ok := l.memo.Get(k); ok {
		return true, nil
	}
	ok, err := l.store.HasSendRecord(ctx, subscriberID, ruleID)
	if err != nil {
		return false, err
	}
	if ok {
		l.memo.SetDefault(k, struct{}{})
	}
	return ok, nil
}

// Record marks a confirmed delivery. Recording an existing pair is a no-op.
func (l *Ledger) Record(ctx context.Context, subscriberID, ruleID int64) error {
	return l.write(ctx, subscriberID, ruleID, storage.StatusSent)
}

// RecordBlocked marks an attempt to an unreachable recipient so the rule is
// not retried for them. It does not count as a delivery.
func (l *Ledger) RecordBlocked(ctx context.Context, subscriberID, ruleID int64) error {
	return l.write(ctx, subscriberID, ruleID, storage.StatusBlocked)
}

func (l *Ledger) write(ctx context.Context, subscriberID, ruleID int64, status storage.SendStatus) error {
	inserted, err := l.store.WriteSendRecord(ctx, storage.SendRecord{
		SubscriberID: subscriberID,
		RuleID:       ruleID,
		Status:       status,
		At:           l.now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.log.Debug("send record already present", logx.Int64("subscriber", subscriberID), logx.Int64("rule", ruleID))
	}
	l.memo.SetDefault(key(subscriberID, ruleID), struct{}{})
	return nil
}

// Recipients returns every subscriber with a record for ruleID.
func (l *Ledger) Recipients(ctx context.Context, ruleID int64) (map[int64]struct{}, error) {
	return l.store.SendRecordSubscribers(ctx, ruleID)
}
