package storage

import (
	"context"
	"database/sql"
	"time"
)

func (s *sqlStore) HasSendRecord(ctx context.Context, subscriberID, ruleID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM send_records WHERE subscriber_id = ? AND rule_id = ?`, subscriberID, ruleID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err, "has send record")
	}
	return true, nil
}

func (s *sqlStore) WriteSendRecord(ctx context.Context, rec SendRecord) (bool, error) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusSent
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO send_records(subscriber_id, rule_id, status, at) VALUES(?,?,?,?)
		 ON CONFLICT(subscriber_id, rule_id) DO NOTHING`,
		rec.SubscriberID, rec.RuleID, string(rec.Status), rec.At.UnixMilli(),
	)
	if err != nil {
		return false, wrapErr(err, "write send record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err, "write send record")
	}
	return n == 1, nil
}

func (s *sqlStore) SendRecordSubscribers(ctx context.Context, ruleID int64) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subscriber_id FROM send_records WHERE rule_id = ?`, ruleID)
	if err != nil {
		return nil, wrapErr(err, "list send records")
	}
	defer rows.Close()
	out := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err, "scan send record")
		}
		out[id] = struct{}{}
	}
	return out, wrapErr(rows.Err(), "list send records")
}
