package storage

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"campaignbot/internal/campaign"
)

const tagSep = "\x1f"

const selectSubscribers = `SELECT s.id, s.username, s.full_name, s.language, s.source, s.registered_at, s.last_active_at,
	COALESCE((SELECT group_concat(t.tag, char(31)) FROM subscriber_tags t WHERE t.subscriber_id = s.id), '')
	FROM subscribers s`

func (s *sqlStore) UpsertSubscriber(ctx context.Context, sub campaign.Subscriber) (bool, error) {
	now := time.Now()
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = now
	}
	if sub.LastActiveAt.IsZero() {
		sub.LastActiveAt = sub.RegisteredAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapErr(err, "begin upsert subscriber")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO subscribers(id, username, full_name, language, source, registered_at, last_active_at)
		 VALUES(?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		sub.ID, nullStr(sub.Username), nullStr(sub.FullName), sub.Language, nullStr(sub.Source),
		sub.RegisteredAt.UnixMilli(), sub.LastActiveAt.UnixMilli(),
	)
	if err != nil {
		return false, wrapErr(err, "insert subscriber")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err, "insert subscriber")
	}

	created := n == 1
	if created {
		for _, tag := range sub.Tags {
			if tag = strings.TrimSpace(tag); tag == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO subscriber_tags(subscriber_id, tag) VALUES(?,?) ON CONFLICT DO NOTHING`, sub.ID, tag); err != nil {
				return false, wrapErr(err, "insert subscriber tag")
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET username = ?, full_name = ?, last_active_at = ? WHERE id = ?`,
			nullStr(sub.Username), nullStr(sub.FullName), sub.LastActiveAt.UnixMilli(), sub.ID); err != nil {
			return false, wrapErr(err, "update subscriber")
		}
	}
	if err := tx.Commit(); err != nil {
		return false, wrapErr(err, "commit upsert subscriber")
	}
	return created, nil
}

func (s *sqlStore) TouchSubscriber(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET last_active_at = ? WHERE id = ?`, at.UnixMilli(), id)
	return wrapErr(err, "touch subscriber")
}

func (s *sqlStore) SetSubscriberLanguage(ctx context.Context, id int64, lang string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscribers SET language = ? WHERE id = ?`, lang, id)
	if err != nil {
		return wrapErr(err, "set subscriber language")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetSubscriber(ctx context.Context, id int64) (campaign.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, selectSubscribers+` WHERE s.id = ?`, id)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return campaign.Subscriber{}, ErrNotFound
	}
	return sub, wrapErr(err, "get subscriber")
}

func (s *sqlStore) QuerySubscribers(ctx context.Context, c campaign.Criteria) ([]campaign.Subscriber, error) {
	q, args := subscriberQuery(c)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err, "query subscribers")
	}
	defer rows.Close()

	out := []campaign.Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, wrapErr(err, "scan subscriber")
		}
		out = append(out, sub)
	}
	return out, wrapErr(rows.Err(), "query subscribers")
}

func (s *sqlStore) AudienceStats(ctx context.Context) (AudienceStats, error) {
	st := AudienceStats{ByLanguage: map[string]int{}, BySource: map[string]int{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT language, COALESCE(source, ''), COUNT(*) FROM subscribers GROUP BY language, source`)
	if err != nil {
		return st, wrapErr(err, "audience stats")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lang, src string
			n         int
		)
		if err := rows.Scan(&lang, &src, &n); err != nil {
			return st, wrapErr(err, "audience stats")
		}
		st.Total += n
		st.ByLanguage[lang] += n
		st.BySource[src] += n
	}
	return st, wrapErr(rows.Err(), "audience stats")
}

// subscriberQuery renders criteria as a WHERE clause over subscribers s.
func subscriberQuery(c campaign.Criteria) (string, []any) {
	c = c.Normalize()
	var (
		where []string
		args  []any
	)
	if c.Language != "" {
		where = append(where, "s.language = ?")
		args = append(args, c.Language)
	}
	if c.Source != "" {
		where = append(where, "s.source = ?")
		args = append(args, c.Source)
	}
	if len(c.Tags) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(c.Tags)), ",")
		where = append(where, "EXISTS (SELECT 1 FROM subscriber_tags t WHERE t.subscriber_id = s.id AND t.tag IN ("+marks+"))")
		for _, t := range c.Tags {
			args = append(args, t)
		}
	}
	if c.RegisteredFrom != nil {
		where = append(where, "s.registered_at >= ?")
		args = append(args, c.RegisteredFrom.UnixMilli())
	}
	if c.RegisteredTo != nil {
		where = append(where, "s.registered_at <= ?")
		args = append(args, c.RegisteredTo.UnixMilli())
	}

	q := selectSubscribers
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY s.id", args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(r rowScanner) (campaign.Subscriber, error) {
	var (
		sub                    campaign.Subscriber
		username, name, source sql.NullString
		regMS, activeMS        int64
		tags                   string
	)
	if err := r.Scan(&sub.ID, &username, &name, &sub.Language, &source, &regMS, &activeMS, &tags); err != nil {
		return campaign.Subscriber{}, err
	}
	sub.Username = username.String
	sub.FullName = name.String
	sub.Source = source.String
	sub.RegisteredAt = time.UnixMilli(regMS).UTC()
	sub.LastActiveAt = time.UnixMilli(activeMS).UTC()
	if tags != "" {
		sub.Tags = strings.Split(tags, tagSep)
		sort.Strings(sub.Tags)
	}
	return sub, nil
}
