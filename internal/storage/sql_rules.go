package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"campaignbot/internal/campaign"
)

const selectRules = `SELECT id, name, delay_seconds, messages, media_kind, media_ref, buttons,
	target_language, target_source, active, created_at FROM rules`

func (s *sqlStore) CreateRule(ctx context.Context, r campaign.Rule) (campaign.Rule, error) {
	if strings.TrimSpace(r.Name) == "" {
		return campaign.Rule{}, errors.New("rule name is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	msgs, err := json.Marshal(r.Messages)
	if err != nil {
		return campaign.Rule{}, errors.Wrap(err, "encode rule messages")
	}
	var buttons any
	if len(r.Buttons) > 0 {
		b, err := json.Marshal(r.Buttons)
		if err != nil {
			return campaign.Rule{}, errors.Wrap(err, "encode rule buttons")
		}
		buttons = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(name, delay_seconds, messages, media_kind, media_ref, buttons, target_language, target_source, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.Name, int64(r.Delay/time.Second), string(msgs), nullStr(string(r.Media.Kind)), nullStr(r.Media.Ref), buttons,
		nullStr(r.TargetLanguage), nullStr(r.TargetSource), boolInt(r.Active), r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return campaign.Rule{}, wrapErr(err, "insert rule")
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return campaign.Rule{}, wrapErr(err, "insert rule")
	}
	return r, nil
}

func (s *sqlStore) GetRule(ctx context.Context, id int64) (campaign.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, selectRules+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return campaign.Rule{}, ErrNotFound
	}
	return r, wrapErr(err, "get rule")
}

func (s *sqlStore) ListRules(ctx context.Context, activeOnly bool) ([]campaign.Rule, error) {
	q := selectRules
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err, "list rules")
	}
	defer rows.Close()

	out := []campaign.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, wrapErr(err, "scan rule")
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "list rules")
}

func (s *sqlStore) SetRuleActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return wrapErr(err, "set rule active")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(r rowScanner) (campaign.Rule, error) {
	var (
		rule                         campaign.Rule
		delaySec, createdMS          int64
		msgs                         string
		mediaKind, mediaRef, buttons sql.NullString
		lang, src                    sql.NullString
		active                       int
	)
	if err := r.Scan(&rule.ID, &rule.Name, &delaySec, &msgs, &mediaKind, &mediaRef, &buttons, &lang, &src, &active, &createdMS); err != nil {
		return campaign.Rule{}, err
	}
	rule.Delay = time.Duration(delaySec) * time.Second
	if err := json.Unmarshal([]byte(msgs), &rule.Messages); err != nil {
		return campaign.Rule{}, errors.Wrapf(err, "rule %d: decode messages", rule.ID)
	}
	if buttons.Valid && buttons.String != "" {
		if err := json.Unmarshal([]byte(buttons.String), &rule.Buttons); err != nil {
			return campaign.Rule{}, errors.Wrapf(err, "rule %d: decode buttons", rule.ID)
		}
	}
	rule.Media = campaign.Media{Kind: campaign.MediaKind(mediaKind.String), Ref: mediaRef.String}
	rule.TargetLanguage = lang.String
	rule.TargetSource = src.String
	rule.Active = active != 0
	rule.CreatedAt = time.UnixMilli(createdMS).UTC()
	return rule, nil
}
