package storage

import (
	"context"
	"database/sql"
)

func (s *sqlStore) ListTexts(ctx context.Context) ([]Text, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, language, text FROM texts ORDER BY key, language`)
	if err != nil {
		return nil, wrapErr(err, "list texts")
	}
	defer rows.Close()
	out := []Text{}
	for rows.Next() {
		var t Text
		if err := rows.Scan(&t.Key, &t.Language, &t.Text); err != nil {
			return nil, wrapErr(err, "scan text")
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err(), "list texts")
}

func (s *sqlStore) PutText(ctx context.Context, t Text) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO texts(key, language, text) VALUES(?,?,?)
		 ON CONFLICT(key, language) DO UPDATE SET text = excluded.text`,
		t.Key, t.Language, t.Text)
	return wrapErr(err, "put text")
}

func (s *sqlStore) ListLanguages(ctx context.Context) ([]Language, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, flag, active, is_default, sort_order FROM languages ORDER BY sort_order, code`)
	if err != nil {
		return nil, wrapErr(err, "list languages")
	}
	defer rows.Close()
	out := []Language{}
	for rows.Next() {
		var (
			l             Language
			flag          sql.NullString
			active, isDef int
		)
		if err := rows.Scan(&l.Code, &l.Name, &flag, &active, &isDef, &l.SortOrder); err != nil {
			return nil, wrapErr(err, "scan language")
		}
		l.Flag = flag.String
		l.Active = active != 0
		l.Default = isDef != 0
		out = append(out, l)
	}
	return out, wrapErr(rows.Err(), "list languages")
}

func (s *sqlStore) PutLanguage(ctx context.Context, l Language) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO languages(code, name, flag, active, is_default, sort_order) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(code) DO UPDATE SET name = excluded.name, flag = excluded.flag, active = excluded.active,
		 is_default = excluded.is_default, sort_order = excluded.sort_order`,
		l.Code, l.Name, nullStr(l.Flag), boolInt(l.Active), boolInt(l.Default), l.SortOrder)
	return wrapErr(err, "put language")
}
