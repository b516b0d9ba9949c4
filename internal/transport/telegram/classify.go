package telegram

import (
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"campaignbot/internal/campaign"
	kit "campaignbot/internal/transport"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

// classify maps Bot API failures onto transport error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return kit.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return kit.RetryAfter(err, time.Duration(fp.RetryAfter)*time.Second)
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) {
		return kit.Blocked(err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil && te.Code == 403 {
		return kit.Blocked(err)
	}
	return err
}

func buildMarkup(buttons []campaign.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, rm.Row(rm.URL(b.Text, b.URL)))
	}
	rm.Inline(rows...)
	return rm
}

// mediaFile resolves a media reference: http(s) URLs are fetched by
// Telegram, file:// and absolute or ./ paths are uploaded from disk, and
// anything else is an existing Telegram file id.
func mediaFile(ref string) tele.File {
	ref = strings.TrimSpace(ref)
	if u, err := url.Parse(ref); err == nil {
		switch u.Scheme {
		case "http", "https":
			return tele.FromURL(ref)
		case "file":
			return tele.FromDisk(u.Path)
		}
	}
	if filepath.IsAbs(ref) || strings.HasPrefix(ref, "./") {
		return tele.FromDisk(ref)
	}
	return tele.File{FileID: ref}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n-1]) + "…"
}

// splitText cuts long text into chunks that fit one message. It prefers
// newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode tele.ParseMode) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if parseMode == tele.ModeHTML && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
