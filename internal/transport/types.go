package transport

import (
	"context"
	"strings"

	"campaignbot/internal/campaign"
)

// Message is an inbound private message from a user.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	Text         string
	IsPrivate    bool
}

// FullName joins first and last name.
func (m Message) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// Command splits "/cmd@bot payload" into ("cmd", "payload"). ok is false for
// plain text.
func (m Message) Command() (cmd, payload string, ok bool) {
	t := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(t, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(t[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// Provider delivers one message to one recipient. Implementations classify
// failures with ErrBlocked and RetryAfter; any other error is transient.
type Provider interface {
	SendText(ctx context.Context, recipientID int64, text string, buttons []campaign.Button) error
	SendPhoto(ctx context.Context, recipientID int64, ref, caption string, buttons []campaign.Button) error
	SendVideo(ctx context.Context, recipientID int64, ref, caption string, buttons []campaign.Button) error
}

// Adapter is a full chat platform connection: outbound delivery plus the
// inbound update stream.
type Adapter interface {
	Provider

	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	// Reply sends plain operational text, split when it exceeds the
	// platform limit.
	Reply(ctx context.Context, chatID int64, text string) error
	// SendLog posts a log line to an operator chat (optionally a forum thread).
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}
