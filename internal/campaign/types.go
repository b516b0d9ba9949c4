package campaign

import (
	"strconv"
	"strings"
	"time"
)

// Subscriber is a user who started the bot. ID is the provider identity and
// the dedup key for every other record.
type Subscriber struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	Language     string    `json:"language"`
	Source       string    `json:"source,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// DisplayName returns username, full name, or "User <id>" in that order.
func (s Subscriber) DisplayName() string {
	if u := strings.TrimSpace(s.Username); u != "" {
		return u
	}
	if n := strings.TrimSpace(s.FullName); n != "" {
		return n
	}
	return "User " + strconv.FormatInt(s.ID, 10)
}

// HasTag reports whether the subscriber carries tag (case-sensitive).
func (s Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RegistrationTag is the tag attached to every new subscriber.
func RegistrationTag(at time.Time) string {
	return "registered_" + at.Format("2006-01-02")
}

// Button is a URL button rendered one per row under the message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media points at a provider-side file. Ref may be a provider file id, an
// http(s) URL or a local path.
type Media struct {
	Kind MediaKind `json:"kind,omitempty"`
	Ref  string    `json:"ref,omitempty"`
}

func (m Media) IsZero() bool { return m.Kind == MediaNone || strings.TrimSpace(m.Ref) == "" }

// Rule is an auto-message rule: a message that fires Delay after a
// subscriber registers. Rules are managed by operators and never deleted
// automatically.
type Rule struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Delay          time.Duration     `json:"delay"`
	Messages       map[string]string `json:"messages"`
	Media          Media             `json:"media"`
	Buttons        []Button          `json:"buttons,omitempty"`
	TargetLanguage string            `json:"target_language,omitempty"`
	TargetSource   string            `json:"target_source,omitempty"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Body returns the message for lang, falling back to fallback when the
// language body is missing or blank. The empty string means nothing to send.
func (r Rule) Body(lang, fallback string) string {
	if s := strings.TrimSpace(r.Messages[lang]); s != "" {
		return r.Messages[lang]
	}
	if s := strings.TrimSpace(r.Messages[fallback]); s != "" {
		return r.Messages[fallback]
	}
	return ""
}

// PayloadFor builds the payload for a subscriber language. ok is false when
// neither the language nor the fallback language has a body.
func (r Rule) PayloadFor(lang, fallback string) (p Payload, ok bool) {
	body := r.Body(lang, fallback)
	if body == "" {
		return Payload{}, false
	}
	switch {
	case !r.Media.IsZero() && r.Media.Kind == MediaPhoto:
		return Photo(r.Media.Ref, body, r.Buttons...), true
	case !r.Media.IsZero() && r.Media.Kind == MediaVideo:
		return Video(r.Media.Ref, body, r.Buttons...), true
	default:
		return Text(body, r.Buttons...), true
	}
}
