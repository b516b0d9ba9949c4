package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayNameFallbacks(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "alice", Subscriber{ID: 1, Username: "alice", FullName: "Alice A"}.DisplayName())
	assert.Equal(t, "Alice A", Subscriber{ID: 1, FullName: "Alice A"}.DisplayName())
	assert.Equal(t, "User 42", Subscriber{ID: 42, Username: "  "}.DisplayName())
}

func TestRulePayloadFor(t *testing.T) {
	t.Parallel()
	btn := Button{Text: "Open", URL: "https://example.com"}
	r := Rule{
		Messages: map[string]string{"en": "hello", "pt": "  ", "hu": "szia"},
		Buttons:  []Button{btn},
	}

	p, ok := r.PayloadFor("hu", "en")
	require.True(t, ok)
	assert.Equal(t, KindText, p.Kind)
	assert.Equal(t, "szia", p.Text)
	assert.Equal(t, []Button{btn}, p.Buttons)

	p, ok = r.PayloadFor("pt", "en")
	require.True(t, ok)
	assert.Equal(t, "hello", p.Text, "blank body falls back to default language")

	r.Media = Media{Kind: MediaVideo, Ref: "file-id"}
	p, ok = r.PayloadFor("xx", "en")
	require.True(t, ok)
	assert.Equal(t, KindVideo, p.Kind)
	assert.Equal(t, "file-id", p.MediaRef)
	assert.Equal(t, "hello", p.Text)

	_, ok = Rule{Messages: map[string]string{"pt": "oi"}}.PayloadFor("hu", "en")
	assert.False(t, ok)
}

func TestPayloadValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		p       Payload
		wantErr bool
	}{
		{name: "text", p: Text("hi")},
		{name: "empty text", p: Text("  "), wantErr: true},
		{name: "photo without caption", p: Photo("abc", "")},
		{name: "video missing ref", p: Video("", "cap"), wantErr: true},
		{name: "bad button url", p: Text("hi", Button{Text: "x", URL: "not a url"}), wantErr: true},
		{name: "button without text", p: Text("hi", Button{URL: "https://a.b"}), wantErr: true},
		{name: "good button", p: Text("hi", Button{Text: "x", URL: "https://a.b/c"})},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCriteriaMatches(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	from := t0.Add(-time.Hour)
	to := t0
	s := Subscriber{ID: 1, Language: "pt", Source: "ads", Tags: []string{"vip", "registered_2024-05-01"}, RegisteredAt: t0}

	assert.True(t, Criteria{}.Matches(s))
	assert.True(t, Criteria{Language: "pt", Source: "ads"}.Matches(s))
	assert.False(t, Criteria{Language: "pt", Source: "organic"}.Matches(s))
	assert.True(t, Criteria{Tags: []string{"nope", "vip"}}.Matches(s))
	assert.False(t, Criteria{Tags: []string{"nope"}}.Matches(s))
	assert.True(t, Criteria{RegisteredFrom: &from, RegisteredTo: &to}.Matches(s), "bounds are inclusive")
	after := t0.Add(time.Second)
	assert.False(t, Criteria{RegisteredFrom: &after}.Matches(s))
}

func TestRegistrationTag(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "registered_2024-02-29", RegistrationTag(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)))
}
