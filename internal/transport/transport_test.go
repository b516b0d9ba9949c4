package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandParsing(t *testing.T) {
	tests := []struct {
		text    string
		cmd     string
		payload string
		ok      bool
	}{
		{text: "/start", cmd: "start", ok: true},
		{text: "/start ads_pt", cmd: "start", payload: "ads_pt", ok: true},
		{text: "/Start@CampaignBot  promo ", cmd: "start", payload: "promo", ok: true},
		{text: "hello", ok: false},
		{text: "/", ok: false},
	}
	for _, tt := range tests {
		cmd, payload, ok := Message{Text: tt.text}.Command()
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.cmd, cmd, tt.text)
		assert.Equal(t, tt.payload, payload, tt.text)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("Too Many Requests")
	err := RetryAfter(base, 30*time.Second)
	d, ok := RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
	assert.ErrorIs(t, err, base)
	assert.False(t, IsBlocked(err))

	d, ok = RetryAfterOf(RetryAfter(base, -time.Second))
	require.True(t, ok)
	assert.Zero(t, d)

	assert.Nil(t, RetryAfter(nil, time.Second))

	b := Blocked(errors.New("Forbidden: bot was blocked by the user"))
	assert.True(t, IsBlocked(b))
	_, ok = RetryAfterOf(b)
	assert.False(t, ok)
	assert.Contains(t, b.Error(), "blocked by the user")
}

func TestFullName(t *testing.T) {
	assert.Equal(t, "Ana Lima", Message{FirstName: "Ana", LastName: "Lima"}.FullName())
	assert.Equal(t, "Ana", Message{FirstName: "Ana"}.FullName())
}
