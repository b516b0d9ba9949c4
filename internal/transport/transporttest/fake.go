// Package transporttest provides an in-memory transport.Provider for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"campaignbot/internal/campaign"
	"campaignbot/internal/transport"
)

type Call struct {
	Kind        campaign.PayloadKind
	RecipientID int64
	Text        string
	MediaRef    string
	Buttons     []campaign.Button
}

// Provider records every call. Recipients listed in Blocked fail with
// transport.ErrBlocked; otherwise Script, when set, decides the error for
// the n-th attempt (starting at 1) to a recipient.
type Provider struct {
	mu       sync.Mutex
	calls    []Call
	attempts map[int64]int

	Blocked map[int64]bool
	Script  func(recipientID int64, attempt int) error
}

var _ transport.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{attempts: map[int64]int{}, Blocked: map[int64]bool{}}
}

// Block marks recipients as having blocked the bot.
func (p *Provider) Block(ids ...int64) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.Blocked[id] = true
	}
	return p
}

func (p *Provider) SendText(ctx context.Context, id int64, text string, buttons []campaign.Button) error {
	return p.record(ctx, Call{Kind: campaign.KindText, RecipientID: id, Text: text, Buttons: buttons})
}

func (p *Provider) SendPhoto(ctx context.Context, id int64, ref, caption string, buttons []campaign.Button) error {
	return p.record(ctx, Call{Kind: campaign.KindPhoto, RecipientID: id, Text: caption, MediaRef: ref, Buttons: buttons})
}

func (p *Provider) SendVideo(ctx context.Context, id int64, ref, caption string, buttons []campaign.Button) error {
	return p.record(ctx, Call{Kind: campaign.KindVideo, RecipientID: id, Text: caption, MediaRef: ref, Buttons: buttons})
}

func (p *Provider) record(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.attempts[c.RecipientID]++
	n := p.attempts[c.RecipientID]
	blocked := p.Blocked[c.RecipientID]
	script := p.Script
	p.mu.Unlock()

	if blocked {
		return transport.Blocked(errors.New("Forbidden: bot was blocked by the user"))
	}
	if script != nil {
		return script(c.RecipientID, n)
	}
	return nil
}

func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Attempts returns how many calls reached recipientID.
func (p *Provider) Attempts(recipientID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[recipientID]
}
