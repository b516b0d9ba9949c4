package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaignbot/internal/campaign"
	rtsup "campaignbot/internal/runtime/supervisor"
	kit "campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter connects the bot to the Telegram Bot API through telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Message
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter. Created on Start.
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		// Long polls share this client, so it must outlive the poll timeout.
		Client: &http.Client{Timeout: timeout + 30*time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.forward(kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			Username:     m.Sender.Username,
			FirstName:    m.Sender.FirstName,
			LastName:     m.Sender.LastName,
			LanguageCode: m.Sender.LanguageCode,
			Text:         m.Text,
			IsPrivate:    m.Chat.Type == tele.ChatPrivate,
		})
		return nil
	}
	// telebot routes registered commands away from OnText.
	a.bot.Handle("/start", forward)
	a.bot.Handle(tele.OnText, forward)
}

func (a *Adapter) forward(m kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// A broken poll loop must not take down delivery.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while we are
	// still supposed to be running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, recipientID int64, text string, buttons []campaign.Button) error {
	chunks := splitText(text, textLimit, tele.ModeHTML)
	chat := &tele.Chat{ID: recipientID}
	for i, chunk := range chunks {
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML}
		// Buttons go under the final part.
		if i == len(chunks)-1 {
			opt.ReplyMarkup = buildMarkup(buttons)
		}
		if err := a.call(ctx, func() error {
			_, err := a.bot.Send(chat, chunk, opt)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) SendPhoto(ctx context.Context, recipientID int64, ref, caption string, buttons []campaign.Button) error {
	p := &tele.Photo{File: mediaFile(ref), Caption: truncateRunes(caption, captionLimit)}
	return a.sendMedia(ctx, recipientID, p, buttons)
}

func (a *Adapter) SendVideo(ctx context.Context, recipientID int64, ref, caption string, buttons []campaign.Button) error {
	v := &tele.Video{File: mediaFile(ref), Caption: truncateRunes(caption, captionLimit)}
	return a.sendMedia(ctx, recipientID, v, buttons)
}

func (a *Adapter) sendMedia(ctx context.Context, recipientID int64, what tele.Sendable, buttons []campaign.Button) error {
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: buildMarkup(buttons)}
	return a.call(ctx, func() error {
		_, err := a.bot.Send(&tele.Chat{ID: recipientID}, what, opt)
		return err
	})
}

func (a *Adapter) Reply(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitText(text, textLimit, tele.ModeHTML) {
		if err := a.call(ctx, func() error {
			_, err := a.bot.Send(&tele.Chat{ID: chatID}, chunk, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendLog posts plain text; log lines are not HTML-safe.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return a.call(ctx, func() error {
		_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true})
		return err
	})
}

// call runs one Bot API request bounded by ctx. telebot has no context
// support, so an abandoned request finishes in the background within the
// HTTP client timeout.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
