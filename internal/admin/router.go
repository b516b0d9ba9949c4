package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"campaignbot/internal/broadcast"
	"campaignbot/internal/campaign"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

type Broadcaster interface {
	Run(ctx context.Context, c campaign.Criteria, p campaign.Payload) (broadcast.Result, error)
	Status(id string) (broadcast.Result, bool)
}

type Store interface {
	Ping(ctx context.Context) error
	CreateRule(ctx context.Context, r campaign.Rule) (campaign.Rule, error)
	GetRule(ctx context.Context, id int64) (campaign.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]campaign.Rule, error)
	SetRuleActive(ctx context.Context, id int64, active bool) error
	AudienceStats(ctx context.Context) (storage.AudienceStats, error)
}

type Reloader interface {
	Reload(ctx context.Context) error
}

type Deps struct {
	Broadcasts Broadcaster
	Store      Store
	Texts      Reloader
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     logx.Logger
}

type api struct {
	Deps
}

// NewRouter builds the HTTP handler. /healthz and /metrics are public; /api
// requires the bearer token when one is configured.
func NewRouter(deps Deps, cfg Config) http.Handler {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	a := &api{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Post("/broadcasts", a.runBroadcast)
		r.Get("/broadcasts/{id}", a.broadcastStatus)
		r.Get("/rules", a.listRules)
		r.Post("/rules", a.createRule)
		r.Get("/rules/{id}", a.getRule)
		r.Post("/rules/{id}/toggle", a.toggleRule)
		r.Post("/texts/reload", a.reloadTexts)
		r.Get("/stats", a.stats)
	})
	return r
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.Log.Debug("admin request",
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()), logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type payloadRequest struct {
	Kind     string            `json:"kind"`
	Text     string            `json:"text"`
	MediaRef string            `json:"media_ref"`
	Buttons  []campaign.Button `json:"buttons"`
}

func (p payloadRequest) payload() (campaign.Payload, error) {
	kind, err := campaign.ParsePayloadKind(p.Kind)
	if err != nil {
		return campaign.Payload{}, err
	}
	return campaign.Payload{Kind: kind, Text: p.Text, MediaRef: p.MediaRef, Buttons: p.Buttons}, nil
}

type broadcastRequest struct {
	Criteria campaign.Criteria `json:"criteria"`
	Payload  payloadRequest    `json:"payload"`
}

func (a *api) runBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := req.Payload.payload()
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.Broadcasts.Run(r.Context(), req.Criteria, p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) broadcastStatus(w http.ResponseWriter, r *http.Request) {
	res, ok := a.Broadcasts.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("broadcast not found"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ruleDTO carries the delay as a Go duration string.
type ruleDTO struct {
	ID             int64             `json:"id,omitempty"`
	Name           string            `json:"name"`
	Delay          string            `json:"delay"`
	Messages       map[string]string `json:"messages"`
	Media          campaign.Media    `json:"media"`
	Buttons        []campaign.Button `json:"buttons,omitempty"`
	TargetLanguage string            `json:"target_language,omitempty"`
	TargetSource   string            `json:"target_source,omitempty"`
	Active         bool              `json:"active"`
	CreatedAt      *time.Time        `json:"created_at,omitempty"`
}

func toDTO(r campaign.Rule) ruleDTO {
	d := ruleDTO{
		ID: r.ID, Name: r.Name, Delay: r.Delay.String(), Messages: r.Messages, Media: r.Media,
		Buttons: r.Buttons, TargetLanguage: r.TargetLanguage, TargetSource: r.TargetSource, Active: r.Active,
	}
	if !r.CreatedAt.IsZero() {
		at := r.CreatedAt
		d.CreatedAt = &at
	}
	return d
}

func (d ruleDTO) rule() (campaign.Rule, error) {
	delay, err := time.ParseDuration(strings.TrimSpace(d.Delay))
	if err != nil {
		return campaign.Rule{}, errors.New("delay: expected a duration such as \"24h\"")
	}
	if delay <= 0 {
		return campaign.Rule{}, errors.New("delay: must be positive")
	}
	if strings.TrimSpace(d.Name) == "" {
		return campaign.Rule{}, errors.New("name: required")
	}
	hasBody := false
	for _, m := range d.Messages {
		if strings.TrimSpace(m) != "" {
			hasBody = true
			break
		}
	}
	if !hasBody {
		return campaign.Rule{}, errors.New("messages: at least one language body required")
	}
	if d.Media.Kind != campaign.MediaNone && d.Media.Kind != campaign.MediaPhoto && d.Media.Kind != campaign.MediaVideo {
		return campaign.Rule{}, errors.New("media.kind: expected photo or video")
	}
	return campaign.Rule{
		Name: strings.TrimSpace(d.Name), Delay: delay, Messages: d.Messages, Media: d.Media, Buttons: d.Buttons,
		TargetLanguage: strings.TrimSpace(d.TargetLanguage), TargetSource: strings.TrimSpace(d.TargetSource),
		Active: d.Active,
	}, nil
}

func (a *api) listRules(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active") == "true"
	rules, err := a.Store.ListRules(r.Context(), active)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]ruleDTO, 0, len(rules))
	for _, rl := range rules {
		out = append(out, toDTO(rl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) createRule(w http.ResponseWriter, r *http.Request) {
	var d ruleDTO
	if err := decode(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule, err := d.rule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := a.Store.CreateRule(r.Context(), rule)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	a.Log.Info("rule created", logx.Int64("rule", created.ID), logx.String("name", created.Name),
		logx.Duration("delay", created.Delay))
	writeJSON(w, http.StatusCreated, toDTO(created))
}

func (a *api) getRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := a.Store.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rule))
}

// toggleRule flips the active flag and returns the updated rule.
func (a *api) toggleRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := a.Store.GetRule(r.Context(), id)
	if err == nil {
		err = a.Store.SetRuleActive(r.Context(), id, !rule.Active)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rule.Active = !rule.Active
	a.Log.Info("rule toggled", logx.Int64("rule", id), logx.Bool("active", rule.Active))
	writeJSON(w, http.StatusOK, toDTO(rule))
}

func (a *api) reloadTexts(w http.ResponseWriter, r *http.Request) {
	if err := a.Texts.Reload(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Store.AudienceStats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid rule id"))
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, campaign.ErrEmptyPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

const maxBody = 1 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
