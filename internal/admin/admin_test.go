package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/audience"
	"campaignbot/internal/broadcast"
	"campaignbot/internal/campaign"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/locale"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport/transporttest"
	logx "campaignbot/pkg/logx"
)

type fixture struct {
	st       *storage.Memory
	provider *transporttest.Provider
	handler  http.Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storage.NewMemory()
	for i, lang := range []string{"en", "pt", "pt"} {
		_, err := st.UpsertSubscriber(context.Background(), campaign.Subscriber{ID: int64(i + 1), Language: lang, Source: "ads"})
		require.NoError(t, err)
	}
	p := transporttest.New()
	bc := broadcast.New(audience.NewFilter(st), dispatch.New(p, dispatch.Config{}), broadcast.Config{}, logx.Nop(), eventbus.Nop())
	texts, err := locale.New(st, "en", nil, logx.Nop())
	require.NoError(t, err)
	h := NewRouter(Deps{
		Broadcasts: bc,
		Store:      st,
		Texts:      texts,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok_metric 1\n") }),
	}, cfg)
	return &fixture{st: st, provider: p, handler: h}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestBearerTokenRequired(t *testing.T) {
	f := newFixture(t, Config{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/stats", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/stats", "", "s3cret").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").Code, "health is public")
	assert.Equal(t, "ok_metric 1\n", f.do(t, http.MethodGet, "/metrics", "", "").Body.String())
}

func TestBroadcastAndStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.Block(3)

	rec := f.do(t, http.MethodPost, "/api/broadcasts",
		`{"criteria":{"language":"pt"},"payload":{"kind":"text","text":"promo","buttons":[{"text":"Open","url":"https://example.com"}]}}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res broadcast.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 50.0, res.SuccessRate)
	require.Len(t, res.Details, 2)
	assert.Equal(t, broadcast.StatusError, res.Details[1].Status)
	assert.Equal(t, "User 3", res.Details[1].DisplayName)

	rec = f.do(t, http.MethodGet, "/api/broadcasts/"+res.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var again broadcast.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, res.ID, again.ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/broadcasts/nope", "", "").Code)
}

func TestBroadcastRejectsBadPayload(t *testing.T) {
	f := newFixture(t, Config{})
	for _, body := range []string{
		`{"payload":{"kind":"text","text":"  "}}`,
		`{"payload":{"kind":"audio","text":"x"}}`,
		`{"payload":{"kind":"photo","text":"x"}}`,
		`{"payload":{"text":"x","buttons":[{"text":"a","url":"not a url"}]}}`,
		`{"unknown":1}`,
		`not json`,
	} {
		rec := f.do(t, http.MethodPost, "/api/broadcasts", body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, f.provider.Calls())
}

func TestBroadcastStoreFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.st.SetFailure(storage.ErrUnavailable)
	rec := f.do(t, http.MethodPost, "/api/broadcasts", `{"payload":{"text":"hi"}}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/healthz", "", "").Code)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/api/rules",
		`{"name":"day one","delay":"24h","messages":{"en":"hi","pt":"oi"},"media":{"kind":"photo","ref":"https://cdn.example.com/a.jpg"},"active":true}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created ruleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, "24h0m0s", created.Delay)

	rule, err := f.st.GetRule(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, rule.Delay)
	assert.True(t, rule.Active)

	rec = f.do(t, http.MethodPost, "/api/rules/"+itoa(created.ID)+"/toggle", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled ruleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.False(t, toggled.Active)

	rec = f.do(t, http.MethodGet, "/api/rules?active=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/rules", "", "")
	var all []ruleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "day one", all[0].Name)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/rules/999/toggle", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/rules/abc", "", "").Code)
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t, Config{})
	for _, body := range []string{
		`{"name":"x","delay":"soon","messages":{"en":"hi"}}`,
		`{"name":"x","delay":"-1h","messages":{"en":"hi"}}`,
		`{"name":" ","delay":"1h","messages":{"en":"hi"}}`,
		`{"name":"x","delay":"1h","messages":{"en":" "}}`,
		`{"name":"x","delay":"1h","messages":{"en":"hi"},"media":{"kind":"gif","ref":"a"}}`,
	} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/rules", body, "").Code, body)
	}
}

func TestStatsAndReload(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":3,"by_language":{"en":1,"pt":2},"by_source":{"ads":3}}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/texts/reload", "", "").Code)
	f.st.SetFailure(storage.ErrUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/api/texts/reload", "", "").Code)
}

func TestProfilerOnlyWhenEnabled(t *testing.T) {
	off := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/debug/pprof/", "", "").Code)
	on := newFixture(t, Config{Pprof: true})
	assert.Equal(t, http.StatusOK, on.do(t, http.MethodGet, "/debug/pprof/", "", "").Code)
}

func TestServerApplyLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	srv := NewServer(Deps{Store: f.st, Broadcasts: nil, Texts: nil})
	ctx := context.Background()

	require.NoError(t, srv.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Apply(ctx, Config{Enabled: false}))
	assert.Empty(t, srv.Addr())
	require.NoError(t, srv.Stop(ctx))
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
