package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashback-engine/internal/bridge"
	"cashback-engine/internal/engine"
	"cashback-engine/internal/storage"
)

type stubPartners map[string]*engine.Partner

func (s stubPartners) GetPartner(_ context.Context, host, _ string) (*engine.Partner, error) {
	return s[engine.ApexDomain(host)], nil
}

type stubRedirects struct{ calls int }

func (s *stubRedirects) RequestRedirect(context.Context, string) (engine.RedirectLink, error) {
	s.calls++
	return engine.RedirectLink{URL: "https://www.awin1.com/cread.php?id=1", ClickID: "c-1"}, nil
}

type stubSession struct{}

func (stubSession) VisitedCountry(context.Context, string) (string, error) { return "", nil }
func (stubSession) UserCountry(context.Context) (string, error)            { return "NL", nil }
func (stubSession) HasActiveSession(context.Context) (bool, error)         { return true, nil }
func (stubSession) RefreshIdentity(context.Context) error                  { return nil }

func examplePartner() *engine.Partner {
	return &engine.Partner{
		ID:   "p1",
		Name: "Example",
		Categories: []engine.Category{{
			Name: "Online Cashback",
			Deals: []engine.Deal{{
				ID: "d1", Rate: 5, AmountType: engine.AmountPercentage, Country: "NL", UsageType: []string{"ONLINE"},
			}},
		}},
	}
}

type testEnv struct {
	router    http.Handler
	eng       *engine.Engine
	hub       *bridge.Hub
	redirects *stubRedirects
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := bridge.NewHub(16)
	redirects := &stubRedirects{}
	opts := engine.DefaultOptions()
	opts.UIRetries = 0
	opts.Countdown = time.Hour
	eng, err := engine.New(opts, engine.Deps{
		Partners:  stubPartners{"example.com": examplePartner()},
		Redirects: redirects,
		Session:   stubSession{},
		Browser:   hub,
		UI:        hub,
		Mirror:    storage.NewMemory(),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return &testEnv{router: Router(NewTabHandler(eng, hub), 5*time.Second), eng: eng, hub: hub, redirects: redirects}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestNavigation_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantAction engine.Action
		wantReason engine.BlockReason
	}{
		{"bad tab", "/v1/tabs/abc/navigation", `{"url":"https://example.com/"}`, http.StatusBadRequest, "", ""},
		{"bad body", "/v1/tabs/1/navigation", `{`, http.StatusBadRequest, "", ""},
		{"missing url", "/v1/tabs/1/navigation", `{"phase":"commit"}`, http.StatusBadRequest, "", ""},
		{"unknown phase", "/v1/tabs/1/navigation", `{"url":"https://example.com/","phase":"unload"}`, http.StatusBadRequest, "", ""},
		{"partner starts countdown", "/v1/tabs/1/navigation", `{"url":"https://shop.example.com/","phase":"commit"}`, http.StatusOK, engine.ActionCountdown, ""},
		{"no partner", "/v1/tabs/1/navigation", `{"url":"https://unknown.org/"}`, http.StatusOK, engine.ActionBlocked, engine.ReasonNoPartner},
		{"subframe", "/v1/tabs/1/navigation", `{"url":"https://example.com/","frame_id":3}`, http.StatusOK, engine.ActionIgnored, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp outcomeResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantAction, resp.Action)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestMessages_PollAfterNavigation(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodGet, "/v1/tabs/1/messages", "").Code)

	env.do(http.MethodPost, "/v1/tabs/1/navigation", `{"url":"https://shop.example.com/"}`)

	w := env.do(http.MethodGet, "/v1/tabs/1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 3)
	ev, err := engine.DecodeEvent(msgs[2])
	require.NoError(t, err)
	assert.Equal(t, engine.KindCountdownStart, ev.Kind())
}

func TestCountdownCancel(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/v1/tabs/1/navigation", `{"url":"https://shop.example.com/"}`)

	w := env.do(http.MethodPost, "/v1/tabs/1/countdown/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"accepted":true}`, w.Body.String())

	w = env.do(http.MethodPost, "/v1/tabs/1/countdown/complete", "")
	assert.JSONEq(t, `{"accepted":false}`, w.Body.String())
}

func TestActivate_WithoutOfferIs404(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/v1/tabs/1/activate", "").Code)
}

func TestManualFlowThroughPreferences(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/v1/preferences", `{"autoActivate":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"remindersEnabled":true,"autoActivate":false}`, w.Body.String())
	assert.JSONEq(t, w.Body.String(), env.do(http.MethodGet, "/v1/preferences", "").Body.String())

	w = env.do(http.MethodPost, "/v1/tabs/2/navigation", `{"url":"https://example.com/"}`)
	var resp outcomeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, engine.ActionManual, resp.Action)
	assert.Equal(t, 0, env.redirects.calls)

	w = env.do(http.MethodPost, "/v1/tabs/2/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, engine.ActionCountdown, resp.Action)
	assert.Equal(t, 1, env.redirects.calls)
}

func TestActivationQuery(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/v1/activation/example.com", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"domain":"example.com","active":false}`, w.Body.String())

	env.do(http.MethodPost, "/v1/tabs/1/navigation", `{"url":"https://shop.example.com/?awc=1_2"}`)

	w = env.do(http.MethodGet, "/v1/activation/www.shop.example.com", "")
	var resp activationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Active)
	assert.NotNil(t, resp.At)
}

func TestTabClosed(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/v1/tabs/4", "").Code)
	assert.ErrorIs(t, env.hub.Navigate(context.Background(), 4, "https://example.com/"), engine.ErrTabClosed)

	// a new navigation revives the tab id
	env.do(http.MethodPost, "/v1/tabs/4/navigation", `{"url":"https://unknown.org/"}`)
	assert.NoError(t, env.hub.Navigate(context.Background(), 4, "https://example.com/"))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = env.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cashback_http_requests_total")
}
