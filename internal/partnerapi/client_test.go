package partnerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashback-engine/internal/engine"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/api", Token: "secret", Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetPartner_CachedByApex(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/partners", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "example.com", r.URL.Query().Get("domain"))
		writeJSON(w, engine.Partner{ID: "p1", Name: "Example"})
	}))
	ctx := context.Background()

	p, err := c.GetPartner(ctx, "nl.example.com", "https://nl.example.com/x")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Example", p.Name)

	p, err = c.GetPartner(ctx, "www.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetPartner_NotFoundIsNil(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 2; i++ {
		p, err := c.GetPartner(context.Background(), "unknown.org", "")
		require.NoError(t, err)
		assert.Nil(t, p)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetPartner_ErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, engine.Partner{ID: "p1"})
	}))

	_, err := c.GetPartner(context.Background(), "example.com", "")
	assert.ErrorContains(t, err, "502")

	p, err := c.GetPartner(context.Background(), "example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
}

func TestGetPartner_ConcurrentLookupsCoalesce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		writeJSON(w, engine.Partner{ID: "p1"})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.GetPartner(context.Background(), "example.com", "")
			assert.NoError(t, err)
			assert.NotNil(t, p)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequestRedirect(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		wantErr  bool
		wantAuth bool
	}{
		{"ok", http.StatusOK, engine.RedirectLink{URL: "https://www.awin1.com/c", ClickID: "c-1"}, false, false},
		{"forbidden", http.StatusForbidden, nil, true, true},
		{"unauthorized", http.StatusUnauthorized, nil, true, true},
		{"server error", http.StatusInternalServerError, nil, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/deals/d%201/redirect", r.URL.EscapedPath())
				w.WriteHeader(tt.status)
				if tt.body != nil {
					_ = json.NewEncoder(w).Encode(tt.body)
				}
			}))

			link, err := c.RequestRedirect(context.Background(), "d 1")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "c-1", link.ClickID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantAuth, errors.Is(err, engine.ErrUnauthorized))
		})
	}
}

func TestRequestRedirect_ContextDeadline(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.RequestRedirect(ctx, "d1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchRecentClicks(t *testing.T) {
	at := time.Date(2026, 3, 14, 11, 58, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "example.com", r.URL.Query().Get("domain"))
		writeJSON(w, []engine.Click{{ClickID: "srv-1", StoreName: "Example", ClickDate: at}})
	}))

	clicks, err := c.FetchRecentClicks(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, clicks, 1)
	assert.True(t, clicks[0].ClickDate.Equal(at))
}

func TestSession_CachedUntilRefresh(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, sessionInfo{Active: true, Country: "NL"})
		case "/api/countries":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	ok, err := c.HasActiveSession(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = c.HasActiveSession(ctx)
	assert.False(t, ok)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, c.RefreshIdentity(ctx))
	ok, err = c.HasActiveSession(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	country, err := c.UserCountry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NL", country)

	visited, err := c.VisitedCountry(ctx, "example.com")
	require.NoError(t, err)
	assert.Empty(t, visited)
}

func TestNew_InvalidBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}
