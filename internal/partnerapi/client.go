// Package partnerapi talks to the cashback backend: partner lookup,
// redirect issuance, click history and session questions.
package partnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"cashback-engine/internal/engine"
)

// Options configure a Client.
type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

// cachedPartner also caches "not a partner" answers.
type cachedPartner struct {
	partner *engine.Partner
}

type sessionInfo struct {
	Active  bool   `json:"active"`
	Country string `json:"country"`
}

// Client implements the engine's PartnerLookup, RedirectIssuer,
// ClickHistory and SessionResolver ports over HTTP.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client

	partners otter.Cache[string, cachedPartner]
	group    singleflight.Group

	mu      sync.Mutex
	session *sessionInfo
}

var (
	_ engine.PartnerLookup   = (*Client)(nil)
	_ engine.RedirectIssuer  = (*Client)(nil)
	_ engine.ClickHistory    = (*Client)(nil)
	_ engine.SessionResolver = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("partnerapi: invalid base url %q", opts.BaseURL)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	partners, err := otter.MustBuilder[string, cachedPartner](opts.CacheSize).
		WithTTL(opts.CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("partnerapi: build partner cache: %w", err)
	}
	return &Client{
		base:  base,
		token: opts.Token,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		partners: partners,
	}, nil
}

func (c *Client) Close() { c.partners.Close() }

// GetPartner resolves the merchant for host's apex domain. Answers are
// cached, including "not a partner"; concurrent lookups share one request.
func (c *Client) GetPartner(ctx context.Context, host, rawURL string) (*engine.Partner, error) {
	apex := engine.ApexDomain(host)
	if cp, ok := c.partners.Get(apex); ok {
		return cp.partner, nil
	}
	v, err, _ := c.group.Do(apex, func() (any, error) {
		q := url.Values{"domain": {apex}}
		if rawURL != "" {
			q.Set("url", rawURL)
		}
		var p engine.Partner
		status, err := c.do(ctx, http.MethodGet, "/partners", q, nil, &p)
		if err != nil && status != http.StatusNotFound {
			return nil, err
		}
		cp := cachedPartner{}
		if status != http.StatusNotFound {
			cp.partner = &p
		}
		c.partners.Set(apex, cp)
		return cp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cachedPartner).partner, nil
}

// RequestRedirect asks for a one-time tracked URL. Never retried here.
func (c *Client) RequestRedirect(ctx context.Context, dealID string) (engine.RedirectLink, error) {
	var link engine.RedirectLink
	path := "/deals/" + dealID + "/redirect"
	if _, err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &link); err != nil {
		return engine.RedirectLink{}, err
	}
	return link, nil
}

func (c *Client) FetchRecentClicks(ctx context.Context, domain string) ([]engine.Click, error) {
	var clicks []engine.Click
	if _, err := c.do(ctx, http.MethodGet, "/clicks", url.Values{"domain": {domain}}, nil, &clicks); err != nil {
		return nil, err
	}
	return clicks, nil
}

// VisitedCountry is the shop country the backend derives for a domain,
// e.g. from its ccTLD or locale path.
func (c *Client) VisitedCountry(ctx context.Context, domain string) (string, error) {
	var out struct {
		Country string `json:"country"`
	}
	status, err := c.do(ctx, http.MethodGet, "/countries", url.Values{"domain": {domain}}, nil, &out)
	if status == http.StatusNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out.Country, nil
}

func (c *Client) UserCountry(ctx context.Context) (string, error) {
	s, err := c.loadSession(ctx)
	if err != nil {
		return "", err
	}
	return s.Country, nil
}

func (c *Client) HasActiveSession(ctx context.Context) (bool, error) {
	s, err := c.loadSession(ctx)
	if err != nil {
		return false, err
	}
	return s.Active, nil
}

// RefreshIdentity forgets the cached session so the next call asks again.
func (c *Client) RefreshIdentity(context.Context) error {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) loadSession(ctx context.Context) (sessionInfo, error) {
	c.mu.Lock()
	if c.session != nil {
		s := *c.session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("session", func() (any, error) {
		var s sessionInfo
		status, err := c.do(ctx, http.MethodGet, "/session", nil, nil, &s)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			s = sessionInfo{}
		} else if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.session = &s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return sessionInfo{}, err
	}
	return v.(sessionInfo), nil
}

// do sends one request and decodes a JSON body into out. The status is
// returned even on error.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) (int, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	log.Trace().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("partner api call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, engine.ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return resp.StatusCode, fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
