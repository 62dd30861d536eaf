package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTabClosed is returned by Browser.Navigate when the tab no longer exists.
	ErrTabClosed = errors.New("tab closed")
	// ErrUnauthorized marks an auth-shaped failure from the redirect API.
	ErrUnauthorized = errors.New("unauthorized")
)

// PartnerLookup resolves a merchant for a host. A nil partner without error
// means the host is not a partner.
type PartnerLookup interface {
	GetPartner(ctx context.Context, host, rawURL string) (*Partner, error)
}

// RedirectIssuer requests a tracked redirect for a deal. Each successful
// call may count as a monetized click.
type RedirectIssuer interface {
	RequestRedirect(ctx context.Context, dealID string) (RedirectLink, error)
}

type ClickHistory interface {
	FetchRecentClicks(ctx context.Context, domain string) ([]Click, error)
}

// SessionResolver answers country and identity questions.
type SessionResolver interface {
	VisitedCountry(ctx context.Context, domain string) (string, error)
	UserCountry(ctx context.Context) (string, error)
	HasActiveSession(ctx context.Context) (bool, error)
	// RefreshIdentity drops any cached user identity.
	RefreshIdentity(ctx context.Context) error
}

// Browser drives tabs.
type Browser interface {
	Navigate(ctx context.Context, tab TabID, url string) error
	OpenTab(ctx context.Context, url string) (TabID, error)
}

// UISink delivers events to the status-rendering overlay of a tab.
type UISink interface {
	Deliver(ctx context.Context, tab TabID, ev UIEvent) error
}

// Mirror is the durable store behind the registry, cooldowns and pending
// UI events. Writes always carry complete records. Several processes may
// share one mirror, so activation writes are per domain and never replace
// a stored row with an older one.
type Mirror interface {
	// SaveActivations upserts entries; a stored row with a later At is kept.
	SaveActivations(ctx context.Context, entries []ActivationEntry) error
	// DeleteActivations removes each entry's row unless it was renewed after entry.At.
	DeleteActivations(ctx context.Context, entries []ActivationEntry) error
	LoadActivations(ctx context.Context) ([]ActivationEntry, error)
	SaveCooldown(ctx context.Context, apex string, at time.Time) error
	DeleteCooldown(ctx context.Context, apex string) error
	LoadCooldowns(ctx context.Context) (map[string]time.Time, error)
	SavePendingUIEvent(ctx context.Context, tab TabID, ev UIEvent, until time.Time) error
	// TakePendingUIEvent returns and removes the tab's event if still valid at now.
	TakePendingUIEvent(ctx context.Context, tab TabID, now time.Time) (UIEvent, bool, error)
}
