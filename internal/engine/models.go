package engine

import (
	"strings"
	"time"
)

// TabID identifies a browsing tab. Tabs opened by the engine itself get
// provisional negative ids from the Browser implementation.
type TabID int

type AmountType string

const (
	AmountPercentage AmountType = "PERCENTAGE"
	AmountFixed      AmountType = "FIXED"
)

const UsageOnline = "ONLINE"

// Deal is a cashback offer. Only AffiliateURL and ClickID are set after
// construction, once per redirect attempt.
type Deal struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Rate               float64    `json:"rate"`
	AmountType         AmountType `json:"amountType"`
	Currency           string     `json:"currency"`
	Country            string     `json:"country"`
	UsageType          []string   `json:"usageType"`
	Provider           string     `json:"provider"`
	MerchantID         string     `json:"merchantId"`
	ProviderMerchantID string     `json:"providerMerchantId"`
	AffiliateURL       string     `json:"affiliateUrl,omitempty"`
	ClickID            string     `json:"clickId,omitempty"`
}

// Online reports whether the deal may be used for online purchases.
func (d Deal) Online() bool {
	for _, u := range d.UsageType {
		if strings.EqualFold(strings.TrimSpace(u), UsageOnline) {
			return true
		}
	}
	return false
}

type Category struct {
	Name  string `json:"name"`
	Deals []Deal `json:"deals"`
}

// Partner is a merchant as returned by the partner lookup.
type Partner struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Categories []Category `json:"categories"`
}

// Click is a backend-recorded affiliate click.
type Click struct {
	ClickID        string    `json:"clickId"`
	StoreName      string    `json:"storeName"`
	URLPathSegment string    `json:"urlPathSegment"`
	ClickDate      time.Time `json:"clickDate"`
}

// RedirectLink is a tracked one-time affiliate URL.
type RedirectLink struct {
	URL     string `json:"url"`
	ClickID string `json:"clickId"`
}

// Preferences is the read-only user settings object.
type Preferences struct {
	RemindersEnabled bool `json:"remindersEnabled"`
	AutoActivate     bool `json:"autoActivate"`
}

// RedirectState is the position of a tab's redirect in its lifecycle.
type RedirectState string

const (
	StateIdle              RedirectState = "IDLE"
	StateEligible          RedirectState = "ELIGIBLE"
	StateRedirectRequested RedirectState = "REDIRECT_REQUESTED"
	StateCountdown         RedirectState = "COUNTDOWN"
	StateRedirecting       RedirectState = "REDIRECTING"
	StateLanded            RedirectState = "LANDED"
	StateAbandoned         RedirectState = "ABANDONED"
	StateCancelled         RedirectState = "CANCELLED"
	StateLoginRequired     RedirectState = "LOGIN_REQUIRED"
	StateBlocked           RedirectState = "BLOCKED"
)

// PendingRedirect is a tab's in-flight redirect awaiting confirmation.
type PendingRedirect struct {
	ExpectedFinalHost string
	PartnerName       string
	Deal              Deal
	OriginalURL       string
	AffiliateHost     string
	CreatedAt         time.Time
	StartedAt         time.Time
	RestoredOnce      bool
	State             RedirectState
	// Token identifies the countdown that owns this redirect.
	Token string
}

// DomainPendingFallback recognizes a landing in a tab other than the one
// that issued the redirect.
type DomainPendingFallback struct {
	PendingRedirect
	Until time.Time
}

// ActivationEntry records a confirmed attribution for a clean domain.
type ActivationEntry struct {
	Domain  string
	At      time.Time
	ClickID string
	TabIDs  []TabID
}

// Active reports whether the entry is still inside ttl at now.
func (e ActivationEntry) Active(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.At) < ttl
}

// ActivationStatus is the answer to an isActive query.
type ActivationStatus struct {
	Active  bool      `json:"active"`
	ClickID string    `json:"clickId,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// BlockReason explains why no redirect was issued.
type BlockReason string

const (
	ReasonCooldown          BlockReason = "cooldown"
	ReasonNoPartner         BlockReason = "no_partner"
	ReasonNoDeals           BlockReason = "no_deals"
	ReasonNoCountryMatch    BlockReason = "no_country_match"
	ReasonRemindersDisabled BlockReason = "reminders_disabled"
	ReasonNoLink            BlockReason = "no_link"
	ReasonPendingInFlight   BlockReason = "pending_in_flight"
	ReasonAlreadyActive     BlockReason = "already_active"
)

// Action is what a navigation event resulted in.
type Action string

const (
	ActionIgnored       Action = "ignored"
	ActionDebounced     Action = "debounced"
	ActionBusy          Action = "busy"
	ActionActive        Action = "active"
	ActionActivated     Action = "activated"
	ActionRedirecting   Action = "redirecting"
	ActionBlocked       Action = "blocked"
	ActionLoginRequired Action = "login_required"
	ActionManual        Action = "manual"
	ActionCountdown     Action = "countdown"
	ActionReplayed      Action = "replayed"
)

// Outcome is the result of processing one lifecycle signal.
type Outcome struct {
	Action Action
	Reason BlockReason
	Host   string
	Deal   *Deal
}

func outcome(a Action, host string) Outcome { return Outcome{Action: a, Host: host} }

func blocked(host string, reason BlockReason) Outcome {
	return Outcome{Action: ActionBlocked, Host: host, Reason: reason}
}
