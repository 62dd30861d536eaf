package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind names a UI event on the wire.
type EventKind string

const (
	KindScanStart         EventKind = "scan_start"
	KindDealsFound        EventKind = "deals_found"
	KindCountdownStart    EventKind = "countdown_start"
	KindRedirectRequested EventKind = "redirect_requested"
	KindActivated         EventKind = "activated"
	KindLoginRequired     EventKind = "login_required"
	KindBlocked           EventKind = "blocked"
)

// UIEvent is the closed set of events sent to the status overlay.
type UIEvent interface {
	Kind() EventKind
	EventHost() string
	uiEvent()
}

type ScanStart struct {
	Host string `json:"host"`
}

type DealsFound struct {
	Host   string `json:"host"`
	Deals  []Deal `json:"deals"`
	Manual bool   `json:"manual,omitempty"`
}

type CountdownStart struct {
	Host    string `json:"host"`
	Deal    Deal   `json:"deal"`
	Seconds int    `json:"seconds"`
}

// RedirectRequested signals imminent navigation; the overlay should hide.
type RedirectRequested struct {
	Host string `json:"host"`
}

type Activated struct {
	Host    string `json:"host"`
	Deals   []Deal `json:"deals,omitempty"`
	DealID  string `json:"dealId,omitempty"`
	ClickID string `json:"clickId,omitempty"`
}

type LoginRequired struct {
	Host  string `json:"host"`
	Deals []Deal `json:"deals,omitempty"`
}

type Blocked struct {
	Host   string      `json:"host"`
	Reason BlockReason `json:"reason"`
}

func (ScanStart) Kind() EventKind         { return KindScanStart }
func (DealsFound) Kind() EventKind        { return KindDealsFound }
func (CountdownStart) Kind() EventKind    { return KindCountdownStart }
func (RedirectRequested) Kind() EventKind { return KindRedirectRequested }
func (Activated) Kind() EventKind         { return KindActivated }
func (LoginRequired) Kind() EventKind     { return KindLoginRequired }
func (Blocked) Kind() EventKind           { return KindBlocked }

func (e ScanStart) EventHost() string         { return e.Host }
func (e DealsFound) EventHost() string        { return e.Host }
func (e CountdownStart) EventHost() string    { return e.Host }
func (e RedirectRequested) EventHost() string { return e.Host }
func (e Activated) EventHost() string         { return e.Host }
func (e LoginRequired) EventHost() string     { return e.Host }
func (e Blocked) EventHost() string           { return e.Host }

func (ScanStart) uiEvent()         {}
func (DealsFound) uiEvent()        {}
func (CountdownStart) uiEvent()    {}
func (RedirectRequested) uiEvent() {}
func (Activated) uiEvent()         {}
func (LoginRequired) uiEvent()     {}
func (Blocked) uiEvent()           {}

// Envelope is the wire form of a UIEvent.
type Envelope struct {
	ID      string          `json:"id"`
	Type    EventKind       `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent wraps ev in an Envelope and marshals it.
func EncodeEvent(ev UIEvent, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{
		ID:      uuid.NewString(),
		Type:    ev.Kind(),
		At:      at.UTC(),
		Payload: payload,
	})
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(b []byte) (UIEvent, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Type {
	case KindScanStart:
		return decodeAs[ScanStart](env)
	case KindDealsFound:
		return decodeAs[DealsFound](env)
	case KindCountdownStart:
		return decodeAs[CountdownStart](env)
	case KindRedirectRequested:
		return decodeAs[RedirectRequested](env)
	case KindActivated:
		return decodeAs[Activated](env)
	case KindLoginRequired:
		return decodeAs[LoginRequired](env)
	case KindBlocked:
		return decodeAs[Blocked](env)
	default:
		return nil, fmt.Errorf("unknown ui event type %q", env.Type)
	}
}

func decodeAs[T UIEvent](env Envelope) (UIEvent, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return v, nil
}
