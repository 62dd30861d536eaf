package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ResultKind classifies one redirect issuance.
type ResultKind string

const (
	ResultOK          ResultKind = "ok"
	ResultTimeout     ResultKind = "timeout"
	ResultAuthFailure ResultKind = "auth_failure"
	ResultFailure     ResultKind = "failure"
)

// RedirectResult is the outcome of requesting a tracked redirect, after
// at most one identity-refresh retry.
type RedirectResult struct {
	Kind     ResultKind
	Link     RedirectLink
	Err      error
	Attempts int
}

func classifyRedirectErr(err error) ResultKind {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, ErrUnauthorized):
		return ResultAuthFailure
	default:
		return ResultFailure
	}
}

// redirectCaller wraps a RedirectIssuer with a per-attempt timeout and the
// single auth retry.
type redirectCaller struct {
	issuer  RedirectIssuer
	session SessionResolver
	timeout time.Duration
}

func (c redirectCaller) Request(ctx context.Context, dealID string) RedirectResult {
	res := c.attempt(ctx, dealID)
	res.Attempts = 1
	if res.Kind != ResultAuthFailure {
		return res
	}
	if c.session != nil {
		if err := c.session.RefreshIdentity(ctx); err != nil {
			log.Warn().Err(err).Msg("refresh identity before redirect retry")
		}
	}
	res = c.attempt(ctx, dealID)
	res.Attempts = 2
	return res
}

func (c redirectCaller) attempt(ctx context.Context, dealID string) RedirectResult {
	attemptCtx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	link, err := c.issuer.RequestRedirect(attemptCtx, dealID)
	if err == nil && link.URL == "" {
		err = fmt.Errorf("redirect for deal %s: empty url", dealID)
	}
	if err != nil && attemptCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	kind := classifyRedirectErr(err)
	if kind != ResultOK {
		return RedirectResult{Kind: kind, Err: err}
	}
	return RedirectResult{Kind: ResultOK, Link: link}
}
