package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
)

// Eligibility is the resolver's verdict for one visit.
type Eligibility struct {
	Partner *Partner
	Country string
	Deals   []Deal // usage- and country-eligible deals, original order
	Best    Deal
	Reason  BlockReason // empty when Best is redirectable
}

func (e Eligibility) Eligible() bool { return e.Reason == "" }

// Resolver turns a host into the best candidate deal.
type Resolver struct {
	partners PartnerLookup
	session  SessionResolver
	excluded func() []string
}

func NewResolver(partners PartnerLookup, session SessionResolver, excluded func() []string) *Resolver {
	if excluded == nil {
		excluded = func() []string { return nil }
	}
	return &Resolver{partners: partners, session: session, excluded: excluded}
}

// Lookup resolves the partner for host, nil if host is excluded or unknown.
func (r *Resolver) Lookup(ctx context.Context, host, rawURL string) (*Partner, error) {
	if hostExcluded(host, r.excluded()) {
		return nil, nil
	}
	p, err := r.partners.GetPartner(ctx, host, rawURL)
	if err != nil {
		return nil, fmt.Errorf("partner lookup %s: %w", host, err)
	}
	return p, nil
}

// Resolve evaluates an already looked-up partner for host.
func (r *Resolver) Resolve(ctx context.Context, host string, partner *Partner) Eligibility {
	if partner == nil || hostExcluded(host, r.excluded()) {
		return Eligibility{Reason: ReasonNoPartner}
	}
	out := Eligibility{Partner: partner}

	cat := FindCashbackCategory(partner)
	if cat == nil {
		out.Reason = ReasonNoDeals
		return out
	}
	online := make([]Deal, 0, len(cat.Deals))
	for _, d := range cat.Deals {
		if d.Online() {
			online = append(online, d)
		}
	}
	if len(online) == 0 {
		out.Reason = ReasonNoDeals
		return out
	}

	out.Country = r.country(ctx, host)
	out.Deals = FilterByCountry(online, out.Country)
	if len(out.Deals) == 0 {
		out.Reason = ReasonNoCountryMatch
		return out
	}

	best, _ := PickBestDeal(out.Deals)
	out.Best = best
	if strings.TrimSpace(best.ID) == "" {
		out.Reason = ReasonNoLink
	}
	return out
}

// country is the visited-country resolution for host, falling back to the
// user's own country.
func (r *Resolver) country(ctx context.Context, host string) string {
	if r.session == nil {
		return ""
	}
	if c, err := r.session.VisitedCountry(ctx, host); err == nil && c != "" {
		return strings.ToUpper(c)
	}
	if c, err := r.session.UserCountry(ctx); err == nil {
		return strings.ToUpper(c)
	}
	return ""
}

// FindCashbackCategory prefers a category named "online cashback" and
// accepts any category mentioning "cashback".
func FindCashbackCategory(p *Partner) *Category {
	if p == nil {
		return nil
	}
	var loose *Category
	for i := range p.Categories {
		name := strings.ToLower(strings.TrimSpace(p.Categories[i].Name))
		if strings.Contains(name, "online cashback") {
			return &p.Categories[i]
		}
		if loose == nil && strings.Contains(name, "cashback") {
			loose = &p.Categories[i]
		}
	}
	return loose
}

func FilterByCountry(deals []Deal, country string) []Deal {
	if country == "" {
		return nil
	}
	var out []Deal
	for _, d := range deals {
		if strings.EqualFold(d.Country, country) {
			out = append(out, d)
		}
	}
	return out
}

// PickBestDeal prefers percentage deals, then fixed, then anything, each by
// descending rate. Equal rates keep input order.
func PickBestDeal(deals []Deal) (Deal, bool) {
	for _, pool := range [][]Deal{
		ofType(deals, AmountPercentage),
		ofType(deals, AmountFixed),
		deals,
	} {
		if len(pool) == 0 {
			continue
		}
		sorted := slices.Clone(pool)
		slices.SortStableFunc(sorted, func(a, b Deal) int { return cmp.Compare(b.Rate, a.Rate) })
		return sorted[0], true
	}
	return Deal{}, false
}

func ofType(deals []Deal, t AmountType) []Deal {
	var out []Deal
	for _, d := range deals {
		if strings.EqualFold(string(d.AmountType), string(t)) {
			out = append(out, d)
		}
	}
	return out
}
