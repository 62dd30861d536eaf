package engine

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// CleanHost lower-cases host, drops any port and a leading "www.".
func CleanHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.TrimPrefix(host, "www.")
}

// ApexDomain reduces a host to its last two labels:
// "nl.shop.example.com" -> "example.com".
func ApexDomain(host string) string {
	host = CleanHost(host)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// HostMatches reports whether host equals domain or is a subdomain of it.
func HostMatches(host, domain string) bool {
	host, domain = CleanHost(host), CleanHost(domain)
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// suffixChain lists host followed by each parent domain down to the apex:
// "a.b.example.com" -> [a.b.example.com b.example.com example.com].
func suffixChain(host string) []string {
	host = CleanHost(host)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return []string{host}
	}
	out := make([]string, 0, len(labels)-1)
	for i := 0; i+2 <= len(labels); i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}

// parseNavigation accepts only absolute http(s) URLs with a host.
func parseNavigation(raw string) (*url.URL, string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", false
	}
	host := CleanHost(u.Hostname())
	if host == "" {
		return nil, "", false
	}
	return u, host, true
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return CleanHost(u.Hostname())
}

// affiliateMarkers are query keys that indicate the visit already came
// through an affiliate network.
var affiliateMarkers = map[string]struct{}{
	"awc": {}, "clickref": {}, "irclickid": {}, "tduid": {}, "ranmid": {},
	"ransiteid": {}, "raneaid": {}, "cjevent": {}, "afftrack": {}, "aff_id": {},
	"affid": {}, "aff_sub": {}, "affiliate_id": {}, "sscid": {}, "dclid": {},
	"partnerize": {}, "clickid": {}, "wgu": {}, "tt": {},
}

// trackingParams never make a deep link worth restoring.
var trackingParams = map[string]struct{}{
	"gclid": {}, "fbclid": {}, "msclkid": {}, "ref": {}, "referrer": {},
	"mc_cid": {}, "mc_eid": {}, "_ga": {}, "yclid": {}, "igshid": {},
}

// affiliateNetworkHosts are redirect hops a tab may pass through on its way
// back to the merchant.
var affiliateNetworkHosts = []string{
	"awin1.com", "tradedoubler.com", "clk.tradedoubler.com", "anrdoezrs.net",
	"dpbolvw.net", "jdoqocy.com", "kqzyfj.com", "tkqlhce.com", "linksynergy.com",
	"click.linksynergy.com", "prf.hn", "impact.com", "sjv.io", "pntra.com",
	"daisycon.net", "ds1.nl", "webgains.com", "shareasale.com", "tradetracker.net",
	"tc.tradetracker.net", "partnerize.com", "go2cloud.org", "cj.com",
}

func hasAffiliateMarker(u *url.URL) bool {
	for k := range u.Query() {
		if _, ok := affiliateMarkers[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	if _, ok := trackingParams[key]; ok {
		return true
	}
	_, ok := affiliateMarkers[key]
	return ok
}

func isAffiliateHop(host string, affiliateHost string) bool {
	if affiliateHost != "" && HostMatches(host, affiliateHost) {
		return true
	}
	for _, n := range affiliateNetworkHosts {
		if HostMatches(host, n) {
			return true
		}
	}
	return false
}

// shouldRestoreDeepLink reports whether the landing URL lost a meaningful
// path or query relative to the URL the user left from.
func shouldRestoreDeepLink(original, current string) bool {
	ou, err := url.Parse(original)
	if err != nil || original == "" {
		return false
	}
	cu, err := url.Parse(current)
	if err != nil {
		return false
	}
	op, cp := normalizePath(ou.Path), normalizePath(cu.Path)
	if op != "/" && op != cp {
		return true
	}
	cq := cu.Query()
	for k, vs := range ou.Query() {
		if isTrackingParam(k) {
			continue
		}
		if cq.Get(k) != first(vs) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	p = path.Clean(p)
	return strings.ToLower(p)
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// hostExcluded matches host against the exclusion list by suffix.
func hostExcluded(host string, excluded []string) bool {
	for _, e := range excluded {
		if HostMatches(host, e) {
			return true
		}
	}
	return false
}
