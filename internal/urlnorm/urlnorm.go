// Package urlnorm canonicalizes candidate article URLs and maps hosts to
// publisher sources. The normalized form is the unique key for the whole
// pipeline, so normalization must be idempotent.
package urlnorm

import (
	"fmt"
	"net/url"
	"strings"
)

// allowedSources maps registrable publisher domains to canonical source
// labels. Hosts ending in any of these domains pass the allowlist; all
// other hosts are discarded before seeding.
var allowedSources = map[string]string{
	"apnews.com":         "apnews",
	"nytimes.com":        "nytimes",
	"reuters.com":        "reuters",
	"washingtonpost.com": "washingtonpost",
	"wsj.com":            "wsj",
}

// trackingParams are query parameters stripped during normalization, in
// addition to any parameter with a "utm_" prefix.
var trackingParams = map[string]struct{}{
	"ref":    {},
	"s":      {},
	"ncid":   {},
	"fbclid": {},
	"mc_cid": {},
}

// nonProseMarkers are path segments that identify video, audio and other
// non-article pages which the pipeline skips without fetching.
var nonProseMarkers = []string{
	"/video/", "/podcast/", "/interactive/", "/live/", "/slideshow/", "/graphic/",
}

// Normalize standardizes a candidate URL into its canonical form: https
// scheme, lowercased host without default port, tracking parameters and
// fragment removed, AMP variants collapsed, trailing slash trimmed, query
// re-encoded in sorted order. Normalize(Normalize(u)) == Normalize(u).
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if _, ok := trackingParams[key]; ok || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	// AMP variants point at the same article.
	if q.Get("amp") == "1" {
		q.Del("amp")
	}
	u.RawQuery = q.Encode()

	path := u.EscapedPath()
	if strings.HasSuffix(path, "/amp/") {
		path = strings.TrimSuffix(path, "amp/")
	} else if strings.HasSuffix(path, "/amp") {
		path = strings.TrimSuffix(path, "/amp")
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	u.RawPath = ""
	u.Path = path

	return u.String(), nil
}

// SourceLabel returns the canonical publisher label for a host, e.g. all of
// www.reuters.com, jp.reuters.com and uk.reuters.com map to "reuters". The
// second return is false when the host is not allowlisted.
func SourceLabel(host string) (string, bool) {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	for domain, label := range allowedSources {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return label, true
		}
	}
	return "", false
}

// Allowed reports whether the host passes the publisher allowlist.
func Allowed(host string) bool {
	_, ok := SourceLabel(host)
	return ok
}

// RegistrableDomain reduces a host to the publisher domain used for rate
// limiting and paywall matching: www.nytimes.com -> nytimes.com. Unknown
// hosts fall back to their last two labels.
func RegistrableDomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	for domain := range allowedSources {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return domain
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// NonProsePath reports whether the URL path identifies a non-article page
// (video, podcast, live blog and similar) that should be skipped outright.
func NonProsePath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	// Trailing slash was normalized away; restore one so a path ending in
	// "/video" still matches the "/video/" marker.
	path := strings.ToLower(u.EscapedPath()) + "/"
	for _, marker := range nonProseMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// Host extracts the lowercased host of a raw or normalized URL, without
// the port. Returns "" for unparsable input.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
