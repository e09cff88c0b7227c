package audit

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so that equivalent inputs share a cache key.
// It lowercases the scheme and host, removes default ports, drops the fragment,
// and sorts query parameters. Only absolute http(s) URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", Permanent(ReasonInvalidURL, fmt.Errorf("empty url"))
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", Permanent(ReasonInvalidURL, fmt.Errorf("parse url: %w", err))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", Permanent(ReasonInvalidURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", Permanent(ReasonInvalidURL, fmt.Errorf("missing host in %q", trimmed))
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
