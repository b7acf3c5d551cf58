package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL makes a scraped link absolute against base and canonicalizes it.
// It lowercases the scheme and host, removes default ports and drops the fragment.
// Query parameter order is preserved because listing sites often key on it.
func ResolveURL(base *url.URL, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u := ref
	if !ref.IsAbs() {
		if base == nil {
			return "", fmt.Errorf("relative url %q without base", rawURL)
		}
		u = base.ResolveReference(ref)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}
