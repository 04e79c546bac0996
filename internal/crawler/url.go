package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// canonicalURL lowercases the scheme and host and gives an empty path a
// trailing slash. Only absolute http(s) URLs are accepted.
func canonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// ResolveURL turns an href found on base into an absolute http(s) URL without
// a fragment. It reports false for empty, fragment-only, or non-http links.
func ResolveURL(raw, base string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(ref.Scheme) {
	case "http", "https":
	case "":
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		ref = baseURL.ResolveReference(ref)
	default:
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

// robotsURL returns the robots.txt location for the origin of rawURL.
func robotsURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String(), nil
}

// robotsPath is the path and query tested against robots rules.
func robotsPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	return u.RequestURI()
}
