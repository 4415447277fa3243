package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseAbsoluteURL parses a fully-qualified http(s) URL. It rejects relative
// URLs and URLs without a host, since the verify endpoint must never guess
// the target of a forwarded request.
func ParseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q has unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

// DecomposeURL splits a fully-qualified URL into the (domain, path) pair the
// access-control evaluator operates on. The path always starts with "/".
func DecomposeURL(raw string) (domain, path string, err error) {
	u, err := ParseAbsoluteURL(raw)
	if err != nil {
		return "", "", err
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Hostname()), path, nil
}

// IsRedirectionSafe reports whether target is an https URL under the given
// protected domain, i.e. a URL the login portal may redirect a browser to.
// An empty protected domain makes every target unsafe.
func IsRedirectionSafe(target *url.URL, protectedDomain string) bool {
	if target.Scheme != "https" {
		return false
	}
	if protectedDomain == "" {
		return false
	}
	host := strings.ToLower(target.Hostname())
	protectedDomain = strings.ToLower(protectedDomain)
	return host == protectedDomain || strings.HasSuffix(host, "."+protectedDomain)
}
