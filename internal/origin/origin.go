// Package origin checks browser Origin headers against an allow list.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize canonicalizes an Origin header to scheme://host[:port] with a
// lower-case scheme and hostname and no default port. "null" is returned as
// is with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lower-cases authority and drops the scheme's default port.
// IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if strings.Count(authority, ":") > 1 && !strings.HasPrefix(authority, "[") {
		return "", false
	}
	u := &url.URL{Host: authority}
	hostname, rawPort := u.Hostname(), u.Port()
	if hostname == "" || strings.HasSuffix(authority, ":") {
		return "", false
	}
	if strings.HasPrefix(authority, "[") != strings.Contains(hostname, ":") {
		return "", false
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if rawPort == "" {
		return host, true
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return "", false
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return host, true
	}
	return host + ":" + strconv.FormatUint(port, 10), true
}

// Policy decides which browser origins may reach the HTTP surface.
type Policy struct {
	allowed []string
}

// NewPolicy returns a policy admitting the listed origins. Entries must be
// "*" or the output of Normalize. An empty list admits same-host requests
// only.
func NewPolicy(allowed []string) Policy {
	return Policy{allowed: allowed}
}

// Allow reports whether a request carrying originHeader and addressed to
// requestHost may proceed, and returns the normalized origin.
func (p Policy) Allow(originHeader, requestHost string) (string, bool) {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if allowed == "*" || allowed == normalized {
				return normalized, true
			}
		}
		return normalized, false
	}

	// Same host only. The scheme is not compared so that a TLS-terminating
	// proxy in front of the server does not break same-host browsers.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return normalized, false
	}
	want, ok := canonicalHost(requestHost, scheme)
	return normalized, ok && want == host
}
