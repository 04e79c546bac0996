package crawler

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// domainMatcher holds exact hosts, suffix wildcards and regular expressions
// parsed from allowedDomains/deniedDomains patterns.
type domainMatcher struct {
	exact    map[string]struct{}
	suffixes []string
	patterns []*regexp.Regexp
}

// Patterns are parsed once per distinct list; entries share lists with their
// parents so the cache stays small.
var matcherCache sync.Map

func matcherFor(patterns []string) *domainMatcher {
	if len(patterns) == 0 {
		return nil
	}
	key := strings.Join(patterns, "\x00")
	if cached, ok := matcherCache.Load(key); ok {
		m, _ := cached.(*domainMatcher)
		return m
	}
	m := newDomainMatcher(patterns)
	matcherCache.Store(key, m)
	return m
}

// newDomainMatcher parses patterns. "/expr/" is a regular expression,
// "*.example.com" and ".example.com" match the domain and its subdomains,
// anything else is an exact host. Invalid expressions are ignored.
func newDomainMatcher(patterns []string) *domainMatcher {
	matcher := &domainMatcher{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(raw)
		if len(value) > 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") {
			if re, err := regexp.Compile(value[1 : len(value)-1]); err == nil {
				matcher.patterns = append(matcher.patterns, re)
			}
			continue
		}
		value = strings.ToLower(value)
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	return matcher
}

func (m *domainMatcher) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Match reports whether host is covered by any pattern.
func (m *domainMatcher) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	for _, re := range m.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// domainAllowed applies deniedDomains first, then allowedDomains when set.
func domainAllowed(o RequestOptions) bool {
	u, err := url.Parse(o.URL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if matcherFor(o.DeniedDomains).Match(host) {
		return false
	}
	if len(o.AllowedDomains) > 0 && !matcherFor(o.AllowedDomains).Match(host) {
		return false
	}
	return true
}
