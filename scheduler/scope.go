package scheduler

import (
	"net/url"
	"path"
	"strings"
	"sync"
)

// Link scopes.
const (
	ScopeHost   = "host"
	ScopeDomain = "domain"
	ScopeAny    = "any"
)

// scope decides which discovered links a job follows. The allowed hosts
// grow as seeds are added.
type scope struct {
	mode    string
	include []string
	exclude []string

	mu    sync.RWMutex
	hosts map[string]struct{}
}

func newScope(mode string, include, exclude []string) *scope {
	if mode == "" {
		mode = ScopeHost
	}
	return &scope{mode: mode, include: include, exclude: exclude, hosts: make(map[string]struct{})}
}

func (s *scope) addSeed(u *url.URL) {
	s.mu.Lock()
	s.hosts[strings.ToLower(u.Host)] = struct{}{}
	s.mu.Unlock()
}

// allows reports whether link should be enqueued.
func (s *scope) allows(link string) bool {
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if !s.inScope(parsed.Host) {
		return false
	}
	if len(s.include) > 0 && !matchesAny(link, parsed.Path, s.include) {
		return false
	}
	return !matchesAny(link, parsed.Path, s.exclude)
}

func (s *scope) inScope(host string) bool {
	host = strings.ToLower(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.mode {
	case ScopeAny:
		return true
	case ScopeDomain:
		for h := range s.hosts {
			if sameBaseDomain(host, h) {
				return true
			}
		}
		return false
	default:
		_, ok := s.hosts[host]
		return ok
	}
}

// sameBaseDomain checks if two hosts share the same base domain.
// For example, "docs.example.com" and "www.example.com" both have base domain "example.com".
func sameBaseDomain(host1, host2 string) bool {
	return strings.EqualFold(baseDomain(host1), baseDomain(host2))
}

// baseDomain extracts the base domain from a host.
// "docs.example.com:8080" -> "example.com"
func baseDomain(host string) string {
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.Contains(h, "[") {
		host = h
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// matchesAny checks the URL path, then the full URL, against glob patterns.
func matchesAny(rawURL, urlPath string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, urlPath); matched {
			return true
		}
		// Full-URL match for patterns like "*.pdf".
		if matched, _ := path.Match(pattern, rawURL); matched {
			return true
		}
	}
	return false
}

func validPattern(p string) error {
	_, err := path.Match(p, "")
	return err
}
