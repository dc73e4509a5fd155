package crawler

import "strings"

// DomainBlocklist matches hosts against exact entries and suffix wildcards
// ("*.example.com" or ".example.com"). A nil blocklist blocks nothing.
type DomainBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainBlocklist compiles patterns. It returns nil when no usable pattern is given.
func NewDomainBlocklist(patterns ...[]string) *DomainBlocklist {
	matcher := &DomainBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, group := range patterns {
		for _, raw := range group {
			value := strings.TrimSpace(strings.ToLower(raw))
			switch {
			case value == "":
				continue
			case strings.HasPrefix(value, "*."):
				matcher.addSuffix(strings.TrimPrefix(value, "*."))
			case strings.HasPrefix(value, "."):
				matcher.addSuffix(strings.TrimPrefix(value, "."))
			default:
				matcher.exact[value] = struct{}{}
			}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *DomainBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches any entry.
func (b *DomainBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
