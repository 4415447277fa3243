package authorization

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// Subject is the identity a request claims when rules are evaluated.
type Subject struct {
	Username string
	Groups   []string
	IP       netip.Addr
}

// IsAnonymous reports whether no identity is bound to the request.
func (s Subject) IsAnonymous() bool {
	return s.Username == ""
}

// Object is the (domain, path) target of a request.
type Object struct {
	Domain string
	Path   string
}

// Rule is one immutable access-control rule. Build rules with NewRule so the
// matchers are compiled once up front.
type Rule struct {
	// domain matcher: exact name, or wildcard via wildcardSuffix.
	domain         string
	wildcardSuffix string // ".example.com" when the rule domain was "*.example.com"

	// resource matchers; empty means the whole domain.
	resources []resourceMatcher

	// subject matchers ("user:alice", "group:admins"); empty means any
	// subject, authenticated or not.
	subjects []string

	policy Level
}

type resourceMatcher struct {
	raw    string
	prefix string         // set for plain prefix patterns
	re     *regexp.Regexp // set for "^..." regex patterns
}

// NewRule compiles a rule. The domain is an exact name or a
// "*.suffix" wildcard; each resource is a path prefix, or a regular
// expression when it starts with "^".
func NewRule(domain string, policy Level, subjects []string, resources []string) (Rule, error) {
	r := Rule{
		domain:   strings.ToLower(domain),
		subjects: append([]string(nil), subjects...),
		policy:   policy,
	}
	if strings.HasPrefix(r.domain, "*.") {
		r.wildcardSuffix = r.domain[1:]
	}
	for _, raw := range resources {
		m := resourceMatcher{raw: raw}
		if strings.HasPrefix(raw, "^") {
			re, err := regexp.Compile(raw)
			if err != nil {
				return Rule{}, fmt.Errorf("compiling resource pattern %q: %w", raw, err)
			}
			m.re = re
		} else {
			m.prefix = raw
		}
		r.resources = append(r.resources, m)
	}
	for _, s := range r.subjects {
		if !strings.HasPrefix(s, "user:") && !strings.HasPrefix(s, "group:") {
			return Rule{}, fmt.Errorf("subject %q must start with \"user:\" or \"group:\"", s)
		}
	}
	return r, nil
}

// MustNewRule is NewRule for static rule tables in tests.
func MustNewRule(domain string, policy Level, subjects []string, resources []string) Rule {
	r, err := NewRule(domain, policy, subjects, resources)
	if err != nil {
		panic(err)
	}
	return r
}

// Policy returns the trust level the rule requires.
func (r Rule) Policy() Level { return r.policy }

// matchDomain returns a specificity score: 2 for an exact match, 1 for a
// wildcard match, 0 for no match.
func (r Rule) matchDomain(domain string) int {
	if r.wildcardSuffix != "" {
		if strings.HasSuffix(domain, r.wildcardSuffix) && domain != r.wildcardSuffix[1:] {
			return 1
		}
		return 0
	}
	if r.domain == domain {
		return 2
	}
	return 0
}

// matchPath returns the length of the most specific matching resource
// pattern plus one, so that an explicit "/" beats an absent matcher. A rule
// without resources matches every path with score 0; no match returns -1.
func (r Rule) matchPath(path string) int {
	if len(r.resources) == 0 {
		return 0
	}
	best := -1
	for _, m := range r.resources {
		var ok bool
		if m.re != nil {
			ok = m.re.MatchString(path)
		} else {
			ok = strings.HasPrefix(path, m.prefix)
		}
		if ok && len(m.raw)+1 > best {
			best = len(m.raw) + 1
		}
	}
	return best
}

// matchSubject returns a specificity score: 3 when the rule names the user,
// 2 when it names one of the user's groups, 1 when the rule applies to any
// subject, 0 for no match.
func (r Rule) matchSubject(subject Subject) int {
	if len(r.subjects) == 0 {
		return 1
	}
	best := 0
	for _, s := range r.subjects {
		switch {
		case strings.HasPrefix(s, "user:"):
			if !subject.IsAnonymous() && s[len("user:"):] == subject.Username {
				best = max(best, 3)
			}
		case strings.HasPrefix(s, "group:"):
			group := s[len("group:"):]
			for _, g := range subject.Groups {
				if g == group {
					best = max(best, 2)
				}
			}
		}
	}
	return best
}

// NetworkWhitelistEntry binds a set of source networks to a user and the
// lowest required level those networks are trusted for.
type NetworkWhitelistEntry struct {
	Username string
	Networks []netip.Prefix
	Policy   Level
}

// Matches reports whether the entry covers the given source address.
func (e NetworkWhitelistEntry) Matches(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, n := range e.Networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
