package authorization

import (
	"net/netip"
	"sync/atomic"
)

// Authorizer evaluates access-control rules. Evaluation is pure and
// lock-free; the rule table is swapped atomically on reload so concurrent
// requests always observe a complete table.
type Authorizer struct {
	rules atomic.Pointer[ruleSet]
}

type ruleSet struct {
	rules         []Rule
	defaultPolicy Level
	whitelist     []NetworkWhitelistEntry
}

// NewAuthorizer builds an Authorizer over an initial rule table. Rules keep
// their declared order; earlier rules win ties at equal specificity.
func NewAuthorizer(rules []Rule, defaultPolicy Level, whitelist []NetworkWhitelistEntry) *Authorizer {
	a := &Authorizer{}
	a.Update(rules, defaultPolicy, whitelist)
	return a
}

// Update atomically replaces the rule table. Safe to call concurrently with
// Required.
func (a *Authorizer) Update(rules []Rule, defaultPolicy Level, whitelist []NetworkWhitelistEntry) {
	a.rules.Store(&ruleSet{
		rules:         append([]Rule(nil), rules...),
		defaultPolicy: defaultPolicy,
		whitelist:     append([]NetworkWhitelistEntry(nil), whitelist...),
	})
}

// Required returns the trust level the subject must hold for the object.
// The result is a requirement, not a decision: the caller compares it
// against the session's current authentication level.
//
// Precedence: exact domain beats wildcard; at equal domain specificity a
// longer path match wins; at equal domain and path specificity a rule
// naming the user beats one naming a group, which beats an any-subject
// rule. No matching rule yields the deployment default.
func (a *Authorizer) Required(object Object, subject Subject) Level {
	rs := a.rules.Load()

	bestPolicy := rs.defaultPolicy
	bestDomain, bestPath, bestSubject := 0, -1, 0
	matched := false

	for _, r := range rs.rules {
		d := r.matchDomain(object.Domain)
		if d == 0 {
			continue
		}
		p := r.matchPath(object.Path)
		if p < 0 {
			continue
		}
		s := r.matchSubject(subject)
		if s == 0 {
			continue
		}
		if !matched || d > bestDomain ||
			(d == bestDomain && p > bestPath) ||
			(d == bestDomain && p == bestPath && s > bestSubject) {
			matched = true
			bestDomain, bestPath, bestSubject = d, p, s
			bestPolicy = r.Policy()
		}
	}

	return a.capByWhitelist(bestPolicy, subject, rs)
}

// capByWhitelist lowers the required level when the subject's source address
// sits in a network whitelisted for that user. A whitelist entry can relax
// Bypass/OneFactor requirements but never stands in for a second factor,
// and it never overrides an explicit Deny.
func (a *Authorizer) capByWhitelist(required Level, subject Subject, rs *ruleSet) Level {
	if required == Deny || required == TwoFactor {
		return required
	}
	for _, e := range rs.whitelist {
		if e.Username != subject.Username || !e.Matches(subject.IP) {
			continue
		}
		if e.Policy < required {
			required = e.Policy
		}
	}
	return required
}

// WhitelistedUser returns the user a source address is whitelisted for, if
// any. Used for whitelist auto-login of otherwise anonymous sessions.
func (a *Authorizer) WhitelistedUser(ip netip.Addr) (string, bool) {
	rs := a.rules.Load()
	for _, e := range rs.whitelist {
		if e.Username != "" && e.Matches(ip) {
			return e.Username, true
		}
	}
	return "", false
}
