package authorization_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authelia/authelia-sub000/authorization"
)

func subject(user string, groups []string, ip string) authorization.Subject {
	s := authorization.Subject{Username: user, Groups: groups}
	if ip != "" {
		s.IP = netip.MustParseAddr(ip)
	}
	return s
}

func object(domain, path string) authorization.Object {
	return authorization.Object{Domain: domain, Path: path}
}

func testAuthorizer(t *testing.T) *authorization.Authorizer {
	t.Helper()
	rules := []authorization.Rule{
		authorization.MustNewRule("public.example.com", authorization.Bypass, nil, nil),
		authorization.MustNewRule("admin.example.com", authorization.TwoFactor, nil, nil),
		authorization.MustNewRule("*.example.com", authorization.OneFactor, nil, nil),
		authorization.MustNewRule("app.example.com", authorization.TwoFactor, nil, []string{"/admin"}),
		authorization.MustNewRule("app.example.com", authorization.Bypass, nil, []string{"^/api/health$"}),
		authorization.MustNewRule("secure.example.com", authorization.Deny, nil, nil),
		authorization.MustNewRule("shared.example.com", authorization.TwoFactor, nil, nil),
		authorization.MustNewRule("shared.example.com", authorization.OneFactor, []string{"group:dev"}, nil),
		authorization.MustNewRule("shared.example.com", authorization.Bypass, []string{"user:alice"}, nil),
	}
	return authorization.NewAuthorizer(rules, authorization.Deny, nil)
}

func TestRequiredDomainPrecedence(t *testing.T) {
	a := testAuthorizer(t)
	anon := subject("", nil, "")

	// Exact domain beats the wildcard.
	assert.Equal(t, authorization.Bypass, a.Required(object("public.example.com", "/"), anon))
	assert.Equal(t, authorization.TwoFactor, a.Required(object("admin.example.com", "/"), anon))
	// Wildcard covers unnamed subdomains.
	assert.Equal(t, authorization.OneFactor, a.Required(object("other.example.com", "/"), anon))
	// The wildcard does not cover the apex.
	assert.Equal(t, authorization.Deny, a.Required(object("example.com", "/"), anon))
	// No rule at all falls back to the deployment default.
	assert.Equal(t, authorization.Deny, a.Required(object("unrelated.net", "/"), anon))
}

func TestRequiredPathPrecedence(t *testing.T) {
	a := testAuthorizer(t)
	anon := subject("", nil, "")

	// Path-specific rules beat the wildcard domain rule.
	assert.Equal(t, authorization.TwoFactor, a.Required(object("app.example.com", "/admin"), anon))
	assert.Equal(t, authorization.TwoFactor, a.Required(object("app.example.com", "/admin/users"), anon))
	assert.Equal(t, authorization.Bypass, a.Required(object("app.example.com", "/api/health"), anon))
	// Regex anchors hold: longer paths don't match.
	assert.Equal(t, authorization.OneFactor, a.Required(object("app.example.com", "/api/healthz"), anon))
	// Unmatched paths fall through to the wildcard rule.
	assert.Equal(t, authorization.OneFactor, a.Required(object("app.example.com", "/"), anon))
}

func TestRequiredSubjectPrecedence(t *testing.T) {
	a := testAuthorizer(t)

	// user rule > group rule > any rule on the same domain/path.
	assert.Equal(t, authorization.Bypass,
		a.Required(object("shared.example.com", "/"), subject("alice", []string{"dev"}, "")))
	assert.Equal(t, authorization.OneFactor,
		a.Required(object("shared.example.com", "/"), subject("bob", []string{"dev"}, "")))
	assert.Equal(t, authorization.TwoFactor,
		a.Required(object("shared.example.com", "/"), subject("carol", []string{"sales"}, "")))
	assert.Equal(t, authorization.TwoFactor,
		a.Required(object("shared.example.com", "/"), subject("", nil, "")))
}

func TestRequiredDeny(t *testing.T) {
	a := testAuthorizer(t)
	assert.Equal(t, authorization.Deny,
		a.Required(object("secure.example.com", "/"), subject("alice", []string{"admins"}, "")))
}

func TestRequiredIsDeterministic(t *testing.T) {
	a := testAuthorizer(t)
	obj := object("shared.example.com", "/x/y")
	sub := subject("bob", []string{"dev"}, "10.0.0.7")

	first := a.Required(obj, sub)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, a.Required(obj, sub))
	}
}

func TestNetworkWhitelistCapping(t *testing.T) {
	rules := []authorization.Rule{
		authorization.MustNewRule("one.example.com", authorization.OneFactor, nil, nil),
		authorization.MustNewRule("two.example.com", authorization.TwoFactor, nil, nil),
		authorization.MustNewRule("blocked.example.com", authorization.Deny, nil, nil),
	}
	whitelist := []authorization.NetworkWhitelistEntry{{
		Username: "alice",
		Networks: []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")},
		Policy:   authorization.Bypass,
	}}
	a := authorization.NewAuthorizer(rules, authorization.Deny, whitelist)

	inside := subject("alice", nil, "192.168.1.10")
	outside := subject("alice", nil, "203.0.113.9")
	otherUser := subject("bob", nil, "192.168.1.10")

	// The whitelist relaxes OneFactor for the bound user on the bound network.
	assert.Equal(t, authorization.Bypass, a.Required(object("one.example.com", "/"), inside))
	assert.Equal(t, authorization.OneFactor, a.Required(object("one.example.com", "/"), outside))
	assert.Equal(t, authorization.OneFactor, a.Required(object("one.example.com", "/"), otherUser))

	// It never grants two-factor resources or overrides a deny.
	assert.Equal(t, authorization.TwoFactor, a.Required(object("two.example.com", "/"), inside))
	assert.Equal(t, authorization.Deny, a.Required(object("blocked.example.com", "/"), inside))
}

func TestWhitelistedUser(t *testing.T) {
	whitelist := []authorization.NetworkWhitelistEntry{{
		Username: "alice",
		Networks: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
		Policy:   authorization.OneFactor,
	}}
	a := authorization.NewAuthorizer(nil, authorization.Deny, whitelist)

	user, ok := a.WhitelistedUser(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, "alice", user)

	_, ok = a.WhitelistedUser(netip.MustParseAddr("172.16.0.1"))
	assert.False(t, ok)
}

func TestUpdateSwapsRuleTable(t *testing.T) {
	a := authorization.NewAuthorizer(nil, authorization.Deny, nil)
	anon := subject("", nil, "")

	assert.Equal(t, authorization.Deny, a.Required(object("app.example.com", "/"), anon))

	a.Update([]authorization.Rule{
		authorization.MustNewRule("app.example.com", authorization.Bypass, nil, nil),
	}, authorization.Deny, nil)

	assert.Equal(t, authorization.Bypass, a.Required(object("app.example.com", "/"), anon))
}

func TestNewRuleValidation(t *testing.T) {
	_, err := authorization.NewRule("x.example.com", authorization.Bypass, []string{"admin"}, nil)
	assert.Error(t, err)

	_, err = authorization.NewRule("x.example.com", authorization.Bypass, nil, []string{"^((bad"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, authorization.Bypass, authorization.ParseLevel("bypass"))
	assert.Equal(t, authorization.OneFactor, authorization.ParseLevel("one_factor"))
	assert.Equal(t, authorization.TwoFactor, authorization.ParseLevel("TWO_FACTOR"))
	assert.Equal(t, authorization.Deny, authorization.ParseLevel("deny"))
	// Unknown policies fail closed.
	assert.Equal(t, authorization.Deny, authorization.ParseLevel("typo"))
}
