package handlers_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/authorization"
	"github.com/authelia/authelia-sub000/handlers"
	"github.com/authelia/authelia-sub000/notification"
	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage/memory"
)

// fakeUsers is an in-memory credential backend.
type fakeUsers struct {
	mu        sync.Mutex
	passwords map[string]string
	details   map[string]*authentication.UserDetails
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		passwords: map[string]string{
			"alice": "password",
			"bob":   "hunter2",
			"kiosk": "kioskpass",
		},
		details: map[string]*authentication.UserDetails{
			"alice": {Username: "alice", Emails: []string{"alice@example.com"}, Groups: []string{"dev", "admins"}},
			"bob":   {Username: "bob", Emails: []string{"bob@example.com"}, Groups: []string{"dev"}},
			"kiosk": {Username: "kiosk", Emails: []string{"kiosk@example.com"}, Groups: []string{"kiosk"}},
		},
	}
}

func (f *fakeUsers) CheckUserPassword(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.passwords[username]; ok && stored == password {
		return nil
	}
	return authentication.ErrInvalidCredentials
}

func (f *fakeUsers) GetDetails(_ context.Context, username string) (*authentication.UserDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.details[username]
	if !ok {
		return nil, authentication.ErrUserNotFound
	}
	return details, nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, username, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.passwords[username]; !ok {
		return authentication.ErrUserNotFound
	}
	f.passwords[username] = newPassword
	return nil
}

// captureNotifier records outbound messages instead of sending them.
type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedMail
}

type capturedMail struct {
	Recipient string
	Subject   string
	Body      string
}

var _ notification.Notifier = (*captureNotifier)(nil)

func (n *captureNotifier) Send(_ context.Context, recipient, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedMail{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *captureNotifier) last(t *testing.T) capturedMail {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	return n.sent[len(n.sent)-1]
}

type fixture struct {
	api        *handlers.API
	router     chi.Router
	users      *fakeUsers
	notifier   *captureNotifier
	sessions   *session.Provider
	store      *session.MemoryStore
	authorizer *authorization.Authorizer
}

func testRules(t *testing.T) []authorization.Rule {
	t.Helper()
	return []authorization.Rule{
		authorization.MustNewRule("public.example.com", authorization.Bypass, nil, nil),
		authorization.MustNewRule("app.example.com", authorization.OneFactor, nil, nil),
		authorization.MustNewRule("admin.example.com", authorization.TwoFactor, nil, nil),
		authorization.MustNewRule("blocked.example.com", authorization.Deny, nil, nil),
	}
}

func newFixture(t *testing.T, opts ...handlers.Option) *fixture {
	return newFixtureConfig(t, nil, opts...)
}

func newFixtureConfig(t *testing.T, mutate func(*handlers.Config), opts ...handlers.Option) *fixture {
	t.Helper()

	store := session.NewMemoryStore()
	sessions := session.NewProvider(store, session.Config{
		Name:       "test_session",
		Domain:     "example.com",
		Expiration: time.Hour,
		Inactivity: 5 * time.Minute,
	})
	users := newFakeUsers()
	notifier := &captureNotifier{}
	authorizer := authorization.NewAuthorizer(testRules(t), authorization.Deny, []authorization.NetworkWhitelistEntry{
		{
			Username: "kiosk",
			Networks: []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")},
			Policy:   authorization.OneFactor,
		},
	})

	config := handlers.Config{
		ExternalURL:             "https://login.example.com",
		InsufficientLevelStatus: http.StatusUnauthorized,
	}
	if mutate != nil {
		mutate(&config)
	}
	allOpts := append([]handlers.Option{
		handlers.WithNotifier(notifier),
		handlers.WithTOTP(&authentication.TOTPVerifier{Issuer: "example.com"}),
	}, opts...)

	a := handlers.New(config, sessions, users, authorizer, memory.NewProvider(), allOpts...)
	return &fixture{
		api:        a,
		router:     a.Router(),
		users:      users,
		notifier:   notifier,
		sessions:   sessions,
		store:      store,
		authorizer: authorizer,
	}
}

func (f *fixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Mount("/api", f.router)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// hostJar keeps cookies per request host and ignores the Domain attribute:
// the fixture scopes cookies to example.com, which a standard jar refuses to
// honor for the httptest server's 127.0.0.1 address.
type hostJar struct {
	mu      sync.Mutex
	cookies map[string]map[string]*http.Cookie
}

func newHostJar() *hostJar {
	return &hostJar{cookies: make(map[string]map[string]*http.Cookie)}
}

func (j *hostJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	byName := j.cookies[u.Host]
	if byName == nil {
		byName = make(map[string]*http.Cookie)
		j.cookies[u.Host] = byName
	}
	for _, c := range cookies {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(time.Now())) {
			delete(byName, c.Name)
			continue
		}
		byName[c.Name] = c
	}
}

func (j *hostJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*http.Cookie
	for _, c := range j.cookies[u.Host] {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	return &http.Client{
		Jar: newHostJar(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func login(t *testing.T, client *http.Client, baseURL, username, password string) {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/firstfactor", map[string]any{
		"username": username,
		"password": password,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// totpCode computes the RFC 6238 code for a base32 secret at the given time.
func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	require.NoError(t, err)

	counter := uint64(at.Unix()) / 30
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}
