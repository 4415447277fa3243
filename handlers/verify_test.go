package handlers_test

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/authorization"
	"github.com/authelia/authelia-sub000/handlers"
	"github.com/authelia/authelia-sub000/session"
	"github.com/authelia/authelia-sub000/storage/memory"
)

func verifyRequest(target string, mutate ...func(*http.Request)) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://authd.internal/verify", nil)
	if target != "" {
		r.Header.Set("X-Original-URL", target)
	}
	r.RemoteAddr = "10.10.10.10:51000"
	for _, m := range mutate {
		m(r)
	}
	return r
}

func basicAuth(user, pass string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, verifyRequest(""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyForwardedTriple(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	r := verifyRequest("", func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
		r.Header.Set("X-Forwarded-Host", "public.example.com")
		r.Header.Set("X-Forwarded-Uri", "/index.html")
	})
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestVerifyBypassAllowsAnonymous(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, verifyRequest("https://public.example.com/"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Remote-User"))
}

func TestVerifyAnonymousDenied(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, verifyRequest("https://app.example.com/"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyDefaultPolicyDeniesUnknownDomain(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, verifyRequest("https://other.example.org/"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerifyRedirectsWhenTargetSupplied(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	r := verifyRequest("https://app.example.com/dashboard", func(r *http.Request) {
		q := r.URL.Query()
		q.Set("rd", "https://login.example.com/")
		r.URL.RawQuery = q.Encode()
	})
	f.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login.example.com", location.Host)
	assert.Equal(t, "https://app.example.com/dashboard", location.Query().Get("rd"))
}

func TestVerifyRedirectRefusesForeignPortal(t *testing.T) {
	f := newFixture(t)

	for _, rd := range []string{
		"https://evil.example.org/",
		"https://notexample.com/",
		"http://login.example.com/",
	} {
		w := httptest.NewRecorder()
		r := verifyRequest("https://app.example.com/dashboard", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("rd", rd)
			r.URL.RawQuery = q.Encode()
		})
		f.router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code, rd)
		assert.Empty(t, w.Header().Get("Location"), rd)
	}
}

func TestVerifyBasicAuth(t *testing.T) {
	f := newFixture(t)

	t.Run("valid credentials against one factor resource", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, verifyRequest("https://app.example.com/", basicAuth("alice", "password")))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "alice", w.Header().Get("Remote-User"))
		assert.Equal(t, "dev,admins", w.Header().Get("Remote-Groups"))
	})

	t.Run("wrong password", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, verifyRequest("https://app.example.com/", basicAuth("alice", "wrong")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Header().Get("Remote-User"))
	})

	t.Run("malformed header", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, verifyRequest("https://app.example.com/", func(r *http.Request) {
			r.Header.Set("Proxy-Authorization", "Basic not-base64!!!")
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("two factor resource refuses basic auth", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, verifyRequest("https://admin.example.com/", basicAuth("alice", "password")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("deny rule yields forbidden for known identity", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, verifyRequest("https://blocked.example.com/", basicAuth("alice", "password")))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

// sessionCookie performs a first factor login through the router and returns
// the resulting session cookie.
func sessionCookie(t *testing.T, f *fixture, username, password string) *http.Cookie {
	t.Helper()
	srv := f.server(t)
	client := newClient(t)
	login(t, client, srv.URL, username, password)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == "test_session" {
			return c
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func TestVerifySessionCookie(t *testing.T) {
	f := newFixture(t)
	cookie := sessionCookie(t, f, "alice", "password")

	t.Run("one factor resource allowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := verifyRequest("https://app.example.com/")
		r.AddCookie(cookie)
		f.router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "alice", w.Header().Get("Remote-User"))
		assert.Equal(t, "dev,admins", w.Header().Get("Remote-Groups"))
	})

	t.Run("two factor resource rejects one factor session", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := verifyRequest("https://admin.example.com/")
		r.AddCookie(cookie)
		f.router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("deny rule yields forbidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := verifyRequest("https://blocked.example.com/")
		r.AddCookie(cookie)
		f.router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

// flakySessionStore fails writes on demand while reads keep working.
type flakySessionStore struct {
	session.Store
	failSaves atomic.Bool
}

func (s *flakySessionStore) Save(token string, e session.Element) error {
	if s.failSaves.Load() {
		return fmt.Errorf("saving session: %w", session.ErrStoreUnavailable)
	}
	return s.Store.Save(token, e)
}

func TestVerifyRefreshFailureIsServerError(t *testing.T) {
	mem := session.NewMemoryStore()
	flaky := &flakySessionStore{Store: mem}
	sessions := session.NewProvider(flaky, session.Config{
		Name:       "test_session",
		Domain:     "example.com",
		Expiration: time.Hour,
		Inactivity: 5 * time.Minute,
	})
	f := &fixture{
		users:      newFakeUsers(),
		notifier:   &captureNotifier{},
		sessions:   sessions,
		store:      mem,
		authorizer: authorization.NewAuthorizer(testRules(t), authorization.Deny, nil),
	}
	f.api = handlers.New(handlers.Config{
		ExternalURL:             "https://login.example.com",
		InsufficientLevelStatus: http.StatusUnauthorized,
	}, sessions, f.users, f.authorizer, memory.NewProvider(),
		handlers.WithNotifier(f.notifier),
		handlers.WithTOTP(&authentication.TOTPVerifier{Issuer: "example.com"}),
	)
	f.router = f.api.Router()

	cookie := sessionCookie(t, f, "alice", "password")
	flaky.failSaves.Store(true)

	// A backend outage during the activity refresh must read as a server
	// failure, never as a denial.
	w := httptest.NewRecorder()
	r := verifyRequest("https://app.example.com/")
	r.AddCookie(cookie)
	f.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Header().Get("Remote-User"))
}

func TestVerifyInsufficientLevelStatusConfigurable(t *testing.T) {
	f := newFixtureConfig(t, func(c *handlers.Config) {
		c.InsufficientLevelStatus = http.StatusForbidden
	})
	cookie := sessionCookie(t, f, "alice", "password")

	w := httptest.NewRecorder()
	r := verifyRequest("https://admin.example.com/")
	r.AddCookie(cookie)
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Remote-User"))
}

func TestVerifyInactivity(t *testing.T) {
	f := newFixture(t)
	cookie := sessionCookie(t, f, "alice", "password")

	expire := func(keepMeLoggedIn bool) {
		element, err := f.store.Load(cookie.Value)
		require.NoError(t, err)
		element.Session.LastActivity = time.Now().Add(-time.Hour).Unix()
		element.Session.KeepMeLoggedIn = keepMeLoggedIn
		require.NoError(t, f.store.Save(cookie.Value, element))
	}

	t.Run("keep me logged in suspends the budget", func(t *testing.T) {
		expire(true)
		w := httptest.NewRecorder()
		r := verifyRequest("https://app.example.com/")
		r.AddCookie(cookie)
		f.router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("expired session is reset and rejected", func(t *testing.T) {
		expire(false)
		w := httptest.NewRecorder()
		r := verifyRequest("https://app.example.com/")
		r.AddCookie(cookie)
		f.router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		// The reset is durable: the session is back to anonymous.
		element, err := f.store.Load(cookie.Value)
		require.NoError(t, err)
		assert.Empty(t, element.Session.Username)
	})
}

func TestVerifyRefreshesLastActivity(t *testing.T) {
	f := newFixture(t)
	cookie := sessionCookie(t, f, "alice", "password")

	element, err := f.store.Load(cookie.Value)
	require.NoError(t, err)
	stale := time.Now().Add(-time.Minute).Unix()
	element.Session.LastActivity = stale
	require.NoError(t, f.store.Save(cookie.Value, element))

	w := httptest.NewRecorder()
	r := verifyRequest("https://app.example.com/")
	r.AddCookie(cookie)
	f.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	element, err = f.store.Load(cookie.Value)
	require.NoError(t, err)
	assert.Greater(t, element.Session.LastActivity, stale)
}

func TestVerifyWhitelistAutoLogin(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	r := verifyRequest("https://app.example.com/", func(r *http.Request) {
		r.RemoteAddr = "192.168.1.20:40000"
	})
	f.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "kiosk", w.Header().Get("Remote-User"))

	// The whitelist grants one factor, never two.
	w = httptest.NewRecorder()
	r = verifyRequest("https://admin.example.com/", func(r *http.Request) {
		r.RemoteAddr = "192.168.1.20:40000"
	})
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
