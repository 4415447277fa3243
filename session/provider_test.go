package session_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authelia/authelia-sub000/authentication"
	"github.com/authelia/authelia-sub000/session"
)

func testProvider(t *testing.T) *session.Provider {
	t.Helper()
	return session.NewProvider(session.NewMemoryStore(), session.Config{
		Name:       "test_session",
		Expiration: time.Hour,
		Inactivity: 5 * time.Minute,
	})
}

// carryCookies copies the cookies set on a response onto a follow-up request.
func carryCookies(t *testing.T, w *httptest.ResponseRecorder, r *http.Request) *http.Request {
	t.Helper()
	next := httptest.NewRequest(http.MethodGet, r.URL.String(), nil)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge >= 0 {
			next.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return next
}

func TestGetSessionWithoutCookie(t *testing.T) {
	p := testProvider(t)
	r := httptest.NewRequest(http.MethodGet, "https://login.example.com/", nil)

	s, err := p.GetSession(r)
	require.NoError(t, err)
	assert.Equal(t, authentication.NotAuthenticated, s.AuthenticationLevel)
}

func TestSaveAndGetSessionRoundTrip(t *testing.T) {
	p := testProvider(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "https://login.example.com/", nil)

	s := session.NewDefaultUserSession()
	require.NoError(t, s.SetOneFactor(aliceDetails(), false))
	require.NoError(t, p.SaveSession(w, r, s))

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, "test_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	r2 := carryCookies(t, w, r)
	got, err := p.GetSession(r2)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, authentication.OneFactor, got.AuthenticationLevel)
}

func TestRegenerateSessionInvalidatesOldToken(t *testing.T) {
	p := testProvider(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "https://login.example.com/", nil)

	require.NoError(t, p.SaveSession(w, r, session.NewDefaultUserSession()))
	rOld := carryCookies(t, w, r)
	oldToken := rOld.Cookies()[0].Value

	s := session.NewDefaultUserSession()
	require.NoError(t, s.SetOneFactor(aliceDetails(), false))
	w2 := httptest.NewRecorder()
	require.NoError(t, p.RegenerateSession(w2, rOld, s))

	newToken := w2.Result().Cookies()[0].Value
	assert.NotEqual(t, oldToken, newToken)

	// The old token no longer resolves to the authenticated session.
	stale, err := p.GetSession(rOld)
	require.NoError(t, err)
	assert.Equal(t, authentication.NotAuthenticated, stale.AuthenticationLevel)

	r2 := carryCookies(t, w2, r)
	fresh, err := p.GetSession(r2)
	require.NoError(t, err)
	assert.Equal(t, "alice", fresh.Username)
}

func TestResetSessionRoundTrip(t *testing.T) {
	p := testProvider(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "https://login.example.com/", nil)

	s := session.NewDefaultUserSession()
	require.NoError(t, s.SetOneFactor(aliceDetails(), true))
	s.SetIdentityCheck("totp-register", "alice")
	require.NoError(t, p.SaveSession(w, r, s))

	r2 := carryCookies(t, w, r)
	w2 := httptest.NewRecorder()
	require.NoError(t, p.ResetSession(w2, r2))

	got, err := p.GetSession(r2)
	require.NoError(t, err)
	assert.Equal(t, authentication.NotAuthenticated, got.AuthenticationLevel)
	assert.Empty(t, got.Username)
	assert.Empty(t, got.Groups)
	assert.Nil(t, got.IdentityCheck)
	assert.False(t, got.KeepMeLoggedIn)
}

func TestDestroySessionClearsCookie(t *testing.T) {
	p := testProvider(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "https://login.example.com/", nil)

	require.NoError(t, p.SaveSession(w, r, session.NewDefaultUserSession()))
	r2 := carryCookies(t, w, r)

	w2 := httptest.NewRecorder()
	require.NoError(t, p.DestroySession(w2, r2))

	cookies := w2.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Negative(t, cookies[0].MaxAge)

	got, err := p.GetSession(r2)
	require.NoError(t, err)
	assert.Equal(t, authentication.NotAuthenticated, got.AuthenticationLevel)
}

func TestGetSessionSurfacesStoreFailure(t *testing.T) {
	p := session.NewProvider(failingStore{}, session.Config{Name: "test_session"})
	r := httptest.NewRequest(http.MethodGet, "https://login.example.com/", nil)
	r.AddCookie(&http.Cookie{Name: "test_session", Value: "tok"})

	_, err := p.GetSession(r)
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
}

type failingStore struct{}

func (failingStore) Load(string) (session.Element, error) {
	return session.Element{}, session.ErrStoreUnavailable
}
func (failingStore) Save(string, session.Element) error { return session.ErrStoreUnavailable }
func (failingStore) Delete(string) error                { return session.ErrStoreUnavailable }
