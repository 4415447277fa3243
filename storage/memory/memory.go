// Package memory provides an in-memory storage.Provider for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/authelia/authelia-sub000/storage"
)

// Provider implements storage.Provider with mutex-guarded maps. The single
// mutex makes token consumption trivially exactly-once.
type Provider struct {
	mu            sync.Mutex
	tokens        map[string]storage.IdentityToken
	registrations map[registrationKey][]byte
	preferences   map[string]string
}

type registrationKey struct {
	username string
	scope    string
}

var _ storage.Provider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{
		tokens:        make(map[string]storage.IdentityToken),
		registrations: make(map[registrationKey][]byte),
		preferences:   make(map[string]string),
	}
}

func (p *Provider) SaveIdentityToken(_ context.Context, token storage.IdentityToken) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token.Token] = token
	return nil
}

func (p *Provider) ConsumeIdentityToken(_ context.Context, tokenValue, challenge string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, ok := p.tokens[tokenValue]
	if !ok {
		return "", storage.ErrNoSuchToken
	}
	// Single-use: gone from the map before any verdict is returned.
	delete(p.tokens, tokenValue)
	if token.Challenge != challenge {
		return "", storage.ErrNoSuchToken
	}
	if time.Now().After(token.ExpiresAt) {
		return "", storage.ErrTokenExpired
	}
	return token.Username, nil
}

func (p *Provider) SaveRegistration(_ context.Context, username, scope string, document []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registrations[registrationKey{username, scope}] = append([]byte(nil), document...)
	return nil
}

func (p *Provider) LoadRegistration(_ context.Context, username, scope string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.registrations[registrationKey{username, scope}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (p *Provider) DeleteRegistration(_ context.Context, username, scope string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registrations, registrationKey{username, scope})
	return nil
}

func (p *Provider) SavePreferredMethod(_ context.Context, username, method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preferences[username] = method
	return nil
}

func (p *Provider) LoadPreferredMethod(_ context.Context, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	method, ok := p.preferences[username]
	if !ok {
		return "", storage.ErrNotFound
	}
	return method, nil
}
