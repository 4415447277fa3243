// Package bbolt provides a BBolt-backed storage.Provider.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/authelia/authelia-sub000/storage"
)

var (
	bucketTokens        = []byte("identity_tokens")
	bucketRegistrations = []byte("registrations")
	bucketPreferences   = []byte("preferences")
)

const sweepInterval = 5 * time.Minute

// Provider implements storage.Provider backed by a BBolt database. Token
// consumption runs inside a single Update transaction, which BBolt
// serializes, giving the exactly-once consume contract for free.
type Provider struct {
	db     *bbolt.DB
	stopCh chan struct{}
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider wraps an open BBolt database and starts the expired-token
// sweeper.
func NewProvider(db *bbolt.DB) (*Provider, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTokens, bucketRegistrations, bucketPreferences} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	p := &Provider{db: db, stopCh: make(chan struct{})}
	go p.sweepLoop()
	return p, nil
}

// NewProviderFromFile opens a BBolt database at path.
func NewProviderFromFile(path string, options *bbolt.Options) (*Provider, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewProvider(db)
}

// Close stops the sweeper and closes the database.
func (p *Provider) Close() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	return p.db.Close()
}

func (p *Provider) SaveIdentityToken(_ context.Context, token storage.IdentityToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(token.Token), data)
	})
}

func (p *Provider) ConsumeIdentityToken(_ context.Context, tokenValue, challenge string) (string, error) {
	var username string
	err := p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(tokenValue))
		if data == nil {
			return storage.ErrNoSuchToken
		}
		// Delete before judging: a replay must find nothing even when this
		// consume ultimately reports expiry.
		if err := b.Delete([]byte(tokenValue)); err != nil {
			return err
		}
		var token storage.IdentityToken
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("decoding identity token: %w", err)
		}
		if token.Challenge != challenge {
			return storage.ErrNoSuchToken
		}
		if time.Now().After(token.ExpiresAt) {
			return storage.ErrTokenExpired
		}
		username = token.Username
		return nil
	})
	if err != nil {
		return "", err
	}
	return username, nil
}

func registrationKey(username, scope string) []byte {
	return []byte(username + ":" + scope)
}

func (p *Provider) SaveRegistration(_ context.Context, username, scope string, document []byte) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrations).Put(registrationKey(username, scope), document)
	})
}

func (p *Provider) LoadRegistration(_ context.Context, username, scope string) ([]byte, error) {
	var doc []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRegistrations).Get(registrationKey(username, scope))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", username, scope, storage.ErrNotFound)
		}
		doc = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Provider) DeleteRegistration(_ context.Context, username, scope string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrations).Delete(registrationKey(username, scope))
	})
}

func (p *Provider) SavePreferredMethod(_ context.Context, username, method string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPreferences).Put([]byte(username), []byte(method))
	})
}

func (p *Provider) LoadPreferredMethod(_ context.Context, username string) (string, error) {
	var method string
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPreferences).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("%s: %w", username, storage.ErrNotFound)
		}
		method = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return method, nil
}

// sweepLoop periodically removes tokens that expired without being consumed.
func (p *Provider) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepExpired()
		}
	}
}

func (p *Provider) sweepExpired() {
	now := time.Now()
	_ = p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var token storage.IdentityToken
			if err := json.Unmarshal(v, &token); err != nil || now.After(token.ExpiresAt) {
				_ = c.Delete()
			}
		}
		return nil
	})
}
