package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.etcd.io/bbolt"

	"github.com/authelia/authelia-sub000/internal/utils"
)

var bucketSessions = []byte("sessions")

const (
	sessionAADPrefix   = "session:"
	storeSweepInterval = 5 * time.Minute
)

// BoltStore persists sessions in a BBolt database, encrypted at rest with
// AES-256-GCM. The encryption key lives in a memguard enclave so it is
// never left lying around in process memory.
type BoltStore struct {
	db       *bbolt.DB
	key      *memguard.Enclave
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore wraps an open BBolt database. encryptionKey must be 32 bytes;
// it is wiped once sealed into the enclave.
func NewBoltStore(db *bbolt.DB, encryptionKey []byte) (*BoltStore, error) {
	if len(encryptionKey) != utils.AESKeySize {
		return nil, fmt.Errorf("session encryption key must be %d bytes, got %d", utils.AESKeySize, len(encryptionKey))
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing session bucket: %w", err)
	}
	s := &BoltStore{
		db:     db,
		key:    memguard.NewEnclave(encryptionKey),
		stopCh: make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the background sweeper. The database itself is owned by the
// caller.
func (s *BoltStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *BoltStore) Load(token string) (Element, error) {
	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(token))
		if data != nil {
			sealed = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return Element{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if sealed == nil {
		return Element{}, ErrSessionNotFound
	}

	plain, err := s.open(token, sealed)
	if err != nil {
		// Undecryptable records (rotated key, corruption) are dead weight.
		_ = s.Delete(token)
		return Element{}, ErrSessionNotFound
	}
	var element Element
	if err := json.Unmarshal(plain, &element); err != nil {
		_ = s.Delete(token)
		return Element{}, ErrSessionNotFound
	}
	if time.Now().After(element.ExpiresAt) {
		_ = s.Delete(token)
		return Element{}, ErrSessionNotFound
	}
	return element, nil
}

func (s *BoltStore) Save(token string, element Element) error {
	plain, err := json.Marshal(element)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	sealed, err := s.seal(token, plain)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(token), sealed)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *BoltStore) Delete(token string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *BoltStore) seal(token string, plain []byte) ([]byte, error) {
	key, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key enclave: %w", err)
	}
	defer key.Destroy()
	return utils.EncryptAESWithAAD(plain, key.Bytes(), []byte(sessionAADPrefix+token))
}

func (s *BoltStore) open(token string, sealed []byte) ([]byte, error) {
	key, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key enclave: %w", err)
	}
	defer key.Destroy()
	return utils.DecryptAESWithAAD(sealed, key.Bytes(), []byte(sessionAADPrefix+token))
}

// sweepLoop periodically removes expired session records.
func (s *BoltStore) sweepLoop() {
	ticker := time.NewTicker(storeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *BoltStore) sweepExpired() {
	var tokens []string
	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, _ []byte) error {
			tokens = append(tokens, string(k))
			return nil
		})
	})
	for _, token := range tokens {
		// Load deletes expired and undecryptable records as a side effect.
		_, _ = s.Load(token)
	}
}
