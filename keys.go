package selink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/singleflight"
)

// expirySkew renegotiates a key slightly before its nominal expiry so a key
// never dies mid-request on a slow link.
const expirySkew = 30 * time.Second

// EncryptionKey is one negotiated backend key. Replaced, never mutated in
// place, on renewal.
type EncryptionKey struct {
	// ID tags pipeline requests protected under this key.
	ID string
	// PublicKey is the backend's compressed public key.
	PublicKey []byte
	// Expiry is when the backend stops accepting the key.
	Expiry time.Time
}

func (k *EncryptionKey) valid(now time.Time) bool {
	return k != nil && now.Before(k.Expiry.Add(-expirySkew))
}

// KeyAgreementService performs the backend half of the key agreement: submit
// the client public key, receive the backend public key, key id and expiry.
type KeyAgreementService interface {
	NegotiateKey(ctx context.Context, clientPublicKey []byte) (*EncryptionKey, error)
}

// SessionKeys owns the client's ephemeral key pair and the currently
// negotiated backend key. The key pair lives as long as the SessionKeys
// instance and is regenerated only by Reset.
type SessionKeys struct {
	service KeyAgreementService
	log     *slog.Logger
	now     func() time.Time

	flight singleflight.Group

	mu      sync.RWMutex
	private *secp256k1.PrivateKey
	current *EncryptionKey
}

func NewSessionKeys(service KeyAgreementService, log *slog.Logger) (*SessionKeys, error) {

	if log == nil {
		log = slog.Default()
	}

	private, err := secp256k1.GeneratePrivateKey()

	if err != nil {
		return nil, err
	}

	return &SessionKeys{
		service: service,
		log:     log,
		now:     time.Now,
		private: private,
	}, nil

}

// PublicKey returns the client public key in compressed form.
func (s *SessionKeys) PublicKey() []byte {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.private.PubKey().SerializeCompressed()

}

// EnsureKey returns the cached key if unexpired, otherwise negotiates a fresh
// one with the backend. Concurrent callers collapse into a single in-flight
// negotiation and all observe its result. Negotiation failures are surfaced
// as KeyNegotiationError and never retried here.
func (s *SessionKeys) EnsureKey(ctx context.Context) (*EncryptionKey, error) {

	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()

	if current.valid(s.now()) {
		return current, nil
	}

	v, err, _ := s.flight.Do("negotiate", func() (interface{}, error) {

		s.mu.RLock()
		current, public := s.current, s.private.PubKey().SerializeCompressed()
		s.mu.RUnlock()

		// A negotiation that finished while we queued for the flight already
		// refreshed the cache.
		if current.valid(s.now()) {
			return current, nil
		}

		key, err := s.service.NegotiateKey(ctx, public)

		if err != nil {
			return nil, err
		}

		if _, err := btcec.ParsePubKey(key.PublicKey); err != nil {
			return nil, &KeyNegotiationError{Reason: NegotiationMalformed, Err: err}
		}

		s.mu.Lock()
		s.current = key
		s.mu.Unlock()

		s.log.Debug("negotiated encryption key", "keyId", key.ID, "expiry", key.Expiry)

		return key, nil

	})

	if err != nil {
		return nil, err
	}

	return v.(*EncryptionKey), nil

}

// Secret derives the symmetric secret from the current backend key and the
// local private key. It returns nil, with a warning rather than an error,
// when no key is cached or derivation fails; callers must treat an empty
// secret as "payload not protectable" and decide whether to proceed
// unprotected or abort.
func (s *SessionKeys) Secret() []byte {

	s.mu.RLock()
	current, private := s.current, s.private
	s.mu.RUnlock()

	if current == nil {
		s.log.Warn("no encryption key negotiated, secret unavailable")
		return nil
	}

	backendKey, err := btcec.ParsePubKey(current.PublicKey)

	if err != nil {
		s.log.Warn("cannot derive secret from backend key", "keyId", current.ID, "err", err)
		return nil
	}

	return DeriveSecret(private, backendKey)

}

// Invalidate drops the cached key, forcing renegotiation on the next
// EnsureKey. Used when the backend reports the key unauthorized.
func (s *SessionKeys) Invalidate() {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil

}

// Reset regenerates the client key pair and drops the cached key.
func (s *SessionKeys) Reset() error {

	private, err := secp256k1.GeneratePrivateKey()

	if err != nil {
		return err
	}

	s.mu.Lock()
	s.private = private
	s.current = nil
	s.mu.Unlock()

	return nil

}
