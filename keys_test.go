package selink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeyService struct {
	calls   int32
	block   chan struct{}
	backend *secp256k1.PrivateKey
	ttl     time.Duration
	err     error
	public  []byte // overrides the backend public key when set
}

func newFakeKeyService(t *testing.T, ttl time.Duration) *fakeKeyService {
	t.Helper()
	backend, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return &fakeKeyService{backend: backend, ttl: ttl}
}

func (f *fakeKeyService) NegotiateKey(ctx context.Context, clientPublicKey []byte) (*EncryptionKey, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	public := f.public
	if public == nil {
		public = f.backend.PubKey().SerializeCompressed()
	}
	return &EncryptionKey{
		ID:        "key-" + string(rune('0'+n)),
		PublicKey: public,
		Expiry:    time.Now().Add(f.ttl),
	}, nil
}

func (f *fakeKeyService) callCount() int32 {
	return atomic.LoadInt32(&f.calls)
}

func TestEnsureKeyCachesUnexpiredKey(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	first, err := keys.EnsureKey(context.Background())
	require.NoError(t, err)

	second, err := keys.EnsureKey(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), service.callCount())
}

func TestEnsureKeyNeverReusesExpiredKey(t *testing.T) {
	service := newFakeKeyService(t, time.Minute)
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	base := time.Now()
	keys.now = func() time.Time { return base }

	first, err := keys.EnsureKey(context.Background())
	require.NoError(t, err)

	// Step past the expiry (minus skew): the cached key must not be reused.
	keys.now = func() time.Time { return base.Add(time.Minute) }

	second, err := keys.EnsureKey(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int32(2), service.callCount())
}

func TestEnsureKeyCollapsesConcurrentNegotiations(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	service.block = make(chan struct{})
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	results := make([]*EncryptionKey, 2)
	errs := make([]error, 2)

	var started, finished sync.WaitGroup
	for i := 0; i < 2; i++ {
		started.Add(1)
		finished.Add(1)
		go func(i int) {
			defer finished.Done()
			started.Done()
			results[i], errs[i] = keys.EnsureKey(context.Background())
		}(i)
	}

	started.Wait()
	// Give both callers time to reach the flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(service.block)
	finished.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.Equal(t, int32(1), service.callCount(), "exactly one backend negotiation")
}

func TestEnsureKeySurfacesNegotiationFailure(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	service.err = &KeyNegotiationError{Reason: NegotiationNetwork, Err: errors.New("connection refused")}
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	_, err = keys.EnsureKey(context.Background())

	var negotiationErr *KeyNegotiationError
	require.ErrorAs(t, err, &negotiationErr)
	assert.Equal(t, NegotiationNetwork, negotiationErr.Reason)

	// Failures are not cached: the next call negotiates again.
	service.err = nil
	_, err = keys.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), service.callCount())
}

func TestEnsureKeyRejectsMalformedBackendKey(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	service.public = []byte{0x01, 0x02}
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	_, err = keys.EnsureKey(context.Background())

	var negotiationErr *KeyNegotiationError
	require.ErrorAs(t, err, &negotiationErr)
	assert.Equal(t, NegotiationMalformed, negotiationErr.Reason)
}

func TestSecretMatchesBackendDerivation(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	_, err = keys.EnsureKey(context.Background())
	require.NoError(t, err)

	secret := keys.Secret()
	require.Len(t, secret, 32)

	// The backend derives the same secret from its private key and the
	// client's public key.
	clientKey, err := btcec.ParsePubKey(keys.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, DeriveSecret(service.backend, clientKey), secret)
}

func TestSecretIsNilWithoutKey(t *testing.T) {
	keys, err := NewSessionKeys(newFakeKeyService(t, time.Hour), nil)
	require.NoError(t, err)

	assert.Nil(t, keys.Secret())
}

func TestSecretIsNilOnDerivationFailure(t *testing.T) {
	keys, err := NewSessionKeys(newFakeKeyService(t, time.Hour), nil)
	require.NoError(t, err)

	keys.mu.Lock()
	keys.current = &EncryptionKey{ID: "bad", PublicKey: []byte{0xFF}, Expiry: time.Now().Add(time.Hour)}
	keys.mu.Unlock()

	assert.Nil(t, keys.Secret())
}

func TestInvalidateForcesRenegotiation(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	_, err = keys.EnsureKey(context.Background())
	require.NoError(t, err)

	keys.Invalidate()

	_, err = keys.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), service.callCount())
}

func TestResetRegeneratesKeyPair(t *testing.T) {
	service := newFakeKeyService(t, time.Hour)
	keys, err := NewSessionKeys(service, nil)
	require.NoError(t, err)

	before := keys.PublicKey()
	_, err = keys.EnsureKey(context.Background())
	require.NoError(t, err)

	require.NoError(t, keys.Reset())

	assert.NotEqual(t, before, keys.PublicKey())
	assert.Nil(t, keys.Secret(), "cached key dropped with the old pair")
}
