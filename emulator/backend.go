package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	selink "github.com/walletline/secure-element-go"
)

// backend is the in-memory stand-in for the real service: key agreement,
// command confirmations and the CRUD resources.
type backend struct {
	log     zerolog.Logger
	private *secp256k1.PrivateKey
	keyTTL  time.Duration

	mu           sync.Mutex
	keys         map[string]negotiatedKey
	users        map[string]selink.User
	cards        map[string]selink.Card
	issuers      map[string]selink.Issuer
	assets       map[string]selink.Asset
	transactions map[string]selink.Transaction
}

type negotiatedKey struct {
	clientPublicKey *secp256k1.PublicKey
	expiry          time.Time
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newBackend(log zerolog.Logger, keyTTL time.Duration) (*backend, error) {

	private, err := secp256k1.GeneratePrivateKey()

	if err != nil {
		return nil, err
	}

	b := &backend{
		log:          log,
		private:      private,
		keyTTL:       keyTTL,
		keys:         make(map[string]negotiatedKey),
		users:        make(map[string]selink.User),
		cards:        make(map[string]selink.Card),
		issuers:      make(map[string]selink.Issuer),
		assets:       make(map[string]selink.Asset),
		transactions: make(map[string]selink.Transaction),
	}

	b.seed()

	return b, nil

}

func (b *backend) seed() {

	issuer := selink.Issuer{ID: uuid.NewString(), Name: "Walletline Test Issuer", Country: "NO"}
	b.issuers[issuer.ID] = issuer

	asset := selink.Asset{ID: uuid.NewString(), Symbol: "EUR", Name: "Euro", Decimals: 2}
	b.assets[asset.ID] = asset

}

func (b *backend) router() http.Handler {

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(b.requireBearer)

	r.Post("/v1/keys", b.negotiateKey)
	r.Get("/v1/keys/{id}", b.getKey)
	r.Delete("/v1/keys/{id}", b.deleteKey)

	r.Post("/v1/commands/confirmations", b.confirmCommand)

	r.Post("/v1/users", b.createUser)
	r.Get("/v1/users/{id}", b.getUser)
	r.Get("/v1/cards", b.listCards)
	r.Get("/v1/cards/{id}", b.getCard)
	r.Get("/v1/issuers", b.listIssuers)
	r.Get("/v1/assets", b.listAssets)
	r.Get("/v1/transactions", b.listTransactions)
	r.Get("/v1/transactions/{id}", b.getTransaction)

	return r

}

func (b *backend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or empty bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *backend) negotiateKey(w http.ResponseWriter, r *http.Request) {

	var req struct {
		PublicKey string `json:"publicKey"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	raw, err := hex.DecodeString(req.PublicKey)

	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_public_key", err.Error())
		return
	}

	clientKey, err := btcec.ParsePubKey(raw)

	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_public_key", err.Error())
		return
	}

	id := uuid.NewString()
	expiry := time.Now().Add(b.keyTTL)

	b.mu.Lock()
	b.keys[id] = negotiatedKey{clientPublicKey: clientKey, expiry: expiry}
	b.mu.Unlock()

	b.log.Info().Str("keyId", id).Time("expiry", expiry).Msg("negotiated key")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"keyId":     id,
		"publicKey": hex.EncodeToString(b.private.PubKey().SerializeCompressed()),
		"expiry":    expiry,
	})

}

func (b *backend) getKey(w http.ResponseWriter, r *http.Request) {

	id := chi.URLParam(r, "id")

	b.mu.Lock()
	key, ok := b.keys[id]
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "key_not_found", "no such key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keyId":     id,
		"publicKey": hex.EncodeToString(b.private.PubKey().SerializeCompressed()),
		"expiry":    key.expiry,
	})

}

func (b *backend) deleteKey(w http.ResponseWriter, r *http.Request) {

	id := chi.URLParam(r, "id")

	b.mu.Lock()
	_, ok := b.keys[id]
	delete(b.keys, id)
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "key_not_found", "no such key")
		return
	}

	w.WriteHeader(http.StatusNoContent)

}

func (b *backend) confirmCommand(w http.ResponseWriter, r *http.Request) {

	var result selink.CommandResult

	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	response, err := hex.DecodeString(result.Response)

	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_response", err.Error())
		return
	}

	if result.Protected {

		keyID := r.Header.Get(selink.HeaderKeyID)

		b.mu.Lock()
		key, ok := b.keys[keyID]
		b.mu.Unlock()

		if !ok || time.Now().After(key.expiry) {
			writeError(w, http.StatusUnauthorized, "key_unauthorized", "unknown or expired key")
			return
		}

		secret := selink.DeriveSecret(b.private, key.clientPublicKey)

		mac := hmac.New(sha256.New, secret)
		mac.Write(response)

		expected, err := hex.DecodeString(result.Mac)

		if err != nil || !hmac.Equal(expected, mac.Sum(nil)) {
			writeError(w, http.StatusBadRequest, "bad_mac", "payload MAC verification failed")
			return
		}

	}

	b.log.Info().
		Str("commandId", result.CommandID).
		Bool("protected", result.Protected).
		Int("bytes", len(response)).
		Msg("command result confirmed")

	// Confirmation is processed asynchronously; no business payload.
	w.WriteHeader(http.StatusAccepted)

}

func (b *backend) createUser(w http.ResponseWriter, r *http.Request) {

	var user selink.User

	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	user.ID = uuid.NewString()
	user.CreatedAt = time.Now()

	b.mu.Lock()
	b.users[user.ID] = user
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, user)

}

func (b *backend) getUser(w http.ResponseWriter, r *http.Request) {

	b.mu.Lock()
	user, ok := b.users[chi.URLParam(r, "id")]
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "user_not_found", "no such user")
		return
	}

	writeJSON(w, http.StatusOK, user)

}

func (b *backend) getCard(w http.ResponseWriter, r *http.Request) {

	b.mu.Lock()
	card, ok := b.cards[chi.URLParam(r, "id")]
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "card_not_found", "no such card")
		return
	}

	writeJSON(w, http.StatusOK, card)

}

func (b *backend) listCards(w http.ResponseWriter, r *http.Request) {

	userID := r.URL.Query().Get("userId")

	cards := make([]selink.Card, 0)

	b.mu.Lock()
	for _, card := range b.cards {
		if userID == "" || card.UserID == userID {
			cards = append(cards, card)
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, cards)

}

func (b *backend) listIssuers(w http.ResponseWriter, r *http.Request) {

	issuers := make([]selink.Issuer, 0)

	b.mu.Lock()
	for _, issuer := range b.issuers {
		issuers = append(issuers, issuer)
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, issuers)

}

func (b *backend) listAssets(w http.ResponseWriter, r *http.Request) {

	assets := make([]selink.Asset, 0)

	b.mu.Lock()
	for _, asset := range b.assets {
		assets = append(assets, asset)
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, assets)

}

func (b *backend) getTransaction(w http.ResponseWriter, r *http.Request) {

	b.mu.Lock()
	transaction, ok := b.transactions[chi.URLParam(r, "id")]
	b.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "transaction_not_found", "no such transaction")
		return
	}

	writeJSON(w, http.StatusOK, transaction)

}

func (b *backend) listTransactions(w http.ResponseWriter, r *http.Request) {

	cardID := r.URL.Query().Get("cardId")

	transactions := make([]selink.Transaction, 0)

	b.mu.Lock()
	for _, transaction := range b.transactions {
		if cardID == "" || transaction.CardID == cardID {
			transactions = append(transactions, transaction)
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, transactions)

}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorPayload{Code: code, Message: message})
}
