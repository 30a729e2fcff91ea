package selink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"time"
)

type keyAgreementRequest struct {
	PublicKey string `json:"publicKey"`
}

type keyAgreementResponse struct {
	KeyID     string    `json:"keyId"`
	PublicKey string    `json:"publicKey"`
	Expiry    time.Time `json:"expiry"`
}

func (r keyAgreementResponse) encryptionKey() (*EncryptionKey, error) {

	if r.KeyID == "" {
		return nil, &KeyNegotiationError{Reason: NegotiationMalformed, Err: errors.New("missing keyId")}
	}

	raw, err := hex.DecodeString(r.PublicKey)

	if err != nil {
		return nil, &KeyNegotiationError{Reason: NegotiationMalformed, Err: err}
	}

	return &EncryptionKey{ID: r.KeyID, PublicKey: raw, Expiry: r.Expiry}, nil

}

// negotiationError folds a pipeline failure into the negotiation taxonomy.
func negotiationError(err error) error {

	if errors.Is(err, ErrUnauthorized) {
		return err
	}

	var berr *BackendError
	if errors.As(err, &berr) {
		return &KeyNegotiationError{Reason: NegotiationRejected, Err: err}
	}

	if errors.Is(err, ErrMalformedResponse) {
		return &KeyNegotiationError{Reason: NegotiationMalformed, Err: err}
	}

	return &KeyNegotiationError{Reason: NegotiationNetwork, Err: err}

}

// NegotiateKey submits the client public key and receives the backend public
// key, key id and expiry. It implements KeyAgreementService for the client's
// own SessionKeys.
func (c *Client) NegotiateKey(ctx context.Context, clientPublicKey []byte) (*EncryptionKey, error) {

	headers, err := c.bareHeaders()

	if err != nil {
		return nil, err
	}

	body := keyAgreementRequest{PublicKey: hex.EncodeToString(clientPublicKey)}

	var out keyAgreementResponse

	if err := c.do(ctx, http.MethodPost, "/v1/keys", headers, body, &out); err != nil {
		return nil, negotiationError(err)
	}

	return out.encryptionKey()

}

// FetchKey retrieves a previously negotiated key by id.
func (c *Client) FetchKey(ctx context.Context, keyID string) (*EncryptionKey, error) {

	headers, err := c.bareHeaders()

	if err != nil {
		return nil, err
	}

	var out keyAgreementResponse

	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(keyID), headers, nil, &out); err != nil {
		return nil, negotiationError(err)
	}

	return out.encryptionKey()

}

// DeleteKey revokes a negotiated key on the backend. The response carries an
// acknowledgement only.
func (c *Client) DeleteKey(ctx context.Context, keyID string) error {

	headers, err := c.bareHeaders()

	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodDelete, "/v1/keys/"+url.PathEscape(keyID), headers, nil, nil)

}

// CommandResult is the executed-command result reported to the backend.
type CommandResult struct {
	CommandID string `json:"commandId,omitempty"`
	// Response is the hex encoded raw response bytes.
	Response string `json:"response"`
	// Protected reports whether Mac is present.
	Protected bool `json:"protected"`
	// Mac is the hex encoded HMAC-SHA256 over the raw response bytes using
	// the session secret.
	Mac string `json:"mac,omitempty"`
}

// ConfirmResult reports an executed command's response bytes to the backend.
// When a session secret is available the payload carries an HMAC over the
// response; when it is not, the result is sent unprotected with a warning.
// Callers that require hard confidentiality should check Keys().Secret()
// before confirming.
func (c *Client) ConfirmResult(ctx context.Context, commandID string, response []byte) error {

	result := CommandResult{
		CommandID: commandID,
		Response:  hex.EncodeToString(response),
	}

	if secret := c.keys.Secret(); len(secret) > 0 {
		mac := hmac.New(sha256.New, secret)
		mac.Write(response)
		result.Protected = true
		result.Mac = hex.EncodeToString(mac.Sum(nil))
	} else {
		c.log.Warn("confirming command result without payload protection")
	}

	return c.request(ctx, http.MethodPost, "/v1/commands/confirmations", result, nil)

}
