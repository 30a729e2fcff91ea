package selink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Thin resource wrappers over the secure request pipeline. Each call goes
// through the same header construction and status mapping as every other
// pipeline request.

func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var out User
	if err := c.request(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateUser(ctx context.Context, user User) (*User, error) {
	var out User
	if err := c.request(ctx, http.MethodPost, "/v1/users", user, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCard(ctx context.Context, id string) (*Card, error) {
	var out Card
	if err := c.request(ctx, http.MethodGet, "/v1/cards/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCards(ctx context.Context, userID string) ([]Card, error) {
	var out []Card
	path := fmt.Sprintf("/v1/cards?userId=%s", url.QueryEscape(userID))
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListIssuers(ctx context.Context) ([]Issuer, error) {
	var out []Issuer
	if err := c.request(ctx, http.MethodGet, "/v1/issuers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListAssets(ctx context.Context) ([]Asset, error) {
	var out []Asset
	if err := c.request(ctx, http.MethodGet, "/v1/assets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var out Transaction
	if err := c.request(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTransactions(ctx context.Context, cardID string) ([]Transaction, error) {
	var out []Transaction
	path := fmt.Sprintf("/v1/transactions?cardId=%s", url.QueryEscape(cardID))
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
