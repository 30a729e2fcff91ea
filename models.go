package selink

import "time"

// Backend resource models. These are plain JSON shapes; the interesting logic
// lives in the executor and the key manager, not here.

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Issuer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

type Card struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	IssuerID  string    `json:"issuerId"`
	State     string    `json:"state"`
	MaskedPan string    `json:"maskedPan"`
	CreatedAt time.Time `json:"createdAt"`
}

type Asset struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
}

type Transaction struct {
	ID        string    `json:"id"`
	CardID    string    `json:"cardId"`
	AssetID   string    `json:"assetId"`
	Amount    string    `json:"amount"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}
