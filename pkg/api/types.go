package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperestate/pkg/app/core/registry"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// TokenInfo is a listed token plus its valuation-derived price
type TokenInfo struct {
	registry.Token
	ReferencePrice decimal.Decimal `json:"referencePrice"`
}

// OrderbookResponse is the aggregated book for one token
type OrderbookResponse struct {
	TokenID   string                 `json:"tokenId"`
	Bids      []orderbook.PriceLevel `json:"bids"` // Sorted high to low
	Asks      []orderbook.PriceLevel `json:"asks"` // Sorted low to high
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

// CancelOrderRequest identifies the user asking for the cancel
type CancelOrderRequest struct {
	UserID string `json:"userId"`
}

type ResolveAlertRequest struct {
	Note string `json:"note"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Tokens    int    `json:"tokens"`
	WSClients int    `json:"wsClients"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage wraps every event pushed to subscribers
type WSMessage struct {
	Channel   string `json:"channel"` // e.g. "trades:PROP-1"
	Type      string `json:"type"`    // "order", "trade", "settlement", "orderbook", "alert"
	TokenID   string `json:"tokenId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:PROP-1", "trades:PROP-1", "alerts"]
}

// WSAck confirms a subscription request
type WSAck struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}
