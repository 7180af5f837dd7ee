package marketplace

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Marketplace API payloads
// ---------------------------------------------------------------------------

// PageEnvelope is the paged list response of the products and orders endpoints
type PageEnvelope struct {
	Items   []json.RawMessage `json:"items"`
	Page    int               `json:"page"`
	HasMore bool              `json:"has_more"`
	Total   int               `json:"total"`
}

// FastUpdateRequest changes price and/or stock of one offer
type FastUpdateRequest struct {
	OfferID string           `json:"offer_id"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Stock   *int             `json:"stock,omitempty"`
}

// fastUpdateBody is the body of POST /offers/fast-update
type fastUpdateBody struct {
	Offers []FastUpdateRequest `json:"offers"`
}

// FastUpdateResult reports the outcome per offer
type FastUpdateResult struct {
	Updated []string          `json:"updated"`
	Failed  []FastUpdateError `json:"failed,omitempty"`
}

// FastUpdateError is one rejected offer
type FastUpdateError struct {
	OfferID string `json:"offer_id"`
	Message string `json:"message"`
}

// AcknowledgeResult is the response of POST /orders/{id}/acknowledge
type AcknowledgeResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
