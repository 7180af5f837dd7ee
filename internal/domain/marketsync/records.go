package marketsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DefaultWarehouse is used when a product record carries no warehouse
const DefaultWarehouse = "default"

var recordValidator = validator.New(validator.WithRequiredStructEnabled())

// RemoteRecord is one decoded and validated item of a marketplace page
type RemoteRecord interface {
	Resource() ResourceType
	RemoteKey() string
	// Fingerprint is a stable digest of the record's content
	Fingerprint() string
	// Raw is the original payload as received
	Raw() json.RawMessage
}

// ---------------------------------------------------------------------------
// Product Record
// ---------------------------------------------------------------------------

// ProductRecord is the typed product/offer payload of the marketplace
type ProductRecord struct {
	RemoteID  string          `json:"id" validate:"required,max=64"`
	SKU       string          `json:"sku" validate:"required,max=128"`
	Title     string          `json:"title" validate:"required,max=512"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock" validate:"gte=0"`
	Warehouse string          `json:"warehouse" validate:"omitempty,max=64"`
	Status    string          `json:"status" validate:"omitempty,oneof=active inactive archived"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`

	raw json.RawMessage
}

// Resource implements RemoteRecord
func (p *ProductRecord) Resource() ResourceType { return ResourceProducts }

// RemoteKey implements RemoteRecord
func (p *ProductRecord) RemoteKey() string { return p.RemoteID }

// Raw implements RemoteRecord
func (p *ProductRecord) Raw() json.RawMessage { return p.raw }

// Fingerprint implements RemoteRecord
func (p *ProductRecord) Fingerprint() string {
	return fingerprint([]string{
		p.RemoteID, p.SKU, p.Title, p.Price.String(), strconv.Itoa(p.Stock), p.Warehouse, p.Status,
	})
}

// UnmarshalJSON accepts the id as a JSON string or number
func (p *ProductRecord) UnmarshalJSON(data []byte) error {
	type plain ProductRecord
	aux := struct {
		*plain
		ID remoteID `json:"id"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.RemoteID = string(aux.ID)
	return nil
}

func (p *ProductRecord) normalize() {
	p.RemoteID = strings.TrimSpace(p.RemoteID)
	p.SKU = strings.TrimSpace(p.SKU)
	p.Title = strings.TrimSpace(p.Title)
	if p.Warehouse == "" {
		p.Warehouse = DefaultWarehouse
	}
	if p.Status == "" {
		p.Status = "active"
	}
}

func (p *ProductRecord) validate() error {
	if err := recordValidator.Struct(p); err != nil {
		return err
	}
	if p.Price.IsNegative() {
		return errors.New("price must not be negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Order Record
// ---------------------------------------------------------------------------

// OrderLine is one line item of a marketplace order
type OrderLine struct {
	SKU      string          `json:"sku" validate:"required"`
	Quantity int             `json:"quantity" validate:"gt=0"`
	Price    decimal.Decimal `json:"price"`
}

// OrderRecord is the typed order payload of the marketplace
type OrderRecord struct {
	RemoteID string          `json:"id" validate:"required,max=64"`
	Status   string          `json:"status" validate:"required"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency" validate:"omitempty,len=3"`
	Lines    []OrderLine     `json:"items" validate:"dive"`
	PlacedAt *time.Time      `json:"placed_at,omitempty"`

	status OrderStatus
	raw    json.RawMessage
}

// Resource implements RemoteRecord
func (o *OrderRecord) Resource() ResourceType { return ResourceOrders }

// RemoteKey implements RemoteRecord
func (o *OrderRecord) RemoteKey() string { return o.RemoteID }

// Raw implements RemoteRecord
func (o *OrderRecord) Raw() json.RawMessage { return o.raw }

// LocalStatus is the remote status mapped onto the local lifecycle
func (o *OrderRecord) LocalStatus() OrderStatus { return o.status }

// Fingerprint implements RemoteRecord
func (o *OrderRecord) Fingerprint() string {
	lines := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, fmt.Sprintf("%s|%d|%s", l.SKU, l.Quantity, l.Price.String()))
	}
	return fingerprint(append([]string{o.RemoteID, o.Status, o.Total.String(), o.Currency}, lines...))
}

// UnmarshalJSON accepts the id as a JSON string or number
func (o *OrderRecord) UnmarshalJSON(data []byte) error {
	type plain OrderRecord
	aux := struct {
		*plain
		ID remoteID `json:"id"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.RemoteID = string(aux.ID)
	return nil
}

func (o *OrderRecord) normalize() {
	o.RemoteID = strings.TrimSpace(o.RemoteID)
	o.Status = strings.ToLower(strings.TrimSpace(o.Status))
	o.Currency = strings.ToUpper(o.Currency)
}

func (o *OrderRecord) validate() error {
	if err := recordValidator.Struct(o); err != nil {
		return err
	}
	st, ok := MapRemoteOrderStatus(o.Status)
	if !ok {
		return fmt.Errorf("unknown order status %q", o.Status)
	}
	o.status = st
	if o.Total.IsNegative() {
		return errors.New("total must not be negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// ValidationError describes a record rejected at the upsert boundary
type ValidationError struct {
	Resource ResourceType
	// RemoteID is best-effort; empty when the payload has no usable id
	RemoteID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.RemoteID == "" {
		return fmt.Sprintf("invalid %s record: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("invalid %s record %s: %s", e.Resource, e.RemoteID, e.Reason)
}

// Is makes every ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DecodeRecord decodes and validates one raw page item into its typed record.
// Failures are returned as *ValidationError.
func DecodeRecord(resource ResourceType, raw json.RawMessage) (RemoteRecord, error) {
	switch resource {
	case ResourceProducts:
		rec := &ProductRecord{}
		if err := decodeInto(raw, rec); err != nil {
			return nil, newValidationError(resource, raw, err)
		}
		rec.normalize()
		if err := rec.validate(); err != nil {
			return nil, newValidationError(resource, raw, err)
		}
		rec.raw = raw
		return rec, nil
	case ResourceOrders:
		rec := &OrderRecord{}
		if err := decodeInto(raw, rec); err != nil {
			return nil, newValidationError(resource, raw, err)
		}
		rec.normalize()
		if err := rec.validate(); err != nil {
			return nil, newValidationError(resource, raw, err)
		}
		rec.raw = raw
		return rec, nil
	default:
		return nil, &ValidationError{Resource: resource, Reason: "unsupported resource type"}
	}
}

func decodeInto(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload is not a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

func newValidationError(resource ResourceType, raw json.RawMessage, cause error) *ValidationError {
	reason := cause.Error()
	var verrs validator.ValidationErrors
	if errors.As(cause, &verrs) && len(verrs) > 0 {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		reason = strings.Join(parts, "; ")
	}
	return &ValidationError{Resource: resource, RemoteID: ProbeRemoteID(raw), Reason: reason}
}

// remoteID is a marketplace id sent either as a JSON string or as a number.
// Numbers keep their JSON text form.
type remoteID string

func (id *remoteID) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = remoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number, got %s", data)
	}
	*id = remoteID(n.String())
	return nil
}

// ProbeRemoteID extracts the "id" field of a payload without full decoding.
// Numeric ids are returned in their JSON text form.
func ProbeRemoteID(raw json.RawMessage) string {
	var probe struct {
		ID remoteID `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(string(probe.ID))
}

func fingerprint(parts []string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
