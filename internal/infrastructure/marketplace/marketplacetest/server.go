// Package marketplacetest provides an in-process fake of the marketplace API
// for tests of the client and the sync services.
package marketplacetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
)

// RecordedRequest is one request received by the fake.
type RecordedRequest struct {
	Method        string
	Path          string
	Query         url.Values
	CorrelationID string
}

// Offer is one entry of a fast-update call.
type Offer struct {
	OfferID string           `json:"offer_id"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Stock   *int             `json:"stock,omitempty"`
}

// Server is a fake marketplace account. Items are served in insertion order.
type Server struct {
	*httptest.Server

	token string

	mu           sync.Mutex
	items        map[string][]json.RawMessage
	orders       map[string]json.RawMessage
	failPages    map[string]int
	failStatus   map[string]int
	rejectOffers map[string]string
	acknowledged []string
	offers       []Offer
	requests     []RecordedRequest
}

// NewServer starts a fake that requires token as bearer credential.
func NewServer(token string) *Server {
	s := &Server{
		token:        token,
		items:        make(map[string][]json.RawMessage),
		orders:       make(map[string]json.RawMessage),
		failPages:    make(map[string]int),
		failStatus:   make(map[string]int),
		rejectOffers: make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddProducts appends raw product payloads.
func (s *Server) AddProducts(items ...json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items["products"] = append(s.items["products"], items...)
}

// SetProducts replaces the product listing.
func (s *Server) SetProducts(items ...json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items["products"] = append([]json.RawMessage(nil), items...)
}

// AddOrders appends raw order payloads; they are also served by GET /orders/{id}.
func (s *Server) AddOrders(items ...json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items["orders"] = append(s.items["orders"], item)
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(item, &probe) == nil && probe.ID != "" {
			s.orders[probe.ID] = item
		}
	}
}

// FailPage makes every request for page of resource answer status.
func (s *Server) FailPage(resource string, page, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPages[resource] = page
	s.failStatus[resource] = status
}

// RejectOffer makes fast-update report offerID as failed with message.
func (s *Server) RejectOffer(offerID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectOffers[offerID] = message
}

// Acknowledged returns the order ids acknowledged so far.
func (s *Server) Acknowledged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acknowledged...)
}

// Offers returns every fast-update entry received so far.
func (s *Server) Offers() []Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Offer(nil), s.offers...)
}

// Requests returns every request received so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// PageRequests returns the page numbers requested for resource, in order.
func (s *Server) PageRequests(resource string) []int {
	var pages []int
	for _, r := range s.Requests() {
		if r.Method == http.MethodGet && r.Path == "/api/v1/"+resource {
			n, _ := strconv.Atoi(r.Query.Get("page"))
			pages = append(pages, n)
		}
	}
	return pages
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		CorrelationID: r.Header.Get("X-Correlation-ID"),
	})
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+s.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	parts := strings.Split(path, "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && (parts[0] == "products" || parts[0] == "orders"):
		s.list(w, r, parts[0])
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "orders":
		s.getOrder(w, parts[1])
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "orders" && parts[2] == "acknowledge":
		s.acknowledge(w, parts[1])
	case r.Method == http.MethodPost && path == "offers/fast-update":
		s.fastUpdate(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route"})
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, resource string) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("page_size"))
	if size < 1 {
		size = 100
	}
	var since *time.Time
	if v := q.Get("updated_since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad updated_since"})
			return
		}
		since = &t
	}

	s.mu.Lock()
	if fail, ok := s.failPages[resource]; ok && fail == page {
		status := s.failStatus[resource]
		s.mu.Unlock()
		writeJSON(w, status, map[string]string{"error": "injected failure"})
		return
	}
	all := filterSince(s.items[resource], since)
	s.mu.Unlock()

	start := (page - 1) * size
	items := []json.RawMessage{}
	if start < len(all) {
		end := min(start+size, len(all))
		items = all[start:end]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"page":     page,
		"has_more": start+size < len(all),
		"total":    len(all),
	})
}

// filterSince keeps items without updated_at and items updated at or after since.
func filterSince(items []json.RawMessage, since *time.Time) []json.RawMessage {
	if since == nil {
		return append([]json.RawMessage(nil), items...)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		var probe struct {
			UpdatedAt *time.Time `json:"updated_at"`
		}
		if err := json.Unmarshal(item, &probe); err != nil || probe.UpdatedAt == nil || !probe.UpdatedAt.Before(*since) {
			out = append(out, item)
		}
	}
	return out
}

func (s *Server) getOrder(w http.ResponseWriter, id string) {
	s.mu.Lock()
	raw, ok := s.orders[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) acknowledge(w http.ResponseWriter, id string) {
	s.mu.Lock()
	_, ok := s.orders[id]
	if ok {
		s.acknowledged = append(s.acknowledged, id)
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

func (s *Server) fastUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Offers []Offer `json:"offers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	updated := []string{}
	failed := []map[string]string{}
	for _, offer := range body.Offers {
		if msg, ok := s.rejectOffers[offer.OfferID]; ok {
			failed = append(failed, map[string]string{"offer_id": offer.OfferID, "message": msg})
			continue
		}
		s.offers = append(s.offers, offer)
		updated = append(updated, offer.OfferID)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"updated": updated, "failed": failed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Payload generators
// ---------------------------------------------------------------------------

// Products returns n valid product payloads with ids prefix-1..prefix-n.
func Products(f *gofakeit.Faker, prefix string, n int) []json.RawMessage {
	items := make([]json.RawMessage, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, Product(fmt.Sprintf("%s-%d", prefix, i), fmt.Sprintf("SKU-%s-%04d", prefix, i),
			f.ProductName(), fmt.Sprintf("%.2f", f.Price(1, 500)), f.Number(0, 50), "default"))
	}
	return items
}

// Product returns one product payload.
func Product(id, sku, title, price string, stock int, warehouse string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"id":        id,
		"sku":       sku,
		"title":     title,
		"price":     price,
		"stock":     stock,
		"warehouse": warehouse,
		"status":    "active",
	})
	return data
}

// Order returns one order payload with a single line.
func Order(id, status, sku string, quantity int, total string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"id":       id,
		"status":   status,
		"total":    total,
		"currency": "EUR",
		"items": []map[string]any{
			{"sku": sku, "quantity": quantity, "price": total},
		},
	})
	return data
}
