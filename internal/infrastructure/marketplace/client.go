package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
)

// ErrInvalidRemoteID indicates an empty or malformed remote id
var ErrInvalidRemoteID = errors.New("marketplace: invalid remote id")

// Client calls the marketplace API of every configured seller account. All
// calls go through the shared Requester.
type Client struct {
	requester *Requester
	accounts  map[marketsync.AccountScope]AccountEndpoint
	pageSize  int
}

// NewClient creates a client for the accounts in cfg.
func NewClient(cfg ClientConfig, requester *Requester) (*Client, error) {
	if requester == nil {
		return nil, errors.New("marketplace: requester is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	accounts := make(map[marketsync.AccountScope]AccountEndpoint, len(cfg.Accounts))
	for k, v := range cfg.Accounts {
		accounts[k] = v
	}
	return &Client{requester: requester, accounts: accounts, pageSize: cfg.PageSize}, nil
}

// IsConfigured reports whether account has an endpoint.
func (c *Client) IsConfigured(account marketsync.AccountScope) bool {
	_, ok := c.accounts[account]
	return ok
}

// PageSize returns the page size used for list calls.
func (c *Client) PageSize() int {
	return c.pageSize
}

// Requester returns the underlying requester.
func (c *Client) Requester() *Requester {
	return c.requester
}

func (c *Client) endpoint(account marketsync.AccountScope) (AccountEndpoint, error) {
	ep, ok := c.accounts[account]
	if !ok {
		return AccountEndpoint{}, fmt.Errorf("%w: %s", marketsync.ErrAccountNotConfigured, account)
	}
	return ep, nil
}

func (c *Client) newRequest(ep AccountEndpoint, method, path string, query url.Values, body any) (*Request, error) {
	target := ep.BaseURL + "/api/v1" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req := &Request{
		Method: method,
		URL:    target,
		Header: http.Header{"Authorization": []string{"Bearer " + ep.Token}},
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marketplace: failed to encode request: %w", err)
		}
		req.Body = data
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// List Operations
// ---------------------------------------------------------------------------

// FetchPage retrieves page of resource for account. updatedSince, when set,
// restricts the list to items modified at or after it.
func (c *Client) FetchPage(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope, page int, updatedSince *time.Time) (*PageEnvelope, error) {
	if !resource.IsValid() {
		return nil, fmt.Errorf("%w: unknown resource %q", marketsync.ErrInvalidRunRequest, resource)
	}
	ep, err := c.endpoint(account)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(c.pageSize))
	if updatedSince != nil {
		query.Set("updated_since", updatedSince.UTC().Format(time.RFC3339))
	}

	req, err := c.newRequest(ep, http.MethodGet, "/"+resource.String(), query, nil)
	if err != nil {
		return nil, err
	}
	route := RouteFor(resource)
	resp, err := c.requester.Execute(ctx, route, req)
	if err != nil {
		return nil, err
	}

	var envelope PageEnvelope
	if err := decodeBody(route, resp, &envelope); err != nil {
		return nil, err
	}
	if envelope.Page == 0 {
		envelope.Page = page
	}
	return &envelope, nil
}

// ---------------------------------------------------------------------------
// Order Operations
// ---------------------------------------------------------------------------

// GetOrder retrieves and decodes one order.
func (c *Client) GetOrder(ctx context.Context, account marketsync.AccountScope, remoteID string) (*marketsync.OrderRecord, error) {
	if remoteID == "" {
		return nil, ErrInvalidRemoteID
	}
	ep, err := c.endpoint(account)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ep, http.MethodGet, "/orders/"+url.PathEscape(remoteID), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.requester.Execute(ctx, RouteOrders, req)
	if err != nil {
		return nil, err
	}

	rec, err := marketsync.DecodeRecord(marketsync.ResourceOrders, resp.Body)
	if err != nil {
		return nil, &RequestError{
			Kind:       KindValidation,
			Route:      RouteOrders,
			StatusCode: resp.StatusCode,
			Attempts:   resp.Attempts,
			Err:        err,
		}
	}
	return rec.(*marketsync.OrderRecord), nil
}

// AcknowledgeOrder confirms an order on the marketplace.
func (c *Client) AcknowledgeOrder(ctx context.Context, account marketsync.AccountScope, remoteID string) (*AcknowledgeResult, error) {
	if remoteID == "" {
		return nil, ErrInvalidRemoteID
	}
	ep, err := c.endpoint(account)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ep, http.MethodPost, "/orders/"+url.PathEscape(remoteID)+"/acknowledge", nil, struct{}{})
	if err != nil {
		return nil, err
	}
	resp, err := c.requester.Execute(ctx, RouteOrders, req)
	if err != nil {
		return nil, err
	}

	result := &AcknowledgeResult{ID: remoteID}
	if len(resp.Body) == 0 {
		return result, nil
	}
	if err := decodeBody(RouteOrders, resp, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Offer Operations
// ---------------------------------------------------------------------------

// FastUpdate changes price and/or stock of one offer. A per-offer rejection
// returns a validation error.
func (c *Client) FastUpdate(ctx context.Context, account marketsync.AccountScope, update FastUpdateRequest) (*FastUpdateResult, error) {
	if update.OfferID == "" {
		return nil, ErrInvalidRemoteID
	}
	if update.Price == nil && update.Stock == nil {
		return nil, marketsync.ErrEmptyQuickUpdate
	}
	ep, err := c.endpoint(account)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ep, http.MethodPost, "/offers/fast-update", nil, fastUpdateBody{Offers: []FastUpdateRequest{update}})
	if err != nil {
		return nil, err
	}
	resp, err := c.requester.Execute(ctx, RouteOther, req)
	if err != nil {
		return nil, err
	}

	result := &FastUpdateResult{}
	if len(resp.Body) > 0 {
		if err := decodeBody(RouteOther, resp, result); err != nil {
			return nil, err
		}
	}
	for _, failed := range result.Failed {
		if failed.OfferID == update.OfferID {
			return result, &RequestError{
				Kind:       KindValidation,
				Route:      RouteOther,
				StatusCode: resp.StatusCode,
				Attempts:   resp.Attempts,
				Err:        fmt.Errorf("offer %s rejected: %s", failed.OfferID, failed.Message),
			}
		}
	}
	return result, nil
}

// decodeBody decodes a JSON response. Undecodable bodies are validation failures.
func decodeBody(route RouteClass, resp *Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &RequestError{
			Kind:       KindValidation,
			Route:      route,
			StatusCode: resp.StatusCode,
			Attempts:   resp.Attempts,
			Err:        fmt.Errorf("failed to parse response: %w", err),
		}
	}
	return nil
}
