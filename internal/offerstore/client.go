// Package offerstore is a typed HTTP client for the offer store API.
package offerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tastyrock/negotiator/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Client talks to the offer store over HTTP. Every failure is reported as a
// *domain.PersistenceError.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the store at baseURL (e.g. "http://localhost:8080").
// A nil httpClient uses a client with a 10s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// MakeOffer allocates a new offer id for the pair.
func (c *Client) MakeOffer(ctx context.Context, buyerID, traderID string) (string, error) {
	var resp struct {
		OfferID string `json:"offer_id"`
	}
	body := map[string]string{"buyer_id": buyerID, "trader_id": traderID}
	if err := c.do(ctx, "make_offer", http.MethodPost, "/api/offer/make_offer", body, &resp); err != nil {
		return "", err
	}
	if resp.OfferID == "" {
		return "", &domain.PersistenceError{Op: "make_offer", Err: errors.New("empty offer_id in response")}
	}
	return resp.OfferID, nil
}

// UpdateOffer saves the full item snapshot and returns the change summary.
func (c *Client) UpdateOffer(ctx context.Context, offerID string, items []domain.Item) (domain.OfferDiff, error) {
	if items == nil {
		items = []domain.Item{}
	}
	var resp struct {
		Diff domain.OfferDiff `json:"diff"`
	}
	body := map[string]interface{}{"offer_id": offerID, "items": items}
	if err := c.do(ctx, "update_offer", http.MethodPost, "/api/offer/update_offer", body, &resp); err != nil {
		return domain.OfferDiff{}, err
	}
	return resp.Diff, nil
}

// UpdateStatus persists a status transition.
func (c *Client) UpdateStatus(ctx context.Context, offerID string, status domain.OfferStatus) error {
	body := map[string]string{"offer_id": offerID, "status": string(status)}
	return c.do(ctx, "update_status_offer", http.MethodPost, "/api/offer/update_status_offer", body, nil)
}

// GetOffer fetches a stored offer.
func (c *Client) GetOffer(ctx context.Context, offerID string) (*domain.OfferRecord, error) {
	var offer domain.OfferRecord
	if err := c.do(ctx, "get_offer", http.MethodGet, "/api/offer/"+url.PathEscape(offerID), nil, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &domain.PersistenceError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.PersistenceError{Op: op, Status: resp.StatusCode, Err: statusError(op, resp)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.PersistenceError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps an error response onto the matching domain sentinel where
// one exists. A 409 from make_offer means a concurrent allocation, not a bad
// transition.
func statusError(op string, resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, domain.ErrOfferNotFound)
	case http.StatusConflict:
		if op == "make_offer" {
			return errors.New(msg)
		}
		return fmt.Errorf("%s: %w", msg, domain.ErrInvalidStatus)
	default:
		return errors.New(msg)
	}
}
