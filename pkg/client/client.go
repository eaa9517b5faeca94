// Package client is a Go client for the govledger operator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/export"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
)

var (
	// ErrNotFound is returned for a 404 response.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable is returned for a 503 response, typically while halted.
	ErrUnavailable = errors.New("service unavailable")
	// ErrNotSealed is returned by Proof for an event not yet in an epoch.
	ErrNotSealed = errors.New("event not yet sealed")
)

// maxBody bounds non-export response bodies.
const maxBody = 8 << 20

// Overview is the response of GET /ledger.
type Overview struct {
	Length    int64  `json:"length"`
	HeadHash  string `json:"head_hash"`
	Algorithm string `json:"algorithm"`
}

// VerifyResult is the response of GET /ledger/verify.
type VerifyResult struct {
	Valid  bool           `json:"valid"`
	Issues []ledger.Issue `json:"issues"`
}

// Client talks to a ledgerd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the ledgerd instance at base, e.g.
// "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Overview returns the ledger length and head hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, "/ledger", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns envelopes start..end inclusive. end <= 0 reads to the tail,
// bounded by the server's page size.
func (c *Client) Events(ctx context.Context, start, end int64) ([]*ledger.Envelope, error) {
	q := url.Values{"start": {strconv.FormatInt(start, 10)}}
	if end > 0 {
		q.Set("end", strconv.FormatInt(end, 10))
	}
	var out struct {
		Events []*ledger.Envelope `json:"events"`
	}
	if err := c.getJSON(ctx, "/ledger/events?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Event returns the envelope at seq.
func (c *Client) Event(ctx context.Context, seq int64) (*ledger.Envelope, error) {
	var out ledger.Envelope
	if err := c.getJSON(ctx, "/ledger/events/"+strconv.FormatInt(seq, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEvent appends an operator event. Requires an operator token.
func (c *Client) AppendEvent(ctx context.Context, eventType string, payload any, correlationID uuid.UUID) (*ledger.Envelope, error) {
	body := map[string]any{"event_type": eventType, "payload": payload}
	if correlationID != uuid.Nil {
		body["correlation_id"] = correlationID.String()
	}
	var out ledger.Envelope
	if err := c.postJSON(ctx, "/ledger/events", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyLedger asks the server to verify its stored chain.
func (c *Client) VerifyLedger(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.getJSON(ctx, "/ledger/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Epochs lists sealed epochs.
func (c *Client) Epochs(ctx context.Context) ([]*epoch.Epoch, error) {
	var out struct {
		Epochs []*epoch.Epoch `json:"epochs"`
	}
	if err := c.getJSON(ctx, "/epochs", &out); err != nil {
		return nil, err
	}
	return out.Epochs, nil
}

// Epoch returns one sealed epoch.
func (c *Client) Epoch(ctx context.Context, id int64) (*epoch.Epoch, error) {
	var out epoch.Epoch
	if err := c.getJSON(ctx, "/epochs/"+strconv.FormatInt(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Proof fetches the inclusion proof of an event. It returns ErrNotSealed
// when the event exists but no epoch covers it yet.
func (c *Client) Proof(ctx context.Context, eventID uuid.UUID) (*merkle.Proof, error) {
	var out merkle.Proof
	err := c.getJSON(ctx, "/proofs/"+eventID.String(), &out)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", ErrNotSealed, eventID)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyProof asks the server to check p. Offline callers should prefer
// merkle.VerifyProof, which gives the same answer without a round trip.
func (c *Client) VerifyProof(ctx context.Context, p merkle.Proof) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.postJSON(ctx, "/proofs/verify", p, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// Export downloads a full export bundle.
func (c *Client) Export(ctx context.Context) (*export.Bundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/export", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	return export.Load(resp.Body)
}

// HaltStatus returns the current halt status.
func (c *Client) HaltStatus(ctx context.Context) (*halt.Status, error) {
	var out halt.Status
	if err := c.getJSON(ctx, "/halt", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerHalt halts the system. Requires an operator token. An empty reason
// means operator_triggered.
func (c *Client) TriggerHalt(ctx context.Context, reason halt.Reason, message string) (*halt.Status, error) {
	body := map[string]string{"message": message}
	if reason != "" {
		body["reason"] = string(reason)
	}
	var out halt.Status
	if err := c.postJSON(ctx, "/halt", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusError is an unexpected HTTP status. It wraps ErrNotFound,
// ErrUnauthorized or ErrUnavailable where one applies.
type StatusError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server returned %d: %s", e.Path, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(req, resp); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(body))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Path: req.URL.Path, Message: msg}
}
