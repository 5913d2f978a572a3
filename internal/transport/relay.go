package transport

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
)

// ErrUnauthorized is returned when the relay rejects the bearer token.
var ErrUnauthorized = errors.New("relay unauthorized")

// DefaultTimeout bounds a single relay HTTP call when the config does not
// override it.
const DefaultTimeout = 15 * time.Second

// Relay talks JSON over HTTP to a store-and-forward relay:
//
//	POST /v1/messages              deposit a message for a peer
//	GET  /v1/inbox/{id}            fetch queued messages for this identity
//	POST /v1/inbox/{id}/ack        acknowledge delivered message ids
type Relay struct {
	httpClient *http.Client
	baseURL    string
	token      string
	selfID     string
}

var _ Adapter = (*Relay)(nil)

// NewRelay creates a relay adapter for the given identity. A nil httpClient
// gets a default client with DefaultTimeout.
func NewRelay(httpClient *http.Client, baseURL, token, selfID string) *Relay {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Relay{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		selfID:     selfID,
	}
}

// Send deposits a message in the recipient's relay inbox.
func (r *Relay) Send(ctx context.Context, msg RawMessage) error {
	if err := r.do(ctx, http.MethodPost, "/v1/messages", msg, nil); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

type inboxResponse struct {
	Messages []RawMessage `json:"messages"`
}

// Poll fetches all messages queued for this identity.
func (r *Relay) Poll(ctx context.Context) ([]RawMessage, error) {
	var out inboxResponse
	if err := r.do(ctx, http.MethodGet, "/v1/inbox/"+url.PathEscape(r.selfID), nil, &out); err != nil {
		return nil, fmt.Errorf("relay poll: %w", err)
	}
	return out.Messages, nil
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

// AckDelivered acknowledges delivered message ids.
func (r *Relay) AckDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := "/v1/inbox/" + url.PathEscape(r.selfID) + "/ack"
	if err := r.do(ctx, http.MethodPost, path, ackRequest{IDs: ids}, nil); err != nil {
		return fmt.Errorf("relay ack: %w", err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *Relay) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		token := r.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("relay %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("relay status %d", resp.StatusCode)
	}
}
