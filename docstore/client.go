// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig holds tuning for the HTTP document store client.
type ClientConfig struct {
	ChangeLimit int           // max events per change-feed page, e.g. 500
	PollWait    time.Duration // server-side long-poll wait per request
	BackoffMin  time.Duration // 1s
	BackoffMax  time.Duration // 60s
}

// DefaultClientConfig returns the standard client tuning.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ChangeLimit: 500,
		PollWait:    25 * time.Second,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Client is the HTTP implementation of Store. The account scope is carried by
// the bearer token (sub claim); the device identity by the did claim. The
// client never sends an account id explicitly.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a JWT
	HTTP    *http.Client

	config *ClientConfig
	logger *slog.Logger
}

// NewClient creates an HTTP document store client.
func NewClient(baseURL string, token func(context.Context) (string, error), config *ClientConfig, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		config:  config,
		logger:  logger,
	}
}

// collectionResponse is the wire shape of GET /store/{collection}.
type collectionResponse struct {
	Documents []Document `json:"documents"`
}

// changesResponse is the wire shape of GET /store/{collection}/changes.
type changesResponse struct {
	Events    []ChangeEvent `json:"events"`
	NextAfter int64         `json:"next_after"`
}

// GetAll fetches every document in the collection.
func (c *Client) GetAll(ctx context.Context, collection string) ([]Document, error) {
	var resp collectionResponse
	if err := c.doJSON(ctx, http.MethodGet, c.collectionURL(collection), nil, &resp, "get_all"); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// SetDoc writes a document (full replace).
func (c *Client) SetDoc(ctx context.Context, collection string, doc Document) error {
	u := c.collectionURL(collection) + "/" + url.PathEscape(doc.DocID)
	return c.doJSON(ctx, http.MethodPut, u, &doc, nil, "set_doc")
}

// DeleteDoc removes a document; a missing document is not an error.
func (c *Client) DeleteDoc(ctx context.Context, collection string, docID string) error {
	u := c.collectionURL(collection) + "/" + url.PathEscape(docID)
	err := c.doJSON(ctx, http.MethodDelete, u, nil, nil, "delete_doc")
	var se *StoreError
	if err != nil && errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Changes fetches one page of the collection change feed after the watermark.
func (c *Client) Changes(ctx context.Context, collection string, after int64, limit int, wait time.Duration) ([]ChangeEvent, int64, error) {
	u := fmt.Sprintf("%s/changes?after=%d&limit=%d&wait_ms=%d",
		c.collectionURL(collection), after, limit, wait.Milliseconds())
	var resp changesResponse
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp, "changes"); err != nil {
		return nil, 0, err
	}
	return resp.Events, resp.NextAfter, nil
}

func (c *Client) collectionURL(collection string) string {
	return c.BaseURL + "/store/" + url.PathEscape(collection)
}

// doJSON performs one authenticated JSON round trip.
func (c *Client) doJSON(ctx context.Context, method, u string, in, out any, op string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token for %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StoreError{Status: resp.StatusCode, Op: op, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}
