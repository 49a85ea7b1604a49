// Package backend talks to the hosted workspace backend: its REST data
// API and its token endpoint. The realtime socket is handled separately
// by the realtime package.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Client is a REST client for the backend's table API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// New builds a client for the backend at baseURL. apiKey is the project
// key sent with every request; the per-user access token is set after
// sign-in via SetToken.
func New(baseURL, apiKey string, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logger.With().Str("component", "backend").Logger(),
	}
}

// SetToken stores the user access token used for Authorization headers.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current access token, empty before sign-in.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Filter constrains a select, update or delete to matching rows. Value is
// the operator-prefixed expression of the REST dialect, e.g. "eq.todo".
type Filter struct {
	Column string
	Value  string
}

// Eq matches rows where column equals value.
func Eq(column, value string) Filter {
	return Filter{Column: column, Value: "eq." + value}
}

// Or matches rows satisfying any of the given filters.
func Or(filters ...Filter) Filter {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.Column + "." + f.Value
	}
	return Filter{Column: "or", Value: "(" + strings.Join(parts, ",") + ")"}
}

// Insert adds a row to table and decodes the returned representation
// into out when out is non-nil.
func (c *Client) Insert(ctx context.Context, table string, row, out any) error {
	return c.write(ctx, http.MethodPost, table, nil, row, out)
}

// Update patches every row matching the filters and decodes the returned
// representation into out when out is non-nil.
func (c *Client) Update(ctx context.Context, table string, patch any, out any, filters ...Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("update %s: refusing unfiltered update", table)
	}
	return c.write(ctx, http.MethodPatch, table, filters, patch, out)
}

// Delete removes every row matching the filters.
func (c *Client) Delete(ctx context.Context, table string, filters ...Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("delete %s: refusing unfiltered delete", table)
	}
	return c.write(ctx, http.MethodDelete, table, filters, nil, nil)
}

// Select fetches the rows matching the filters into out, which must be a
// pointer to a slice.
func (c *Client) Select(ctx context.Context, table string, out any, filters ...Filter) error {
	req, err := c.newRequest(ctx, http.MethodGet, table, filters, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) write(ctx context.Context, method, table string, filters []Filter, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s row: %w", table, err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, table, filters, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out != nil {
		req.Header.Set("Prefer", "return=representation")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, table string, filters []Filter, body io.Reader) (*http.Request, error) {
	q := url.Values{}
	for _, f := range filters {
		q.Set(f.Column, f.Value)
	}
	u := c.baseURL + "/rest/v1/" + table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, table, err)
	}
	req.Header.Set("apikey", c.apiKey)
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
