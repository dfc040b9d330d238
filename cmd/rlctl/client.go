package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/genxfx/genx-gateway/internal/opshttp"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
)

// adminClient talks to the rate limit endpoints of the gateway admin listener.
type adminClient struct {
	base *url.URL
	hc   *http.Client
}

func newAdminClient(addr string, hc *http.Client) (*adminClient, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid admin address %q", addr)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &adminClient{base: u, hc: hc}, nil
}

// statusError is a non 2xx answer from the admin API.
type statusError struct {
	Code int
	Msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("admin api: %d %s: %s", e.Code, http.StatusText(e.Code), e.Msg)
}

func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e opshttp.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return &statusError{Code: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *adminClient) Limits(ctx context.Context) (opshttp.LimitsResponse, error) {
	var out opshttp.LimitsResponse
	err := c.do(ctx, http.MethodGet, "/ratelimit/limits", nil, &out)
	return out, err
}

func (c *adminClient) Clients(ctx context.Context, limit int) (opshttp.ClientsResponse, error) {
	q := url.Values{}
	if limit != 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out opshttp.ClientsResponse
	err := c.do(ctx, http.MethodGet, "/ratelimit/clients", q, &out)
	return out, err
}

func (c *adminClient) Client(ctx context.Context, key string) (ratelimit.Usage, error) {
	var out ratelimit.Usage
	err := c.do(ctx, http.MethodGet, "/ratelimit/clients/"+url.PathEscape(key), nil, &out)
	return out, err
}

func (c *adminClient) Reset(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/ratelimit/clients/"+url.PathEscape(key), nil, nil)
}
