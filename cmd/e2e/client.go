package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// platformClient is the HTTP client the scenarios share. It talks to
// the control-plane API and directly to platform services.
type platformClient struct {
	apiBase string
	http    *http.Client
}

func newPlatformClient(apiBase string) *platformClient {
	return &platformClient{
		apiBase: apiBase,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// getJSON fetches a control-plane API path into out.
func (c *platformClient) getJSON(ctx context.Context, path string, out any) error {
	return c.requestJSON(ctx, http.MethodGet, c.apiBase+path, nil, out)
}

// postJSON posts to a control-plane API path.
func (c *platformClient) postJSON(ctx context.Context, path string, body, out any) error {
	return c.requestJSON(ctx, http.MethodPost, c.apiBase+path, body, out)
}

func (c *platformClient) requestJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// expectOK asserts a URL answers 200.
func (c *platformClient) expectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: want 200, got %s", url, resp.Status)
	}
	return nil
}

// introspect posts a minimal introspection query and checks the schema
// comes back.
func (c *platformClient) introspect(ctx context.Context, graphqlURL string) error {
	query := map[string]string{"query": `{ __schema { queryType { name } } }`}
	var out struct {
		Data struct {
			Schema struct {
				QueryType struct {
					Name string `json:"name"`
				} `json:"queryType"`
			} `json:"__schema"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := c.requestJSON(ctx, http.MethodPost, graphqlURL, query, &out); err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("POST %s: graphql error: %s", graphqlURL, out.Errors[0].Message)
	}
	if out.Data.Schema.QueryType.Name == "" {
		return fmt.Errorf("POST %s: empty introspection result", graphqlURL)
	}
	return nil
}
