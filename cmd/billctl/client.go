package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// client talks JSON to a billscope server.
type client struct {
	baseURL string
	http    *http.Client
	out     io.Writer
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		out:     os.Stdout,
	}
}

// do sends body as JSON and returns the raw response. Non-2xx responses are errors.
func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	return data, nil
}

// print performs the request and writes the response as indented JSON.
func (c *client) print(ctx context.Context, method, path string, body any) error {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(c.out)
	return err
}

type seedStats struct {
	Catalog int
	Users   int
	Bills   int
	Usage   int
}

// seed loads the catalog first so configurations and bills can reference it.
func (c *client) seed(ctx context.Context, s *seedFile) (seedStats, error) {
	var stats seedStats

	for _, entry := range s.Catalog {
		path := fmt.Sprintf("/catalog/%s/%s", strings.ToLower(string(entry.Kind)), entry.ID())
		if _, err := c.do(ctx, http.MethodPut, path, entryPayload(entry)); err != nil {
			return stats, err
		}
		stats.Catalog++
	}

	for _, cfg := range s.Users {
		if _, err := c.do(ctx, http.MethodPut, "/users/"+cfg.UserID+"/configuration", cfg); err != nil {
			return stats, err
		}
		stats.Users++
	}

	records, err := s.usageRecords()
	if err != nil {
		return stats, err
	}
	if len(records) > 0 {
		if _, err := c.do(ctx, http.MethodPost, "/usage", records); err != nil {
			return stats, err
		}
		stats.Usage = len(records)
	}

	// Bills last: each one triggers detection when the async worker runs.
	for _, bill := range s.Bills {
		if _, err := c.do(ctx, http.MethodPost, "/bills", bill); err != nil {
			return stats, err
		}
		stats.Bills++
	}
	return stats, nil
}
