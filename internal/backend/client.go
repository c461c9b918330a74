/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

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
	"time"

	"svirweights/internal/domain"
)

// Client talks to the sync server.
type Client struct {
	BaseURL string
	Token   string // bearer token
	client  *http.Client
}

// NewClient creates a new backend client. baseURL may include a trailing slash; it will be normalized.
func NewClient(baseURL string, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, dest any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(u.Path, "/api/definitions/") {
		return fmt.Errorf("%w: %s", ErrNotFound, u.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("server %s %s: %s: %s", method, u.Path, resp.Status, e.Error)
		}
		return fmt.Errorf("server %s %s: %s", method, u.Path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// Login obtains a bearer token for subject and stores it on the client.
func (c *Client) Login(ctx context.Context, subject string) error {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/token", map[string]any{"subject": subject}, &out); err != nil {
		return err
	}
	c.Token = out.Token
	return nil
}

// ListDefinitions returns the latest version of each shared definition.
func (c *Client) ListDefinitions(ctx context.Context, layer string) ([]Summary, error) {
	p := "/api/definitions"
	if layer != "" {
		p += "?layer=" + url.QueryEscape(layer)
	}
	var list []Summary
	if err := c.doJSON(ctx, http.MethodGet, p, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Pull fetches the latest revision of (layer, name).
func (c *Client) Pull(ctx context.Context, layer, name string) (Revision, error) {
	var rev Revision
	err := c.doJSON(ctx, http.MethodGet, "/api/definitions/"+url.PathEscape(layer)+"/"+url.PathEscape(name), nil, &rev)
	return rev, err
}

// Push uploads doc as the next version of (layer, name).
func (c *Client) Push(ctx context.Context, layer, name string, doc domain.ProjectDefinition) (int64, error) {
	var out struct {
		Version int64 `json:"version"`
	}
	err := c.doJSON(ctx, http.MethodPut, "/api/definitions/"+url.PathEscape(layer)+"/"+url.PathEscape(name), doc, &out)
	return out.Version, err
}
