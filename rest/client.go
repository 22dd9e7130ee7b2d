// Copyright 2025 Commonwealth Scientific and Industrial Research Organisation (CSIRO) ABN 41 687 119 230
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rest implements the brokerage REST client: URL and query
// composition, three-tier auth header selection, and JSON request/response
// handling with classified errors on responses with status >= 400. It generalizes the
// teacher's restAdapter.Connect to the brokerage API's auth and payload
// conventions.
package rest

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

	"github.com/cenkalti/backoff/v4"
	log "go.uber.org/zap"

	"github.com/ivcap-works/brokerclient-go/apierror"
)

const (
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	defaultMaxElapsedTime = 30 * time.Second
	userAgent             = "brokerclient-go/1.0"
)

// Credentials selects how the client authenticates outgoing requests.
// Precedence, matching the reference implementation: an API key/secret
// pair takes priority; otherwise a caller-supplied Authorization header is
// left untouched; otherwise a bearer token is applied.
type Credentials struct {
	KeyID     string
	SecretKey string
	Bearer    string
}

// Client is a minimal JSON REST client bound to a single base URL.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	credentials    Credentials
	defaultHeaders map[string]string
	logger         *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithCredentials sets the auth credentials used on every request.
func WithCredentials(creds Credentials) Option {
	return func(cl *Client) { cl.credentials = creds }
}

// WithDefaultHeaders sets headers applied to every outgoing request before
// the credential precedence rules run, so a caller-supplied Authorization
// header passes through unchanged when no key/secret pair or bearer token
// is configured.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(cl *Client) { cl.defaultHeaders = headers }
}

// WithLogger injects a *zap.Logger; defaults to a no-op logger.
func WithLogger(logger *log.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// New builds a Client rooted at baseURL. Construction fails if baseURL is
// empty, or if the client ends up with no way to authenticate: no
// key/secret pair, no bearer token, and no default Authorization header.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, apierror.New(apierror.KindInvalidArgument, "rest: baseURL must not be empty", nil)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     log.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.hasAuth() {
		return nil, apierror.New(apierror.KindRestClientConfigurationMissing,
			"rest: client requires a key/secret pair, a bearer token, or a default Authorization header",
			map[string]string{"base_url": c.baseURL})
	}
	return c, nil
}

func (c *Client) hasAuth() bool {
	if c.credentials.KeyID != "" && c.credentials.SecretKey != "" {
		return true
	}
	if c.credentials.Bearer != "" {
		return true
	}
	for k := range c.defaultHeaders {
		if strings.EqualFold(k, "Authorization") {
			return true
		}
	}
	return false
}

// buildURL joins base and path, percent-encoding and appending params as a
// query string using only RFC-3986 unreserved characters.
func buildURL(base, path string, params url.Values) (string, error) {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path
	query := encodeQuery(params)
	if query != "" {
		u += "?" + query
	}
	return u, nil
}

func encodeQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	var b strings.Builder
	first := true
	for key, values := range params {
		for _, v := range values {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(percentEncode(key))
			b.WriteByte('=')
			b.WriteString(percentEncode(v))
		}
	}
	return b.String()
}

func percentEncode(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}

// Do issues method/path with the given query params and JSON payload
// (nil for none), decoding a successful response body into out (nil to
// discard it), and returns a classified *apierror.Error for any status
// code ≥ 400.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, payload, out interface{}) error {
	u, err := buildURL(c.baseURL, path, params)
	if err != nil {
		return err
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("rest: encoding request body: %w", err)
		}
	}

	logger := c.logger.With(log.String("method", method), log.String("url", u))

	resp, respBody, err := c.doWithRetry(ctx, method, u, bodyBytes, logger)
	if err != nil {
		return fmt.Errorf("rest: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyBody(resp, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("rest: decoding response body: %w", err)
	}
	return nil
}

func classifyBody(resp *http.Response, body []byte) error {
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	code := ""
	if len(body) > 0 {
		var parsed struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil {
			if parsed.Message != "" {
				message = parsed.Message
			}
			code = parsed.Code
		}
	}
	return apierror.Classify(resp.StatusCode, message, string(body), resp.Header, code)
}

func (c *Client) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("rest: building request: %w", err)
	}

	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}

	if c.credentials.KeyID != "" && c.credentials.SecretKey != "" {
		req.Header.Set("APCA-API-KEY-ID", c.credentials.KeyID)
		req.Header.Set("APCA-API-SECRET-KEY", c.credentials.SecretKey)
	} else if req.Header.Get("Authorization") == "" && c.credentials.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.credentials.Bearer)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, u string, body []byte, logger *log.Logger) (*http.Response, []byte, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = defaultInitialInterval
	expBackoff.MaxInterval = defaultMaxInterval
	expBackoff.MaxElapsedTime = defaultMaxElapsedTime

	var finalResp *http.Response
	var finalBody []byte

	op := func() error {
		finalResp, finalBody = nil, nil
		req, err := c.newRequest(ctx, method, u, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("rest: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("rest: reading response body: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(respBody))

		finalResp = resp
		finalBody = respBody
		if resp.StatusCode >= 400 && isRetryableStatusCode(resp.StatusCode) {
			logger.Debug("retryable response", log.Int("status", resp.StatusCode))
			return fmt.Errorf("rest: retryable status %d", resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(expBackoff, ctx)); err != nil {
		if finalResp != nil {
			// retries exhausted on a retryable status: hand the last
			// response back so Do classifies it
			return finalResp, finalBody, nil
		}
		return nil, nil, err
	}
	return finalResp, finalBody, nil
}

func isRetryableStatusCode(statusCode int) bool {
	return statusCode >= 500 ||
		statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooEarly ||
		statusCode == http.StatusConflict ||
		statusCode == http.StatusGone
}
