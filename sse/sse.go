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

// Package sse implements the broker account-events stream: a reconnecting
// Server-Sent-Events reader with Last-Event-ID resumption, generalizing the
// teacher's own SeeClient to the broker event contract (block parsing with
// id/data fields, comment lines, consecutive-failure-counter backoff that
// resets whenever any event is dispatched in a session).
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	log "go.uber.org/zap"

	"github.com/ivcap-works/brokerclient-go/apierror"
)

// Event is one parsed broker event block.
type Event struct {
	ID   string
	Data json.RawMessage
}

// Backoff controls the reconnect delay applied after a session that
// dispatched no events, matching the stream package's reconnect formula.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration
}

// DefaultBackoff mirrors the reference stream's defaults.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: time.Second}
}

func (b Backoff) delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	factor := math.Pow(b.Multiplier, float64(attempt-1))
	base := time.Duration(float64(b.Initial) * factor)
	if base <= 0 {
		base = b.Initial
	}
	if base > b.Max {
		base = b.Max
	}
	if b.Jitter > 0 {
		base += time.Duration(rng.Int63n(int64(b.Jitter) + 1))
	}
	if base <= 0 {
		base = b.Initial
	}
	return base
}

// Client streams broker account events from a single resource URL.
type Client struct {
	url         string
	httpClient  *http.Client
	header      http.Header
	backoff     Backoff
	logger      *log.Logger
	lastEventID string

	onEvent func(Event)
	onError func(error)
}

// Option configures a Client at construction.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.httpClient = c } }
func WithHeader(h http.Header) Option      { return func(cl *Client) { cl.header = h } }
func WithBackoff(b Backoff) Option         { return func(cl *Client) { cl.backoff = b } }
func WithLogger(l *log.Logger) Option      { return func(cl *Client) { cl.logger = l } }
func WithLastEventID(id string) Option     { return func(cl *Client) { cl.lastEventID = id } }

// New builds a Client for url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{},
		header:     make(http.Header),
		backoff:    DefaultBackoff(),
		logger:     log.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent sets the per-event callback.
func (c *Client) OnEvent(h func(Event)) { c.onEvent = h }

// OnError sets the error callback, invoked for connection and parse failures.
func (c *Client) OnError(h func(error)) { c.onError = h }

// LastEventID returns the most recently observed event id, for persisting
// across process restarts.
func (c *Client) LastEventID() string { return c.lastEventID }

// Run connects and reads events until ctx is cancelled, reconnecting with
// backoff between sessions. The consecutive-failure counter resets to zero
// whenever a session dispatches at least one event, mirroring the
// reference client's discipline.
func (c *Client) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dispatched, err := c.runSession(ctx)
		if err != nil {
			c.emitError(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if dispatched {
			consecutiveFailures = 0
		} else {
			consecutiveFailures++
		}

		delay := time.Duration(0)
		if consecutiveFailures > 0 {
			delay = c.backoff.delay(consecutiveFailures, rng)
		}
		if delay > 0 {
			c.logger.Debug("sse reconnecting", log.Int("attempt", consecutiveFailures), log.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (c *Client) emitError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// runSession performs one connect-and-read cycle, returning whether any
// event was dispatched during it.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("sse: building request: %w", err)
	}
	if c.header != nil {
		req.Header = c.header.Clone()
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "brokerclient-go/1.0")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse: connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return false, apierror.Classify(resp.StatusCode, fmt.Sprintf("sse: unexpected status %d", resp.StatusCode), string(body), resp.Header, "")
	}

	return c.readSession(resp.Body)
}

// readSession consumes raw bytes, splitting on blank-line event
// delimiters ("\n\n" or "\r\n\r\n") and dispatching each block.
func (c *Client) readSession(body io.Reader) (bool, error) {
	reader := bufio.NewReader(body)
	var buffer strings.Builder
	dispatched := false

	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])
			if c.drainEvents(&buffer) {
				dispatched = true
			}
		}
		if err != nil {
			if err == io.EOF {
				return dispatched, nil
			}
			return dispatched, fmt.Errorf("sse: reading stream: %w", err)
		}
	}
}

func (c *Client) drainEvents(buffer *strings.Builder) bool {
	dispatched := false
	data := buffer.String()
	for {
		pos, length := findEventDelimiter(data)
		if pos < 0 {
			break
		}
		block := data[:pos]
		data = data[pos+length:]
		if block != "" {
			if c.processEventBlock(block) {
				dispatched = true
			}
		}
	}
	buffer.Reset()
	buffer.WriteString(data)
	return dispatched
}

// findEventDelimiter returns the earliest of "\n\n" or "\r\n\r\n" in data,
// and its length (2 or 4), or (-1, 0) if neither is present.
func findEventDelimiter(data string) (int, int) {
	posLF := strings.Index(data, "\n\n")
	posCRLF := strings.Index(data, "\r\n\r\n")
	switch {
	case posLF < 0 && posCRLF < 0:
		return -1, 0
	case posLF < 0:
		return posCRLF, 4
	case posCRLF < 0:
		return posLF, 2
	case posCRLF < posLF:
		return posCRLF, 4
	default:
		return posLF, 2
	}
}

// processEventBlock parses one SSE block ("id"/"data" fields, ":"-comment
// lines ignored) and dispatches its payload, returning whether anything was
// dispatched.
func (c *Client) processEventBlock(block string) bool {
	var eventID string
	var dataLines []string
	hasData := false

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			eventID = value
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		}
	}

	if eventID != "" {
		c.lastEventID = eventID
	}
	if !hasData {
		return false
	}

	return c.processEventData(strings.Join(dataLines, "\n"))
}

func (c *Client) processEventData(data string) bool {
	var probe interface{}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		c.emitError(apierror.New(apierror.KindValidation,
			fmt.Sprintf("sse: decoding event payload: %s", err), nil))
		return false
	}

	if arr, ok := probe.([]interface{}); ok {
		dispatched := false
		for _, entry := range arr {
			raw, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			c.dispatch(raw)
			dispatched = true
		}
		return dispatched
	}

	c.dispatch(json.RawMessage(data))
	return true
}

func (c *Client) dispatch(raw json.RawMessage) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(Event{ID: c.lastEventID, Data: raw})
}
