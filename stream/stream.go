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

// Package stream implements the WebSocket streaming engine shared by the
// market-data, crypto, options, and trading-update feeds: a reconnecting
// client with a small state machine, feed-specific auth frames,
// subscription-diff replay on reconnect, and typed message demultiplexing.
// It generalizes the reference WebSocketClient's callback-driven state
// machine to Go, using gorilla/websocket for the wire transport.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	log "go.uber.org/zap"

	"github.com/ivcap-works/brokerclient-go/apierror"
)

// Feed selects the auth frame shape and default URL family for a stream.
type Feed int

const (
	FeedMarketData Feed = iota
	FeedCrypto
	FeedOptions
	FeedTrading
)

// State is the client's connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReplaying
	StateOpen
	StateBackoff
	StateClosing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReplaying:
		return "replaying"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// MessageCategory discriminates the demultiplexed frame shape delivered to
// the message handler.
type MessageCategory int

const (
	CategoryTrade MessageCategory = iota
	CategoryQuote
	CategoryBar
	CategoryUpdatedBar
	CategoryUnderlying
	CategoryStatus
	CategoryTradeCancel
	CategoryTradeCorrection
	CategoryImbalance
	CategoryError
	CategoryControl
	CategoryOrderUpdate
	CategoryAccountUpdate
	CategoryUnknown
)

// Subscription is a set of symbols per channel kind.
type Subscription struct {
	Trades   []string
	Quotes   []string
	Bars     []string
	Statuses []string
}

func (s Subscription) empty() bool {
	return len(s.Trades) == 0 && len(s.Quotes) == 0 && len(s.Bars) == 0 && len(s.Statuses) == 0
}

// ReconnectPolicy controls the exponential backoff with jitter applied
// between reconnect attempts: delay = clamp(initial*multiplier^(n-1), max) + Uniform[0,jitter].
type ReconnectPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration
}

// DefaultReconnectPolicy mirrors the reference client's defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     time.Second,
	}
}

func (p ReconnectPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	factor := math.Pow(p.Multiplier, float64(attempt-1))
	base := time.Duration(float64(p.Initial) * factor)
	if base <= 0 {
		base = p.Initial
	}
	if base > p.Max {
		base = p.Max
	}
	if p.Jitter > 0 {
		base += time.Duration(rng.Int63n(int64(p.Jitter) + 1))
	}
	if base <= 0 {
		base = p.Initial
	}
	return base
}

// MessageHandler receives a demultiplexed frame and its category.
type MessageHandler func(payload json.RawMessage, category MessageCategory)

// Client is a reconnecting WebSocket streaming client for one feed.
type Client struct {
	url    string
	key    string
	secret string
	feed   Feed

	dialer *websocket.Dialer
	logger *log.Logger

	policy         ReconnectPolicy
	pingInterval   time.Duration
	sendQueueLimit int

	onMessage MessageHandler
	onOpen    func()
	onClose   func()
	onError   func(error)

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	shouldReconnect  bool
	manualDisconnect bool
	reconnectAttempt int
	pending          []json.RawMessage
	subTrades        map[string]struct{}
	subQuotes        map[string]struct{}
	subBars          map[string]struct{}
	subStatuses      map[string]struct{}
	listened         map[string]struct{}

	rng        *rand.Rand
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Client at construction.
type Option func(*Client)

func WithLogger(logger *log.Logger) Option { return func(c *Client) { c.logger = logger } }

func WithReconnectPolicy(p ReconnectPolicy) Option { return func(c *Client) { c.policy = p } }

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithSendQueueLimit overrides the number of outgoing messages buffered
// while disconnected; sendRaw fails once the queue is at this size. A
// limit of 0 disables bounding.
func WithSendQueueLimit(n int) Option {
	return func(c *Client) { c.sendQueueLimit = n }
}

// defaultSendQueueLimit bounds the outgoing message queue buffered while
// disconnected, so a stuck reconnect can't grow it without bound.
const defaultSendQueueLimit = 1024

// New builds a Client for the given feed endpoint and credentials.
func New(url, key, secret string, feed Feed, opts ...Option) *Client {
	c := &Client{
		url:            url,
		key:            key,
		secret:         secret,
		feed:           feed,
		dialer:         websocket.DefaultDialer,
		logger:         log.NewNop(),
		policy:         DefaultReconnectPolicy(),
		pingInterval:   15 * time.Second,
		sendQueueLimit: defaultSendQueueLimit,
		state:          StateIdle,
		subTrades:      map[string]struct{}{},
		subQuotes:      map[string]struct{}{},
		subBars:        map[string]struct{}{},
		subStatuses:    map[string]struct{}{},
		listened:       map[string]struct{}{},
		rng:            rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage sets the demultiplexed frame handler.
func (c *Client) OnMessage(h MessageHandler) { c.onMessage = h }

// OnOpen sets the connection-opened callback.
func (c *Client) OnOpen(h func()) { c.onOpen = h }

// OnClose sets the connection-closed callback.
func (c *Client) OnClose(h func()) { c.onClose = h }

// OnError sets the error callback.
func (c *Client) OnError(h func(error)) { c.onError = h }

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the client, dialing immediately and reconnecting per the
// configured ReconnectPolicy until Disconnect is called.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.shouldReconnect = true
	c.manualDisconnect = false
	c.reconnectAttempt = 0
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Disconnect stops the client and releases its connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.manualDisconnect = true
	c.state = StateClosing
	conn := c.conn
	c.pending = nil
	c.mu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		if !c.shouldReconnect || c.manualDisconnect {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		attempt := c.reconnectAttempt
		c.mu.Unlock()

		err := c.connectOnce(ctx)

		c.mu.Lock()
		shouldRetry := c.shouldReconnect && !c.manualDisconnect
		c.mu.Unlock()
		if !shouldRetry {
			return
		}
		if err != nil && c.onError != nil {
			c.onError(err)
		}

		c.mu.Lock()
		c.reconnectAttempt++
		attempt = c.reconnectAttempt
		c.state = StateBackoff
		c.mu.Unlock()

		delay := c.policy.delay(attempt, c.rng)
		c.logger.Debug("reconnecting", log.Int("attempt", attempt), log.String("delay", humanize.RelTime(time.Now(), time.Now().Add(delay), "", "")))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return fmt.Errorf("stream: dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateAuthenticating
	c.reconnectAttempt = 0
	c.mu.Unlock()

	if err := c.authenticate(); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.state = StateReplaying
	c.mu.Unlock()
	c.replaySubscriptions()
	c.flushPending()

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	if c.onOpen != nil {
		c.onOpen()
	}

	stopPing := make(chan struct{})
	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go c.pingLoop(conn, stopPing, &pingWG)

	readErr := c.readLoop(conn)

	close(stopPing)
	pingWG.Wait()

	c.mu.Lock()
	c.conn = nil
	c.state = StateIdle
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose()
	}
	return readErr
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatchRaw(data)
	}
}

func (c *Client) dispatchRaw(data []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		for _, entry := range arr {
			c.handlePayload(entry)
		}
		return
	}
	c.handlePayload(json.RawMessage(data))
}

func (c *Client) authenticate() error {
	var msg map[string]interface{}
	switch c.feed {
	case FeedTrading:
		msg = map[string]interface{}{
			"action": "authenticate",
			"data": map[string]interface{}{
				"key_id":     c.key,
				"secret_key": c.secret,
			},
		}
	default:
		msg = map[string]interface{}{
			"action": "auth",
			"key":    c.key,
			"secret": c.secret,
		}
	}
	return c.sendRaw(msg)
}

// Subscribe adds symbols to the given channels, sending only the diff
// against the already-subscribed set.
func (c *Client) Subscribe(sub Subscription) error {
	diff := c.applySubscriptionDiff(sub, true)
	if diff.empty() {
		return nil
	}
	return c.sendChannelMessage("subscribe", diff)
}

// Unsubscribe removes symbols from the given channels, sending only the diff.
func (c *Client) Unsubscribe(sub Subscription) error {
	diff := c.applySubscriptionDiff(sub, false)
	if diff.empty() {
		return nil
	}
	return c.sendChannelMessage("unsubscribe", diff)
}

func (c *Client) applySubscriptionDiff(sub Subscription, add bool) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var diff Subscription
	diff.Trades = diffSet(c.subTrades, sub.Trades, add)
	diff.Quotes = diffSet(c.subQuotes, sub.Quotes, add)
	diff.Bars = diffSet(c.subBars, sub.Bars, add)
	diff.Statuses = diffSet(c.subStatuses, sub.Statuses, add)
	return diff
}

func diffSet(set map[string]struct{}, symbols []string, add bool) []string {
	var changed []string
	for _, s := range symbols {
		if add {
			if _, exists := set[s]; !exists {
				set[s] = struct{}{}
				changed = append(changed, s)
			}
		} else {
			if _, exists := set[s]; exists {
				delete(set, s)
				changed = append(changed, s)
			}
		}
	}
	return changed
}

func (c *Client) sendChannelMessage(action string, sub Subscription) error {
	msg := map[string]interface{}{"action": action}
	if len(sub.Trades) > 0 {
		msg["trades"] = sub.Trades
	}
	if len(sub.Quotes) > 0 {
		msg["quotes"] = sub.Quotes
	}
	if len(sub.Bars) > 0 {
		msg["bars"] = sub.Bars
	}
	if len(sub.Statuses) > 0 {
		msg["statuses"] = sub.Statuses
	}
	return c.sendRaw(msg)
}

// Listen subscribes to one or more named broker/trading-update streams
// (e.g. "trade_updates", "account_updates"), sending only newly-added names.
func (c *Client) Listen(streams ...string) error {
	c.mu.Lock()
	var added []string
	for _, s := range streams {
		if _, exists := c.listened[s]; !exists {
			c.listened[s] = struct{}{}
			added = append(added, s)
		}
	}
	c.mu.Unlock()
	if len(added) == 0 {
		return nil
	}
	msg := map[string]interface{}{
		"action": "listen",
		"data":   map[string]interface{}{"streams": added},
	}
	return c.sendRaw(msg)
}

func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	sub := Subscription{
		Trades:   keys(c.subTrades),
		Quotes:   keys(c.subQuotes),
		Bars:     keys(c.subBars),
		Statuses: keys(c.subStatuses),
	}
	streams := keys(c.listened)
	c.mu.Unlock()

	if !sub.empty() {
		_ = c.sendChannelMessage("subscribe", sub)
	}
	if len(streams) > 0 {
		msg := map[string]interface{}{
			"action": "listen",
			"data":   map[string]interface{}{"streams": streams},
		}
		_ = c.sendRaw(msg)
	}
}

func keys(m map[string]struct{}) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

// sendRaw enqueues the message if disconnected, otherwise writes it
// immediately.
func (c *Client) sendRaw(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: encoding message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := conn != nil
	if !connected {
		if c.sendQueueLimit > 0 && len(c.pending) >= c.sendQueueLimit {
			c.mu.Unlock()
			err := apierror.New(apierror.KindWebSocketSendQueueLimit, "websocket send queue limit reached",
				map[string]string{"limit": strconv.Itoa(c.sendQueueLimit)})
			if c.onError != nil {
				c.onError(err)
			}
			return err
		}
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.onError != nil {
			c.onError(fmt.Errorf("stream: send failed: %w", err))
		}
		return err
	}
	return nil
}

func (c *Client) flushPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	conn := c.conn
	c.mu.Unlock()

	for _, data := range pending {
		if conn != nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func (c *Client) handlePayload(payload json.RawMessage) {
	if c.onMessage == nil {
		return
	}

	var probe struct {
		T      string `json:"T"`
		Stream string `json:"stream"`
		Event  string `json:"event"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		c.onMessage(payload, CategoryError)
		return
	}

	if probe.T != "" {
		c.handleTypedPayload(payload, probe.T)
		return
	}
	if probe.Stream != "" {
		c.handleNamedStream(payload, probe.Stream)
		return
	}
	if probe.Event != "" {
		c.handleNamedEvent(payload, probe.Event)
		return
	}
	c.onMessage(payload, CategoryUnknown)
}

func (c *Client) handleTypedPayload(payload json.RawMessage, t string) {
	switch t {
	case "t":
		c.onMessage(payload, CategoryTrade)
	case "q":
		c.onMessage(payload, CategoryQuote)
	case "b", "d", "o":
		c.onMessage(payload, CategoryBar)
	case "u":
		if hasUnderlyingField(payload) {
			c.onMessage(payload, CategoryUnderlying)
		} else {
			c.onMessage(payload, CategoryUpdatedBar)
		}
	case "s":
		c.onMessage(payload, CategoryStatus)
	case "x":
		c.onMessage(payload, CategoryTradeCancel)
	case "c":
		c.onMessage(payload, CategoryTradeCorrection)
	case "i":
		c.onMessage(payload, CategoryImbalance)
	case "error":
		c.onMessage(payload, CategoryError)
	case "success", "subscription", "cancel", "control", "ping":
		c.handleControlPayload(payload, t)
	default:
		c.onMessage(payload, CategoryUnknown)
	}
}

func hasUnderlyingField(payload json.RawMessage) bool {
	var probe struct {
		US *float64 `json:"uS"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.US != nil
}

func (c *Client) handleNamedStream(payload json.RawMessage, stream string) {
	switch stream {
	case "trade_updates":
		c.onMessage(payload, CategoryOrderUpdate)
	case "account_updates":
		c.onMessage(payload, CategoryAccountUpdate)
	default:
		c.handleControlPayload(payload, stream)
	}
}

func (c *Client) handleNamedEvent(payload json.RawMessage, event string) {
	switch event {
	case "trade_updates":
		c.onMessage(payload, CategoryOrderUpdate)
	case "account_updates":
		c.onMessage(payload, CategoryAccountUpdate)
	case "error":
		c.onMessage(payload, CategoryError)
	default:
		c.onMessage(payload, CategoryUnknown)
	}
}

func (c *Client) handleControlPayload(payload json.RawMessage, t string) {
	if t == "ping" {
		_ = c.sendRaw(map[string]interface{}{"action": "pong"})
	}
	c.onMessage(payload, CategoryControl)
}
