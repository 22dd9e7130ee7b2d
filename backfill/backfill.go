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

// Package backfill coordinates gap replay when a streaming client observes a
// sequence discontinuity: it tracks per-symbol, per-kind state across stream
// payloads and turns a (from_sequence, to_sequence) gap into a bounded
// historical trade or bar request, deduplicating overlapping gap requests.
package backfill

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ivcap-works/brokerclient-go/apierror"
	"github.com/ivcap-works/brokerclient-go/marketdata"
	"github.com/ivcap-works/brokerclient-go/stream"
	"github.com/ivcap-works/brokerclient-go/timestamp"
)

// payloadKind distinguishes trade from bar payloads for state-key purposes.
type payloadKind int

const (
	payloadKindTrade payloadKind = iota
	payloadKindBar
)

// TradeReplayHandler receives the trades replayed to close a gap.
type TradeReplayHandler func(symbol string, trades []marketdata.Trade)

// BarReplayHandler receives the bars replayed to close a gap.
type BarReplayHandler func(symbol string, bars []marketdata.Bar)

// Options configures a Coordinator.
type Options struct {
	RequestTrades bool
	RequestBars   bool
	CryptoFeed    string
}

// DefaultOptions enables both trade and bar replay.
func DefaultOptions() Options {
	return Options{RequestTrades: true, RequestBars: true}
}

type sequenceRange struct {
	from, to uint64
}

func (r sequenceRange) contains(other sequenceRange) bool {
	return other.from >= r.from && other.to <= r.to
}

func (r sequenceRange) union(other sequenceRange) sequenceRange {
	u := r
	if other.from < u.from {
		u.from = other.from
	}
	if other.to > u.to {
		u.to = other.to
	}
	return u
}

type streamState struct {
	previousTimestamp time.Time
	hasPrevious       bool
	lastTimestamp     time.Time
	hasLast           bool
	lastRequested     *sequenceRange
}

// Coordinator tracks per-stream replay state and dispatches backfill
// requests to a market-data client keyed by the owning stream feed.
type Coordinator struct {
	client *marketdata.Client
	feed   stream.Feed
	opts   Options

	mu           sync.Mutex
	states       map[string]*streamState
	tradeHandler TradeReplayHandler
	barHandler   BarReplayHandler
}

// New builds a Coordinator dispatching replay requests through client for
// the given stream feed. Construction fails when client is nil, since a
// coordinator with no market-data client can never replay a gap.
func New(client *marketdata.Client, feed stream.Feed, opts Options) (*Coordinator, error) {
	if client == nil {
		return nil, apierror.New(apierror.KindNullBackfillCoordinator,
			"backfill: market-data client must not be nil", nil)
	}
	return &Coordinator{
		client: client,
		feed:   feed,
		opts:   opts,
		states: make(map[string]*streamState),
	}, nil
}

// SetTradeReplayHandler installs the callback invoked with replayed trades.
func (c *Coordinator) SetTradeReplayHandler(h TradeReplayHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradeHandler = h
}

// SetBarReplayHandler installs the callback invoked with replayed bars.
func (c *Coordinator) SetBarReplayHandler(h BarReplayHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barHandler = h
}

// RecordPayload updates the coordinator's tracking state from a live stream
// payload. It has no effect on payloads lacking a timestamp or a recognized
// kind. When the payload carries a sequence number at or beyond the end of
// the last requested gap range, that range is considered closed.
func (c *Coordinator) RecordPayload(streamID string, payload json.RawMessage) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return
	}

	ts, ok := extractTimestamp(fields)
	if !ok {
		return
	}
	kind, ok := classifyPayload(fields)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := makeStateKey(streamID, kind)
	state := c.states[key]
	if state == nil {
		state = &streamState{}
		c.states[key] = state
	}
	state.previousTimestamp = state.lastTimestamp
	state.hasPrevious = state.hasLast
	state.lastTimestamp = ts
	state.hasLast = true

	if seq, ok := extractSequence(fields); ok {
		if state.lastRequested != nil && seq >= state.lastRequested.to {
			state.lastRequested = nil
		}
	}
}

// RequestBackfill replays the historical data covering [fromSequence,
// toSequence] for the symbol embedded in streamID, inferred from payload's
// kind. A gap range contained in the range already requested for this
// stream and kind is skipped; any other range is merged with it before the
// replay is dispatched.
func (c *Coordinator) RequestBackfill(ctx context.Context, streamID string, fromSequence, toSequence uint64, payload json.RawMessage) {
	if fromSequence > toSequence {
		return
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return
	}
	kind, ok := classifyPayload(fields)
	if !ok {
		return
	}
	observed, ok := extractTimestamp(fields)
	if !ok {
		return
	}

	key := makeStateKey(streamID, kind)
	symbol := extractSymbolFromStreamID(streamID)

	requested := sequenceRange{from: fromSequence, to: toSequence}

	var stateCopy streamState
	var tradeHandler TradeReplayHandler
	var barHandler BarReplayHandler
	skip := false

	c.mu.Lock()
	state := c.states[key]
	if state == nil {
		state = &streamState{}
		c.states[key] = state
	}
	if state.lastRequested != nil && state.lastRequested.contains(requested) {
		skip = true
	} else {
		if state.lastRequested != nil {
			requested = requested.union(*state.lastRequested)
		}
		state.lastRequested = &requested
	}
	stateCopy = *state
	tradeHandler = c.tradeHandler
	barHandler = c.barHandler
	c.mu.Unlock()

	if skip {
		return
	}

	start := observed
	if stateCopy.hasPrevious {
		start = stateCopy.previousTimestamp
	} else if stateCopy.hasLast {
		start = stateCopy.lastTimestamp
	}
	end := observed
	if start.After(end) {
		start, end = end, start
	}

	span := toSequence - fromSequence + 1
	limit := int(math.MaxInt32)
	if span < uint64(math.MaxInt32) {
		limit = int(span)
	}

	switch kind {
	case payloadKindTrade:
		if c.opts.RequestTrades {
			c.replayTrades(ctx, symbol, start, end, limit, tradeHandler)
		}
	case payloadKindBar:
		if c.opts.RequestBars {
			c.replayBars(ctx, symbol, start, end, limit, barHandler)
		}
	}
}

func (c *Coordinator) replayTrades(ctx context.Context, symbol string, start, end time.Time, limit int, handler TradeReplayHandler) {
	req := marketdata.MultiRequest{
		Symbols: []string{symbol},
		Start:   start,
		End:     end,
		Limit:   limit,
		SortAsc: true,
	}

	var trades map[string][]marketdata.Trade
	var err error
	switch c.feed {
	case stream.FeedMarketData:
		trades, err = c.client.GetStockTrades(ctx, req)
	case stream.FeedOptions:
		trades, err = c.client.GetOptionTrades(ctx, req)
	case stream.FeedCrypto:
		req.CryptoFeed = c.opts.CryptoFeed
		trades, err = c.client.GetCryptoTrades(ctx, req)
	case stream.FeedTrading:
		return
	}
	if err != nil || handler == nil {
		return
	}
	handler(symbol, trades[symbol])
}

func (c *Coordinator) replayBars(ctx context.Context, symbol string, start, end time.Time, limit int, handler BarReplayHandler) {
	req := marketdata.MultiRequest{
		Symbols: []string{symbol},
		Start:   start,
		End:     end,
		Limit:   limit,
		SortAsc: true,
	}

	var bars map[string][]marketdata.Bar
	var err error
	switch c.feed {
	case stream.FeedMarketData:
		bars, err = c.client.GetStockBars(ctx, req)
	case stream.FeedOptions:
		bars, err = c.client.GetOptionBars(ctx, req)
	case stream.FeedCrypto:
		req.CryptoFeed = c.opts.CryptoFeed
		bars, err = c.client.GetCryptoBars(ctx, req)
	case stream.FeedTrading:
		return
	}
	if err != nil || handler == nil {
		return
	}
	handler(symbol, bars[symbol])
}

func extractSymbolFromStreamID(streamID string) string {
	if idx := strings.IndexByte(streamID, '|'); idx >= 0 {
		return streamID[idx+1:]
	}
	return streamID
}

func makeStateKey(streamID string, kind payloadKind) string {
	suffix := "trade"
	if kind == payloadKindBar {
		suffix = "bar"
	}
	return extractSymbolFromStreamID(streamID) + "|" + suffix
}

func classifyPayload(fields map[string]interface{}) (payloadKind, bool) {
	if t, ok := fields["T"].(string); ok {
		switch strings.ToLower(t) {
		case "t":
			return payloadKindTrade, true
		case "b", "u":
			return payloadKindBar, true
		}
	}
	if ev, ok := fields["ev"].(string); ok {
		switch strings.ToLower(ev) {
		case "trade":
			return payloadKindTrade, true
		case "bar":
			return payloadKindBar, true
		}
	}
	return 0, false
}

func extractTimestamp(fields map[string]interface{}) (time.Time, bool) {
	if raw, ok := fields["t"].(string); ok && raw != "" {
		if ts, err := timestamp.Parse(raw); err == nil {
			return ts, true
		}
	}
	if raw, ok := fields["timestamp"].(string); ok && raw != "" {
		if ts, err := timestamp.Parse(raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func extractSequence(fields map[string]interface{}) (uint64, bool) {
	for _, key := range []string{"i", "sequence", "seq"} {
		v, present := fields[key]
		if !present || v == nil {
			continue
		}
		switch value := v.(type) {
		case float64:
			if value < 0 {
				continue
			}
			return uint64(value), true
		case string:
			if value == "" {
				continue
			}
			parsed, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			return parsed, true
		}
	}
	return 0, false
}
