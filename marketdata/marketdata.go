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

// Package marketdata is a thin client over the multi-symbol trade and bar
// endpoints, exposing exactly the handful of calls the backfill coordinator
// needs at its collaborator boundary (stocks, options, crypto — trades and
// bars), grounded on the reference MarketDataClient's request/response
// shape without replicating its full DTO surface.
package marketdata

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/ivcap-works/brokerclient-go/apierror"
	"github.com/ivcap-works/brokerclient-go/money"
	"github.com/ivcap-works/brokerclient-go/rest"
	"github.com/ivcap-works/brokerclient-go/timestamp"
)

// Trade is a single print, common to the stock/option/crypto trade feeds.
type Trade struct {
	Symbol    string
	ID        string
	Exchange  string
	Price     money.Money
	Size      uint64
	Timestamp time.Time
	Tape      string
}

// Bar is a single OHLCV aggregate, common to the stock/option/crypto bar feeds.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       money.Money
	High       money.Money
	Low        money.Money
	Close      money.Money
	Volume     uint64
	TradeCount uint64
	VWAP       *money.Money
}

// MultiRequest parameterizes a multi-symbol trade or bar query.
type MultiRequest struct {
	Symbols    []string
	Start      time.Time
	End        time.Time
	Limit      int
	SortAsc    bool
	CryptoFeed string // only consulted for crypto endpoints
}

func (r MultiRequest) query() url.Values {
	v := url.Values{}
	for _, s := range r.Symbols {
		v.Add("symbols", s)
	}
	if !r.Start.IsZero() {
		v.Set("start", timestamp.Format(r.Start))
	}
	if !r.End.IsZero() {
		v.Set("end", timestamp.Format(r.End))
	}
	if r.Limit > 0 {
		v.Set("limit", strconv.Itoa(r.Limit))
	}
	if r.SortAsc {
		v.Set("sort", "asc")
	}
	if r.CryptoFeed != "" {
		v.Set("feed", r.CryptoFeed)
	}
	return v
}

// Client is a thin market-data facade over a rest.Client.
type Client struct {
	rest *rest.Client
}

// New wraps an existing REST client. Construction fails when r is nil, since
// a market-data facade with no REST transport can never satisfy a request.
func New(r *rest.Client) (*Client, error) {
	if r == nil {
		return nil, apierror.New(apierror.KindMarketDataConfigurationError,
			"marketdata: rest client must not be nil", nil)
	}
	return &Client{rest: r}, nil
}

type tradeResponse struct {
	Trades map[string][]wireTrade `json:"trades"`
}

type wireTrade struct {
	Symbol    string  `json:"S"`
	ID        string  `json:"i"`
	Exchange  string  `json:"x"`
	Price     float64 `json:"p"`
	Size      uint64  `json:"s"`
	Timestamp string  `json:"t"`
	Tape      string  `json:"z"`
}

func (w wireTrade) toTrade(symbol string) Trade {
	ts, _ := timestamp.Parse(w.Timestamp)
	price, _ := money.FromFloat(w.Price)
	return Trade{
		Symbol:    symbol,
		ID:        w.ID,
		Exchange:  w.Exchange,
		Price:     price,
		Size:      w.Size,
		Timestamp: ts,
		Tape:      w.Tape,
	}
}

type barResponse struct {
	Bars map[string][]wireBar `json:"bars"`
}

type wireBar struct {
	Timestamp  string   `json:"t"`
	Open       float64  `json:"o"`
	High       float64  `json:"h"`
	Low        float64  `json:"l"`
	Close      float64  `json:"c"`
	Volume     uint64   `json:"v"`
	TradeCount uint64   `json:"n"`
	VWAP       *float64 `json:"vw"`
}

func (w wireBar) toBar(symbol string) Bar {
	ts, _ := timestamp.Parse(w.Timestamp)
	open, _ := money.FromFloat(w.Open)
	high, _ := money.FromFloat(w.High)
	low, _ := money.FromFloat(w.Low)
	closeP, _ := money.FromFloat(w.Close)
	b := Bar{
		Symbol:     symbol,
		Timestamp:  ts,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closeP,
		Volume:     w.Volume,
		TradeCount: w.TradeCount,
	}
	if w.VWAP != nil {
		v, _ := money.FromFloat(*w.VWAP)
		b.VWAP = &v
	}
	return b
}

func (c *Client) getTrades(ctx context.Context, path string, req MultiRequest) (map[string][]Trade, error) {
	var resp tradeResponse
	if err := c.rest.Do(ctx, "GET", path, req.query(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string][]Trade, len(resp.Trades))
	for symbol, wireTrades := range resp.Trades {
		converted := make([]Trade, len(wireTrades))
		for i, w := range wireTrades {
			converted[i] = w.toTrade(symbol)
		}
		out[symbol] = converted
	}
	return out, nil
}

func (c *Client) getBars(ctx context.Context, path string, req MultiRequest) (map[string][]Bar, error) {
	var resp barResponse
	if err := c.rest.Do(ctx, "GET", path, req.query(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string][]Bar, len(resp.Bars))
	for symbol, wireBars := range resp.Bars {
		converted := make([]Bar, len(wireBars))
		for i, w := range wireBars {
			converted[i] = w.toBar(symbol)
		}
		out[symbol] = converted
	}
	return out, nil
}

// GetStockTrades fetches historical trades for one or more equity symbols.
func (c *Client) GetStockTrades(ctx context.Context, req MultiRequest) (map[string][]Trade, error) {
	return c.getTrades(ctx, "/v2/stocks/trades", req)
}

// GetStockBars fetches historical bars for one or more equity symbols.
func (c *Client) GetStockBars(ctx context.Context, req MultiRequest) (map[string][]Bar, error) {
	return c.getBars(ctx, "/v2/stocks/bars", req)
}

// GetOptionTrades fetches historical trades for one or more option symbols.
func (c *Client) GetOptionTrades(ctx context.Context, req MultiRequest) (map[string][]Trade, error) {
	return c.getTrades(ctx, "/v1beta1/options/trades", req)
}

// GetOptionBars fetches historical bars for one or more option symbols.
func (c *Client) GetOptionBars(ctx context.Context, req MultiRequest) (map[string][]Bar, error) {
	return c.getBars(ctx, "/v1beta1/options/bars", req)
}

// GetCryptoTrades fetches historical trades for one or more crypto pairs.
func (c *Client) GetCryptoTrades(ctx context.Context, req MultiRequest) (map[string][]Trade, error) {
	return c.getTrades(ctx, "/v1beta3/crypto/us/trades", req)
}

// GetCryptoBars fetches historical bars for one or more crypto pairs.
func (c *Client) GetCryptoBars(ctx context.Context, req MultiRequest) (map[string][]Bar, error) {
	return c.getBars(ctx, "/v1beta3/crypto/us/bars", req)
}
