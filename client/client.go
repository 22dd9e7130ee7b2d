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

// Package client is the top-level facade wiring a resolved Config into the
// REST-backed clients (market-data, trading) and the long-lived streaming
// clients (trading/market-data/crypto/options WebSocket feeds, broker SSE
// events), plus a backfill coordinator per streaming feed, generalizing the
// way the teacher's cmd package wires a single restAdapter from a Context
// into every command, but as a constructible library value rather than a
// package-level singleton.
package client

import (
	"fmt"
	"net/http"

	"github.com/ivcap-works/brokerclient-go/backfill"
	"github.com/ivcap-works/brokerclient-go/config"
	"github.com/ivcap-works/brokerclient-go/marketdata"
	"github.com/ivcap-works/brokerclient-go/oauth"
	"github.com/ivcap-works/brokerclient-go/rest"
	"github.com/ivcap-works/brokerclient-go/sse"
	"github.com/ivcap-works/brokerclient-go/stream"
	"github.com/ivcap-works/brokerclient-go/trading"
)

// Client bundles every collaborator a caller needs against one deployment:
// a REST transport shared by the market-data and trading facades, plus
// factories for the streaming and SSE clients that reuse the same
// credentials.
type Client struct {
	cfg        *config.Config
	rest       *rest.Client
	MarketData *marketdata.Client
	Trading    *trading.Client
}

// New resolves cfg into a Client, building the shared REST transport and the
// market-data/trading facades atop it.
func New(cfg *config.Config) (*Client, error) {
	restClient, err := cfg.NewRestClient()
	if err != nil {
		return nil, fmt.Errorf("client: building rest client: %w", err)
	}
	mdClient, err := marketdata.New(restClient)
	if err != nil {
		return nil, fmt.Errorf("client: building market-data facade: %w", err)
	}
	return &Client{
		cfg:        cfg,
		rest:       restClient,
		MarketData: mdClient,
		Trading:    trading.New(restClient),
	}, nil
}

// NewStream builds a streaming client for feed, pointed at the matching
// environment URL and carrying this Client's credentials.
func (c *Client) NewStream(feed stream.Feed, opts ...stream.Option) *stream.Client {
	return stream.New(c.streamURL(feed), c.cfg.KeyID, c.cfg.SecretKey, feed, opts...)
}

func (c *Client) streamURL(feed stream.Feed) string {
	switch feed {
	case stream.FeedTrading:
		return c.cfg.Environment.TradingStreamURL
	case stream.FeedCrypto:
		return c.cfg.Environment.CryptoStreamURL
	case stream.FeedOptions:
		return c.cfg.Environment.OptionsStreamURL
	default:
		return c.cfg.Environment.MarketDataStream
	}
}

// NewBrokerEventsStream builds an SSE client against this deployment's
// broker account-events endpoint, carrying the same credential precedence
// as the REST client: API key/secret pair first, then a default
// Authorization header from the Config, then a bearer token.
func (c *Client) NewBrokerEventsStream(opts ...sse.Option) *sse.Client {
	creds := c.cfg.Credentials()
	header := http.Header{}
	defaultAuth := ""
	for k, v := range c.cfg.DefaultHeaders {
		if http.CanonicalHeaderKey(k) == "Authorization" {
			defaultAuth = v
		}
	}
	if creds.KeyID != "" && creds.SecretKey != "" {
		header.Set("APCA-API-KEY-ID", creds.KeyID)
		header.Set("APCA-API-SECRET-KEY", creds.SecretKey)
	} else if defaultAuth != "" {
		header.Set("Authorization", defaultAuth)
	} else if creds.Bearer != "" {
		header.Set("Authorization", "Bearer "+creds.Bearer)
	}
	allOpts := append([]sse.Option{sse.WithHeader(header)}, opts...)
	return sse.New(c.cfg.Environment.BrokerEventsURL, allOpts...)
}

// NewBackfillCoordinator builds a backfill.Coordinator dispatching replay
// requests through this Client's market-data facade for the given feed.
func (c *Client) NewBackfillCoordinator(feed stream.Feed, opts backfill.Options) (*backfill.Coordinator, error) {
	return backfill.New(c.MarketData, feed, opts)
}

// NewOAuthClient builds an oauth.Client targeting tokenEndpoint, for
// exchanging or refreshing tokens independent of this Client's own
// credentials.
func NewOAuthClient(tokenEndpoint string, opts ...oauth.Option) (*oauth.Client, error) {
	return oauth.New(tokenEndpoint, opts...)
}
