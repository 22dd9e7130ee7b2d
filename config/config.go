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

// Package config assembles the ambient settings a client needs to talk to
// one brokerage deployment: base URLs, credentials, and transport/timeout
// options, generalizing the teacher's named Context profile (cmd/context.go)
// to the library boundary with functional options instead of a CLI command
// tree, plus a YAML-backed profile loader for multi-environment setups.
package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ivcap-works/brokerclient-go/rest"
	"github.com/ivcap-works/brokerclient-go/transport"
)

// Environment names a pre-defined trading/market-data deployment, gathering
// every base URL the spec's external-interfaces surface names.
type Environment struct {
	Name             string
	TradingBaseURL   string
	MarketDataURL    string
	BrokerEventsURL  string
	TradingStreamURL string
	MarketDataStream string
	CryptoStreamURL  string
	OptionsStreamURL string
}

// Live is the production trading environment.
func Live() Environment {
	return Environment{
		Name:             "live",
		TradingBaseURL:   "https://api.alpaca.markets",
		MarketDataURL:    "https://data.alpaca.markets",
		BrokerEventsURL:  "https://broker-api.alpaca.markets/v2/events/accounts",
		TradingStreamURL: "wss://api.alpaca.markets/stream",
		MarketDataStream: "wss://stream.data.alpaca.markets/v2/iex",
		CryptoStreamURL:  "wss://stream.data.alpaca.markets/v1beta3/crypto/us",
		OptionsStreamURL: "wss://stream.data.alpaca.markets/v1beta1/indicative",
	}
}

// Paper is the simulated paper-trading environment.
func Paper() Environment {
	return Environment{
		Name:             "paper",
		TradingBaseURL:   "https://paper-api.alpaca.markets",
		MarketDataURL:    "https://data.alpaca.markets",
		BrokerEventsURL:  "https://broker-api.sandbox.alpaca.markets/v2/events/accounts",
		TradingStreamURL: "wss://paper-api.alpaca.markets/stream",
		MarketDataStream: "wss://stream.data.alpaca.markets/v2/iex",
		CryptoStreamURL:  "wss://stream.data.alpaca.markets/v1beta3/crypto/us",
		OptionsStreamURL: "wss://stream.data.alpaca.markets/v1beta1/indicative",
	}
}

// Config is the resolved set of credentials and endpoints used to build a
// rest.Client / stream.Client / sse.Client trio for a single deployment.
type Config struct {
	Environment    Environment
	KeyID          string
	SecretKey      string
	BearerToken    string
	DefaultHeaders map[string]string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Transport      transport.Options
}

// Option configures a Config at construction.
type Option func(*Config)

// WithEnvironment selects a pre-defined or custom environment.
func WithEnvironment(e Environment) Option { return func(c *Config) { c.Environment = e } }

// WithAPIKey sets the key-id/secret-key credential pair.
func WithAPIKey(keyID, secretKey string) Option {
	return func(c *Config) { c.KeyID = keyID; c.SecretKey = secretKey }
}

// WithBearerToken sets a bearer token credential (e.g. from an OAuth flow).
// The REST client uses it only when no API key/secret pair is set.
func WithBearerToken(token string) Option { return func(c *Config) { c.BearerToken = token } }

// WithDefaultHeaders sets headers applied to every outgoing REST request
// before credential precedence runs, e.g. a pre-populated Authorization
// header when neither an API key/secret pair nor a bearer token is used.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *Config) { c.DefaultHeaders = headers }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(h *http.Client) Option { return func(c *Config) { c.HTTPClient = h } }

// WithTransportOptions overrides the TLS/redirect dial options.
func WithTransportOptions(o transport.Options) Option { return func(c *Config) { c.Transport = o } }

// New builds a Config for the live environment by default, applying opts in
// order.
func New(opts ...Option) *Config {
	c := &Config{
		Environment: Live(),
		Timeout:     30 * time.Second,
		Transport:   transport.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns the rest.Credentials derived from this Config,
// carrying both the API key/secret pair and the bearer token; the REST
// client prefers the key/secret pair when both are present.
func (c *Config) Credentials() rest.Credentials {
	return rest.Credentials{KeyID: c.KeyID, SecretKey: c.SecretKey, Bearer: c.BearerToken}
}

// NewRestClient builds a rest.Client targeting this Config's trading
// base URL, applying its credentials and transport options.
func (c *Config) NewRestClient() (*rest.Client, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		opts := c.Transport
		opts.Timeout = c.Timeout
		built, err := transport.New(opts)
		if err != nil {
			return nil, fmt.Errorf("config: building transport: %w", err)
		}
		httpClient = built
	}
	return rest.New(c.Environment.TradingBaseURL,
		rest.WithHTTPClient(httpClient),
		rest.WithCredentials(c.Credentials()),
		rest.WithDefaultHeaders(c.DefaultHeaders))
}

// fileProfile is the on-disk YAML shape for a named deployment profile.
type fileProfile struct {
	Environment    string            `yaml:"environment"`
	KeyID          string            `yaml:"key_id"`
	SecretKey      string            `yaml:"secret_key"`
	BearerToken    string            `yaml:"bearer_token"`
	DefaultHeaders map[string]string `yaml:"default_headers"`
	TimeoutSec     int               `yaml:"timeout_sec"`
}

type fileDocument struct {
	ActiveProfile string                 `yaml:"active_profile"`
	Profiles      map[string]fileProfile `yaml:"profiles"`
}

// LoadFromFile reads a YAML profile document and returns the Config for its
// active profile (or the profile named by profileName, if non-empty).
func LoadFromFile(path, profileName string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	name := profileName
	if name == "" {
		name = doc.ActiveProfile
	}
	profile, ok := doc.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("config: profile %q not found in %s", name, path)
	}

	env := Live()
	switch profile.Environment {
	case "paper":
		env = Paper()
	case "live", "":
		env = Live()
	}

	opts := []Option{WithEnvironment(env)}
	if profile.BearerToken != "" {
		opts = append(opts, WithBearerToken(profile.BearerToken))
	} else {
		opts = append(opts, WithAPIKey(profile.KeyID, profile.SecretKey))
	}
	if len(profile.DefaultHeaders) > 0 {
		opts = append(opts, WithDefaultHeaders(profile.DefaultHeaders))
	}
	if profile.TimeoutSec > 0 {
		opts = append(opts, WithTimeout(time.Duration(profile.TimeoutSec)*time.Second))
	}

	return New(opts...), nil
}
