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

package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ivcap-works/brokerclient-go/apierror"
	"github.com/ivcap-works/brokerclient-go/rest"
)

func TestNewRejectsNilRestClient(t *testing.T) {
	_, err := New(nil)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*apierror.Error)
	if !ok {
		t.Fatalf("expected *apierror.Error, got %T", err)
	}
	if apiErr.Kind != apierror.KindMarketDataConfigurationError {
		t.Fatalf("got kind %v", apiErr.Kind)
	}
}

func TestGetStockTradesDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/stocks/trades" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"trades":{"AAPL":[{"S":"AAPL","i":"1","p":190.25,"s":100,"t":"2024-03-15T13:45:07Z"}]}}`))
	}))
	defer srv.Close()

	restClient, err := rest.New(srv.URL, rest.WithCredentials(rest.Credentials{KeyID: "AKFAKE", SecretKey: "SKFAKE"}))
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(restClient)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.GetStockTrades(context.Background(), MultiRequest{
		Symbols: []string{"AAPL"},
		Start:   time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		Limit:   10,
		SortAsc: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	trades, ok := got["AAPL"]
	if !ok || len(trades) != 1 {
		t.Fatalf("got %v", got)
	}
	if trades[0].Price.String() != "190.25" {
		t.Fatalf("got price %s", trades[0].Price.String())
	}
}

func TestGetCryptoBarsIncludesFeedParam(t *testing.T) {
	var gotFeed string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFeed = r.URL.Query().Get("feed")
		w.Write([]byte(`{"bars":{}}`))
	}))
	defer srv.Close()

	restClient, _ := rest.New(srv.URL, rest.WithCredentials(rest.Credentials{KeyID: "AKFAKE", SecretKey: "SKFAKE"}))
	c, err := New(restClient)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.GetCryptoBars(context.Background(), MultiRequest{
		Symbols:    []string{"BTC/USD"},
		CryptoFeed: "us",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotFeed != "us" {
		t.Fatalf("got feed %q", gotFeed)
	}
}
