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

package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ivcap-works/brokerclient-go/apierror"
	"github.com/ivcap-works/brokerclient-go/marketdata"
	"github.com/ivcap-works/brokerclient-go/rest"
	"github.com/ivcap-works/brokerclient-go/stream"
)

func TestNewRejectsNilMarketDataClient(t *testing.T) {
	_, err := New(nil, stream.FeedMarketData, DefaultOptions())
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*apierror.Error)
	if !ok {
		t.Fatalf("expected *apierror.Error, got %T", err)
	}
	if apiErr.Kind != apierror.KindNullBackfillCoordinator {
		t.Fatalf("got kind %v", apiErr.Kind)
	}
}

func TestClassifyPayloadByType(t *testing.T) {
	cases := []struct {
		json string
		want payloadKind
	}{
		{`{"T":"t"}`, payloadKindTrade},
		{`{"T":"b"}`, payloadKindBar},
		{`{"T":"u"}`, payloadKindBar},
		{`{"ev":"trade"}`, payloadKindTrade},
		{`{"ev":"bar"}`, payloadKindBar},
	}
	for _, tc := range cases {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(tc.json), &fields); err != nil {
			t.Fatal(err)
		}
		kind, ok := classifyPayload(fields)
		if !ok || kind != tc.want {
			t.Fatalf("%s: got kind=%v ok=%v", tc.json, kind, ok)
		}
	}
}

func TestExtractSymbolFromStreamID(t *testing.T) {
	if got := extractSymbolFromStreamID("trades|AAPL"); got != "AAPL" {
		t.Fatalf("got %q", got)
	}
	if got := extractSymbolFromStreamID("AAPL"); got != "AAPL" {
		t.Fatalf("got %q", got)
	}
}

func TestSequenceRangeContainsAndUnion(t *testing.T) {
	outer := sequenceRange{from: 10, to: 100}
	inner := sequenceRange{from: 20, to: 50}
	if !outer.contains(inner) {
		t.Fatal("expected containment")
	}
	disjoint := sequenceRange{from: 200, to: 300}
	if outer.contains(disjoint) {
		t.Fatal("expected no containment")
	}
	u := outer.union(disjoint)
	if u.from != 10 || u.to != 300 {
		t.Fatalf("got %+v", u)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *marketdata.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	restClient, err := rest.New(srv.URL, rest.WithCredentials(rest.Credentials{KeyID: "AKFAKE", SecretKey: "SKFAKE"}))
	if err != nil {
		t.Fatal(err)
	}
	mdClient, err := marketdata.New(restClient)
	if err != nil {
		t.Fatal(err)
	}
	return mdClient
}

func TestRequestBackfillReplaysTradesForMarketDataFeed(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"trades":{"AAPL":[{"S":"AAPL","i":"1","p":190.0,"s":10,"t":"2024-03-15T13:45:07Z"}]}}`))
	})

	coord, err := New(client, stream.FeedMarketData, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	var gotSymbol string
	var gotTrades []marketdata.Trade
	coord.SetTradeReplayHandler(func(symbol string, trades []marketdata.Trade) {
		gotSymbol = symbol
		gotTrades = trades
	})

	payload := json.RawMessage(`{"T":"t","S":"AAPL","i":"5","p":190.5,"t":"2024-03-15T13:46:00Z"}`)
	coord.RequestBackfill(context.Background(), "trades|AAPL", 1, 5, payload)

	if gotPath != "/v2/stocks/trades" {
		t.Fatalf("got path %q", gotPath)
	}
	if gotSymbol != "AAPL" || len(gotTrades) != 1 {
		t.Fatalf("got symbol=%q trades=%v", gotSymbol, gotTrades)
	}
}

func TestRequestBackfillSkipsContainedRange(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"trades":{}}`))
	})

	coord, err := New(client, stream.FeedMarketData, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	payload := json.RawMessage(`{"T":"t","S":"AAPL","t":"2024-03-15T13:46:00Z"}`)

	coord.RequestBackfill(context.Background(), "trades|AAPL", 1, 100, payload)
	coord.RequestBackfill(context.Background(), "trades|AAPL", 20, 50, payload)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRequestBackfillTradingFeedIsNoOp(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	coord, err := New(client, stream.FeedTrading, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	payload := json.RawMessage(`{"T":"t","S":"AAPL","t":"2024-03-15T13:46:00Z"}`)
	coord.RequestBackfill(context.Background(), "trades|AAPL", 1, 5, payload)
	if calls != 0 {
		t.Fatalf("expected no calls, got %d", calls)
	}
}

func TestRecordPayloadClearsRequestedRangeOnCatchUp(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"trades":{}}`))
	})
	coord, err := New(client, stream.FeedMarketData, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	gapPayload := json.RawMessage(`{"T":"t","S":"AAPL","t":"2024-03-15T13:45:00Z"}`)
	coord.RequestBackfill(context.Background(), "trades|AAPL", 1, 10, gapPayload)

	key := makeStateKey("trades|AAPL", payloadKindTrade)
	coord.mu.Lock()
	before := coord.states[key].lastRequested
	coord.mu.Unlock()
	if before == nil {
		t.Fatal("expected a requested range to be tracked")
	}

	caughtUp := json.RawMessage(`{"T":"t","S":"AAPL","i":"10","t":"2024-03-15T13:46:00Z"}`)
	coord.RecordPayload("trades|AAPL", caughtUp)

	coord.mu.Lock()
	after := coord.states[key].lastRequested
	coord.mu.Unlock()
	if after != nil {
		t.Fatalf("expected requested range to be cleared, got %+v", after)
	}
}

func TestRequestBackfillInvalidRangeIgnored(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	coord, err := New(client, stream.FeedMarketData, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	payload := json.RawMessage(`{"T":"t","S":"AAPL","t":"2024-03-15T13:46:00Z"}`)
	coord.RequestBackfill(context.Background(), "trades|AAPL", 10, 5, payload)
	if calls != 0 {
		t.Fatalf("expected no calls for inverted range, got %d", calls)
	}
}
