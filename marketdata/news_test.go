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

	"github.com/ivcap-works/brokerclient-go/rest"
)

func TestNewsRangeRetriesRateLimitAndFollowsCursor(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"rate limited"}`))
		case 2:
			if r.URL.Query().Get("page_token") != "" {
				t.Fatalf("expected no page_token on first real fetch")
			}
			w.Write([]byte(`{"news":[{"id":"n1","headline":"first"}],"next_page_token":"cursor"}`))
		case 3:
			if got := r.URL.Query().Get("page_token"); got != "cursor" {
				t.Fatalf("expected page_token=cursor, got %q", got)
			}
			w.Write([]byte(`{"news":[{"id":"n2","headline":"second"}],"next_page_token":null}`))
		default:
			t.Fatalf("unexpected call %d", calls)
		}
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

	var ids []string
	rng := c.NewsRange(context.Background(), NewsRequest{})
	for article := range rng.Seq() {
		ids = append(ids, article.ID)
	}
	if rng.LastErr != nil {
		t.Fatalf("unexpected error: %v", rng.LastErr)
	}
	if len(ids) != 2 || ids[0] != "n1" || ids[1] != "n2" {
		t.Fatalf("got %v", ids)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
