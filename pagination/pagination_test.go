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

package pagination

import (
	"fmt"
	"testing"
	"time"

	"github.com/ivcap-works/brokerclient-go/apierror"
)

type fakeRequest struct {
	cursor string
}

type fakePage struct {
	items      []int
	nextCursor string
}

func TestRangeCollectsAllPages(t *testing.T) {
	pages := map[string]fakePage{
		"":  {items: []int{1, 2}, nextCursor: "p2"},
		"p2": {items: []int{3}, nextCursor: ""},
	}
	fetch := func(r fakeRequest) (fakePage, error) {
		return pages[r.cursor], nil
	}
	extract := func(p fakePage) []int { return p.items }
	getCursor := func(p fakePage) (string, bool) {
		if p.nextCursor == "" {
			return "", false
		}
		return p.nextCursor, true
	}
	setCursor := func(r fakeRequest, c string) fakeRequest { r.cursor = c; return r }

	rg := New(fakeRequest{}, fetch, extract, getCursor, setCursor)
	var got []int
	for v := range rg.Seq() {
		got = append(got, v)
	}
	if rg.LastErr != nil {
		t.Fatal(rg.LastErr)
	}
	if fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("got %v", got)
	}
}

func TestRangeSkipsEmptyPageButContinues(t *testing.T) {
	pages := map[string]fakePage{
		"":   {items: nil, nextCursor: "p2"},
		"p2": {items: []int{9}, nextCursor: ""},
	}
	fetch := func(r fakeRequest) (fakePage, error) { return pages[r.cursor], nil }
	extract := func(p fakePage) []int { return p.items }
	getCursor := func(p fakePage) (string, bool) {
		if p.nextCursor == "" {
			return "", false
		}
		return p.nextCursor, true
	}
	setCursor := func(r fakeRequest, c string) fakeRequest { r.cursor = c; return r }

	rg := New(fakeRequest{}, fetch, extract, getCursor, setCursor)
	v, ok, err := rg.Next()
	if err != nil || !ok || v != 9 {
		t.Fatalf("got v=%v ok=%v err=%v", v, ok, err)
	}
	_, ok, err = rg.Next()
	if err != nil || ok {
		t.Fatalf("expected exhaustion, got ok=%v err=%v", ok, err)
	}
}

func TestRangeRetriesOnRateLimit(t *testing.T) {
	calls := 0
	fetch := func(r fakeRequest) (fakePage, error) {
		calls++
		if calls == 1 {
			return fakePage{}, &apierror.Error{
				Kind:          apierror.KindRateLimit,
				RetryAfter:    time.Millisecond,
				HasRetryAfter: true,
			}
		}
		return fakePage{items: []int{42}}, nil
	}
	extract := func(p fakePage) []int { return p.items }
	getCursor := func(p fakePage) (string, bool) { return "", false }
	setCursor := func(r fakeRequest, c string) fakeRequest { return r }

	rg := New(fakeRequest{}, fetch, extract, getCursor, setCursor)
	v, ok, err := rg.Next()
	if err != nil || !ok || v != 42 {
		t.Fatalf("got v=%v ok=%v err=%v", v, ok, err)
	}
	if calls != 2 {
		t.Fatalf("expected retry, got %d calls", calls)
	}
}

func TestRangeNonRetryableErrorSurfaces(t *testing.T) {
	fetch := func(r fakeRequest) (fakePage, error) {
		return fakePage{}, &apierror.Error{Kind: apierror.KindServer}
	}
	extract := func(p fakePage) []int { return p.items }
	getCursor := func(p fakePage) (string, bool) { return "", false }
	setCursor := func(r fakeRequest, c string) fakeRequest { return r }

	rg := New(fakeRequest{}, fetch, extract, getCursor, setCursor)
	_, ok, err := rg.Next()
	if err == nil || ok {
		t.Fatalf("expected error, got ok=%v err=%v", ok, err)
	}
}
