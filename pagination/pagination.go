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

// Package pagination provides a single-pass, lazily-fetched range over a
// cursor-paginated brokerage endpoint, generalizing the reference
// PaginatedVectorRange (fetch/extract/get-cursor/set-cursor) to Go
// generics and idiomatic iteration shapes.
package pagination

import (
	"errors"
	"iter"
	"time"

	"github.com/ivcap-works/brokerclient-go/apierror"
)

// FetchPage retrieves one page for the given request state.
type FetchPage[Request any, Page any] func(Request) (Page, error)

// Extractor returns the page's item slice.
type Extractor[Page any, Value any] func(Page) []Value

// CursorAccessor returns the next-page cursor, or "", false when there is none.
type CursorAccessor[Page any] func(Page) (string, bool)

// CursorMutator applies a cursor to the next request.
type CursorMutator[Request any] func(Request, string) Request

// Range drives a cursor-paginated endpoint one page at a time, sleeping and
// retrying on a classified rate-limit error carrying a Retry-After delay.
type Range[Request any, Page any, Value any] struct {
	request   Request
	fetch     FetchPage[Request, Page]
	extract   Extractor[Page, Value]
	getCursor CursorAccessor[Page]
	setCursor CursorMutator[Request]

	items    []Value
	index    int
	finished bool
	started  bool

	// LastErr records the last non-retryable error observed by Seq's
	// iteration; Seq itself cannot return an error, so callers that need
	// to distinguish "exhausted" from "aborted by error" should check it
	// after a range-over-func loop ends, or use Next instead.
	LastErr error
}

// New builds a Range from the fetch/extract/cursor quadruple.
func New[Request any, Page any, Value any](
	request Request,
	fetch FetchPage[Request, Page],
	extract Extractor[Page, Value],
	getCursor CursorAccessor[Page],
	setCursor CursorMutator[Request],
) *Range[Request, Page, Value] {
	return &Range[Request, Page, Value]{
		request:   request,
		fetch:     fetch,
		extract:   extract,
		getCursor: getCursor,
		setCursor: setCursor,
	}
}

// fetchPage retries on a rate-limit error carrying a Retry-After delay,
// sleeping for that delay before trying again. Any other error is terminal.
// An empty page that has a continuation cursor is skipped rather than
// surfaced, matching the reference "skip-empty-but-continue" behavior.
func (r *Range[Request, Page, Value]) fetchPage() error {
	for {
		page, err := r.fetch(r.request)
		if err != nil {
			var apiErr *apierror.Error
			if errors.As(err, &apiErr) && apiErr.HasRetryAfter {
				time.Sleep(apiErr.RetryAfter)
				continue
			}
			return err
		}

		r.items = r.extract(page)
		r.index = 0

		if cursor, ok := r.getCursor(page); ok && cursor != "" {
			r.request = r.setCursor(r.request, cursor)
			r.finished = false
		} else {
			r.finished = true
		}

		if len(r.items) > 0 {
			return nil
		}
		if r.finished {
			r.items = nil
			return nil
		}
		// empty page, more pages available: keep fetching
	}
}

// Next pulls the next item, returning ok=false once the range is exhausted
// and a non-nil error if the underlying fetch failed non-retryably.
func (r *Range[Request, Page, Value]) Next() (Value, bool, error) {
	var zero Value
	if !r.started {
		r.started = true
		if err := r.fetchPage(); err != nil {
			return zero, false, err
		}
	}
	for r.index >= len(r.items) {
		if r.finished {
			return zero, false, nil
		}
		if err := r.fetchPage(); err != nil {
			return zero, false, err
		}
		if len(r.items) == 0 && r.finished {
			return zero, false, nil
		}
	}
	v := r.items[r.index]
	r.index++
	return v, true, nil
}

// Seq exposes the range as a Go 1.23 range-over-func sequence. Iteration
// stops silently on a non-retryable fetch error; inspect LastErr afterward
// to distinguish that from natural exhaustion.
func (r *Range[Request, Page, Value]) Seq() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		for {
			v, ok, err := r.Next()
			if err != nil {
				r.LastErr = err
				return
			}
			if !ok {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}
