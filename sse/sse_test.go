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

package sse

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func TestFindEventDelimiterPrefersEarliest(t *testing.T) {
	pos, length := findEventDelimiter("abc\r\n\r\ndef\n\nghi")
	if pos != 3 || length != 4 {
		t.Fatalf("got pos=%d length=%d", pos, length)
	}
}

func TestFindEventDelimiterNone(t *testing.T) {
	pos, _ := findEventDelimiter("no delimiter here")
	if pos != -1 {
		t.Fatalf("got %d", pos)
	}
}

func TestProcessEventBlockSingleObject(t *testing.T) {
	c := New("https://example.invalid/v2/events/accounts")
	var got string
	c.OnEvent(func(e Event) { got = string(e.Data) })

	ok := c.processEventBlock("id: 42\ndata: {\"status\":\"ACTIVE\"}")
	if !ok {
		t.Fatal("expected dispatch")
	}
	if !strings.Contains(got, "ACTIVE") {
		t.Fatalf("got %s", got)
	}
	if c.lastEventID != "42" {
		t.Fatalf("got last event id %q", c.lastEventID)
	}
}

func TestProcessEventBlockIgnoresComments(t *testing.T) {
	c := New("https://example.invalid/v2/events/accounts")
	var count int
	c.OnEvent(func(e Event) { count++ })

	ok := c.processEventBlock(": keep-alive\ndata: {\"a\":1}")
	if !ok || count != 1 {
		t.Fatalf("ok=%v count=%d", ok, count)
	}
}

func TestProcessEventBlockMultilineData(t *testing.T) {
	c := New("https://example.invalid/v2/events/accounts")
	var got string
	c.OnEvent(func(e Event) { got = string(e.Data) })

	c.processEventBlock("data: {\"a\":\ndata: 1}")
	if got != "{\"a\":\n1}" {
		t.Fatalf("got %q", got)
	}
}

func TestProcessEventBlockNoDataReturnsFalse(t *testing.T) {
	c := New("https://example.invalid/v2/events/accounts")
	if c.processEventBlock("id: 5") {
		t.Fatal("expected no dispatch without data field")
	}
}

func TestProcessEventDataArrayDispatchesEach(t *testing.T) {
	c := New("https://example.invalid/v2/events/accounts")
	var n int
	c.OnEvent(func(e Event) { n++ })
	ok := c.processEventData(`[{"a":1},{"a":2}]`)
	if !ok || n != 2 {
		t.Fatalf("ok=%v n=%d", ok, n)
	}
}

func TestDrainEventsHandlesSplitAcrossReads(t *testing.T) {
	c := New("https://example.invalid/v2/events/accounts")
	var n int
	c.OnEvent(func(e Event) { n++ })

	var buf strings.Builder
	buf.WriteString("data: {\"a\":1}\n\ndata")
	dispatched := c.drainEvents(&buf)
	if !dispatched || n != 1 {
		t.Fatalf("dispatched=%v n=%d", dispatched, n)
	}
	if buf.String() != "data" {
		t.Fatalf("expected remainder buffered, got %q", buf.String())
	}
}

func TestBackoffClampsToMax(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2, Jitter: 0}
	rng := rand.New(rand.NewSource(1))
	if d := b.delay(10, rng); d != 4*time.Second {
		t.Fatalf("got %v", d)
	}
}
