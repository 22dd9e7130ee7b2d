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

package timestamp

import (
	"testing"
	"time"
)

func TestParseDateOnly(t *testing.T) {
	got, err := Parse("2024-03-15")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseFullInstant(t *testing.T) {
	got, err := Parse("2024-03-15T13:45:07Z")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 15, 13, 45, 7, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseFractionalTruncation(t *testing.T) {
	got, err := Parse("2024-03-15T13:45:07.123456789123Z")
	if err != nil {
		t.Fatal(err)
	}
	if got.Nanosecond() != 123456789 {
		t.Fatalf("got nanosecond=%d", got.Nanosecond())
	}
}

func TestParseOffset(t *testing.T) {
	got, err := Parse("2024-03-15T13:45:07+05:30")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 15, 8, 15, 7, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseSpaceSeparator(t *testing.T) {
	if _, err := Parse("2024-03-15 13:45:07Z"); err != nil {
		t.Fatal(err)
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	cases := []string{
		"2024-03-15T13:45:07Zxyz",
		"2024-03-15T13:45:07.5Zabc",
		"not-a-date",
		"2024-03-15T13:45",
		"2024-03-15T13:45:07.",
	}
	for _, text := range cases {
		if _, err := Parse(text); err == nil {
			t.Errorf("Parse(%q) expected error, got none", text)
		}
	}
}

func TestFormatOmitsZeroFraction(t *testing.T) {
	ts := time.Date(2024, 3, 15, 13, 45, 7, 0, time.UTC)
	if got := Format(ts); got != "2024-03-15T13:45:07Z" {
		t.Fatalf("got %s", got)
	}
}

func TestFormatStripsTrailingZeroGroups(t *testing.T) {
	ts := time.Date(2024, 3, 15, 13, 45, 7, 250000000, time.UTC)
	if got := Format(ts); got != "2024-03-15T13:45:07.25Z" {
		t.Fatalf("got %s", got)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 15, 13, 45, 7, 123000000, time.UTC)
	formatted := Format(ts)
	back, err := Parse(formatted)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(ts) {
		t.Fatalf("round trip mismatch: %v -> %s -> %v", ts, formatted, back)
	}
}
