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

// Package apierror classifies brokerage API error responses into a small
// taxonomy of kinds, the way the adapter's own error family distinguishes
// unauthorized/not-found/generic failures, but generalized to the full
// set of HTTP-derived error conditions the trading and market-data
// services can return.
package apierror

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the broad category of an API error. The first block is
// classified from an HTTP response; the second block covers the non-HTTP,
// construction-time and runtime conditions that the reference
// implementation's ErrorCode enum also carries under the same Exception
// type, so callers can errors.As uniformly across every error source.
type Kind int

const (
	KindGeneric Kind = iota
	KindAuthentication
	KindPermission
	KindNotFound
	KindRateLimit
	KindServer
	KindValidation
	KindClient

	KindWebSocketSendQueueLimit
	KindInvalidPingInterval
	KindNullBackfillCoordinator
	KindInvalidArgument
	KindOAuthConfigurationError
	KindMarketDataConfigurationError
	KindRestClientConfigurationMissing
	KindHttpClientRequired
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	case KindClient:
		return "client"
	case KindWebSocketSendQueueLimit:
		return "websocket_send_queue_limit"
	case KindInvalidPingInterval:
		return "invalid_ping_interval"
	case KindNullBackfillCoordinator:
		return "null_backfill_coordinator"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindOAuthConfigurationError:
		return "oauth_configuration_error"
	case KindMarketDataConfigurationError:
		return "market_data_configuration_error"
	case KindRestClientConfigurationMissing:
		return "rest_client_configuration_missing"
	case KindHttpClientRequired:
		return "http_client_required"
	default:
		return "generic"
	}
}

// Error is a classified API error. StatusCode/Body/Headers/RetryAfter are
// only populated when the error was classified from an HTTP response;
// construction-time and runtime errors built via New carry Metadata instead,
// mirroring the reference Exception type's optional HTTP context plus
// always-present metadata map.
type Error struct {
	Kind          Kind
	StatusCode    int
	Message       string
	Body          string
	Code          string
	Headers       http.Header
	RetryAfter    time.Duration
	HasRetryAfter bool
	Metadata      map[string]string
}

// New builds a non-HTTP *Error for construction-time or runtime failures —
// invalid arguments, missing configuration, local resource limits — that
// never reach an API response, mirroring the reference
// Exception(ErrorCode, message, metadata) constructor.
func New(kind Kind, message string, metadata map[string]string) *Error {
	return &Error{Kind: kind, Message: message, Metadata: metadata}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Is reports whether target is an *Error with the same Kind, so callers can
// use errors.Is(err, apierror.New(apierror.KindRateLimit, "", nil)).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func containsFold(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func codeMatches(lowerCode string, candidates ...string) bool {
	if lowerCode == "" {
		return false
	}
	for _, c := range candidates {
		if lowerCode == strings.ToLower(c) {
			return true
		}
	}
	return false
}

// Classify builds an *Error from an HTTP response's status code, message,
// body, headers, and an optional machine-readable error code. Rules are tried
// in a fixed kind order (authentication, permission, not-found, rate-limit,
// server, validation, other 4xx); each rule matches on its status code, its
// machine error codes, or a message substring, and the first matching rule
// wins, so a message hit on an earlier rule beats a status on a later one.
func Classify(statusCode int, message, body string, headers http.Header, code string) *Error {
	lowerCode := strings.ToLower(code)
	lowerMessage := strings.ToLower(message)

	e := &Error{
		StatusCode: statusCode,
		Message:    message,
		Body:       body,
		Code:       code,
		Headers:    headers,
	}
	if d, ok := ParseRetryAfter(headers); ok {
		e.RetryAfter = d
		e.HasRetryAfter = true
	}

	switch {
	case statusCode == http.StatusUnauthorized ||
		codeMatches(lowerCode, "40110000", "authentication_error", "unauthorized", "invalid_client",
			"invalid_grant", "authentication_failed", "client_authentication_failed") ||
		containsFold(lowerMessage, "authentication", "credential", "unauthorized"):
		e.Kind = KindAuthentication

	case statusCode == http.StatusForbidden ||
		codeMatches(lowerCode, "forbidden", "permission_denied", "insufficient_permission", "access_denied",
			"unauthorized_client") ||
		containsFold(lowerMessage, "forbidden", "permission", "access denied"):
		e.Kind = KindPermission

	case statusCode == http.StatusNotFound ||
		codeMatches(lowerCode, "40410000", "not_found", "resource_not_found") ||
		containsFold(lowerMessage, "not found"):
		e.Kind = KindNotFound

	case statusCode == http.StatusTooManyRequests ||
		codeMatches(lowerCode, "42910000", "rate_limit", "too_many_requests", "rate_limit_exceeded", "slow_down") ||
		containsFold(lowerMessage, "rate limit", "too many request", "throttle", "slow down"):
		e.Kind = KindRateLimit

	case statusCode >= 500 ||
		codeMatches(lowerCode, "50010000", "internal_error", "service_unavailable") ||
		containsFold(lowerMessage, "internal server", "service unavailable", "server error"):
		e.Kind = KindServer

	case statusCode == http.StatusUnprocessableEntity || statusCode == http.StatusBadRequest ||
		codeMatches(lowerCode, "validation_error", "invalid_request", "invalid_scope", "unsupported_response_type") ||
		containsFold(lowerMessage, "validation", "invalid", "unsupported response", "invalid scope"):
		e.Kind = KindValidation

	case statusCode >= 400 && statusCode < 500:
		e.Kind = KindClient

	default:
		e.Kind = KindGeneric
	}

	return e
}

var httpDateLayouts = []string{
	time.RFC1123,                     // "Mon, 02 Jan 2006 15:04:05 GMT"
	"Monday, 02-Jan-06 15:04:05 GMT",  // RFC 850
	time.ANSIC,                       // "Mon Jan  2 15:04:05 2006"
}

// ParseRetryAfter parses a Retry-After header, accepting either an integer
// delta in seconds or one of the three HTTP-date formats. A date in the past
// clamps to zero. Returns ok=false if the header is absent or unparsable.
func ParseRetryAfter(headers http.Header) (time.Duration, bool) {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		return time.Duration(seconds) * time.Second, true
	}
	for _, layout := range httpDateLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		t = t.UTC()
		now := time.Now().UTC()
		if !t.After(now) {
			return 0, true
		}
		return t.Sub(now), true
	}
	return 0, false
}
