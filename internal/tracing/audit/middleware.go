// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tombee/auditflow/internal/tracing"
	"github.com/tombee/auditflow/pkg/observability"
)

// Middleware records a request.start and a request.end event for every
// request. The inbound traceparent header is adopted (or a trace started)
// before the handler runs, so events emitted by the handler share the
// request's trace. trustedProxies lists the addresses whose
// X-Forwarded-For header is believed.
func Middleware(a *Auditor, trustedProxies []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			action := r.Method + " " + r.URL.Path
			start := time.Now()

			a.Emit(ctx, observability.Event{
				Type:   observability.EventRequestStart,
				Agent:  "http",
				Action: action,
				Data: map[string]any{
					"method":     r.Method,
					"path":       r.URL.Path,
					"client_ip":  extractIPAddress(r, trustedProxies),
					"user_agent": r.UserAgent(),
				},
			})

			rec := &tracing.StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					a.Emit(ctx, requestEnd(action, http.StatusInternalServerError, start, fmt.Sprintf("panic: %v", p)))
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r)

			a.Emit(ctx, requestEnd(action, rec.StatusCode, start, ""))
		})
		return tracing.HTTPMiddleware(inner)
	}
}

func requestEnd(action string, code int, start time.Time, message string) observability.Event {
	e := observability.Event{
		Type:      observability.EventRequestEnd,
		Agent:     "http",
		Action:    action,
		Status:    determineStatus(code),
		LatencyMS: elapsedMS(start),
		Data:      map[string]any{"status_code": code},
	}
	if e.Status != observability.StatusOK {
		if message == "" {
			message = http.StatusText(code)
		}
		e.Error = &observability.ErrorDetail{
			Kind:        "http_status",
			Message:     message,
			Recoverable: code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout,
		}
	}
	return e
}

// determineStatus maps an HTTP status code to an event status. Client
// errors are the caller's outcome, not a failure of the request path.
func determineStatus(code int) observability.Status {
	switch {
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return observability.StatusTimeout
	case code >= 500:
		return observability.StatusError
	default:
		return observability.StatusOK
	}
}

// extractIPAddress gets the client IP address from the request.
// X-Forwarded-For and X-Real-IP are only honored when the direct peer is
// one of trustedProxies.
func extractIPAddress(r *http.Request, trustedProxies []string) string {
	remoteIP := r.RemoteAddr
	if idx := strings.LastIndex(remoteIP, ":"); idx != -1 {
		remoteIP = remoteIP[:idx]
	}

	if !slices.Contains(trustedProxies, remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// The first entry is the original client.
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return remoteIP
}
