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

package tracing

import (
	"net/http"
)

// HTTPMiddleware makes the inbound traceparent header current for the
// request, or starts a fresh trace when it is absent or malformed. The
// current traceparent is echoed on the response.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := FromHeader(r.Context(), r.Header.Get(HeaderTraceParent))
		if header, err := ToHeader(ctx); err == nil {
			w.Header().Set(HeaderTraceParent, header)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RoundTripper injects the current traceparent into outbound requests.
// Requests whose context carries no trace are sent unchanged.
type RoundTripper struct {
	base http.RoundTripper
}

// NewRoundTripper wraps base. A nil base uses http.DefaultTransport.
func NewRoundTripper(base http.RoundTripper) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	header, err := ToHeader(req.Context())
	if err != nil {
		return rt.base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set(HeaderTraceParent, header)
	return rt.base.RoundTrip(clone)
}

// StatusRecorder wraps http.ResponseWriter to capture the status code.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

// WriteHeader records code before delegating.
func (rw *StatusRecorder) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
