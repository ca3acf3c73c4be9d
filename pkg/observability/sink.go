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

package observability

import "context"

// Sink is a destination for audit events. The pipeline calls Export from a
// single consumer goroutine, in arrival order. Export may be called
// concurrently with Start and Close, so implementations guard their own
// lifecycle state. Errors and panics from a sink are contained by the
// pipeline and never reach producers.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Start acquires resources. Called once before the first Export.
	Start(ctx context.Context) error

	// Export delivers one event.
	Export(ctx context.Context, e Event) error

	// Close flushes buffered events and releases resources.
	// Calling Close multiple times is safe.
	Close(ctx context.Context) error
}

// Emitter is the producer-side interface satisfied by the audit facade.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}
