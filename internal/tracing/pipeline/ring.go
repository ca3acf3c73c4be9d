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

package pipeline

import "github.com/tombee/auditflow/pkg/observability"

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// It is not safe for concurrent use; the Pipeline guards it with its mutex.
type ring struct {
	buf  []observability.Event
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]observability.Event, capacity)}
}

// push appends e. It reports true when the oldest element was evicted to
// make room.
func (r *ring) push(e observability.Event) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
	return false
}

// pop removes and returns the oldest element.
func (r *ring) pop() (observability.Event, bool) {
	if r.size == 0 {
		return observability.Event{}, false
	}
	e := r.buf[r.head]
	r.buf[r.head] = observability.Event{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return e, true
}

// drain empties the ring and returns how many elements were removed.
func (r *ring) drain() int {
	n := r.size
	for r.size > 0 {
		r.pop()
	}
	r.head = 0
	return n
}

func (r *ring) len() int {
	return r.size
}
