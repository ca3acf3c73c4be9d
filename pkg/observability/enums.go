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

import "fmt"

// EventType categorizes an audit event. The set is closed.
type EventType string

const (
	EventRequestStart     EventType = "request.start"
	EventRequestEnd       EventType = "request.end"
	EventAgentRoute       EventType = "agent.route"
	EventAgentDecision    EventType = "agent.decision"
	EventAgentRetry       EventType = "agent.retry"
	EventAgentFallback    EventType = "agent.fallback"
	EventLLMInvoke        EventType = "llm.invoke"
	EventLLMError         EventType = "llm.error"
	EventToolCall         EventType = "tool.call"
	EventToolResult       EventType = "tool.result"
	EventToolError        EventType = "tool.error"
	EventNLPExtract       EventType = "nlp.extract"
	EventCacheHit         EventType = "cache.hit"
	EventCacheMiss        EventType = "cache.miss"
	EventAPICall          EventType = "api.call"
	EventStorageWrite     EventType = "storage.write"
	EventNotificationSend EventType = "notification.send"
	EventDataSerialize    EventType = "data.serialize"
	EventPromptEfficiency EventType = "prompt.efficiency"
)

// EventTypes lists every known event type in declaration order.
var EventTypes = []EventType{
	EventRequestStart, EventRequestEnd,
	EventAgentRoute, EventAgentDecision, EventAgentRetry, EventAgentFallback,
	EventLLMInvoke, EventLLMError,
	EventToolCall, EventToolResult, EventToolError,
	EventNLPExtract,
	EventCacheHit, EventCacheMiss,
	EventAPICall, EventStorageWrite, EventNotificationSend,
	EventDataSerialize, EventPromptEfficiency,
}

var eventTypeSet = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(EventTypes))
	for _, t := range EventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypeSet[t]
	return ok
}

// ErrorType returns the failure counterpart of t: tool.call and tool.result
// become tool.error, llm.invoke becomes llm.error. Other types are unchanged.
func (t EventType) ErrorType() EventType {
	switch t {
	case EventToolCall, EventToolResult:
		return EventToolError
	case EventLLMInvoke:
		return EventLLMError
	}
	return t
}

// ParseEventType validates s against the closed set.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Status is the outcome recorded on an event.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusRetry   Status = "retry"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusError, StatusTimeout, StatusRetry:
		return true
	}
	return false
}
