package runtime

import (
	"context"
	"iter"
)

// MockRuntime is a scriptable AgentRuntime for orchestrator tests. It is
// never constructed by production wiring (cmd/agentcore), only by _test.go
// files across packages that need a fake agent runtime.
type MockRuntime struct {
	// Script is the canned event sequence returned by every Run call,
	// unless PerRequest is set for that session.
	Script []ScriptedEvent
	// PerRequest overrides Script for a specific session id.
	PerRequest map[string][]ScriptedEvent
	// Calls records every RunRequest the runtime received, in order.
	Calls []RunRequest
}

// ScriptedEvent pairs an event with an error, so a script can simulate a
// runtime failure mid-stream.
type ScriptedEvent struct {
	Event *Event
	Err   error
}

func NewMock() *MockRuntime {
	return &MockRuntime{PerRequest: map[string][]ScriptedEvent{}}
}

func (m *MockRuntime) Run(ctx context.Context, req RunRequest) iter.Seq2[*Event, error] {
	m.Calls = append(m.Calls, req)
	script := m.Script
	if s, ok := m.PerRequest[req.SessionID]; ok {
		script = s
	}

	return func(yield func(*Event, error) bool) {
		for _, se := range script {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !yield(se.Event, se.Err) {
				return
			}
			if se.Err != nil {
				return
			}
		}
	}
}
