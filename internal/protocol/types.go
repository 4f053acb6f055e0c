// Package protocol defines the messages exchanged between the pool and its worker processes.
//
// The boundary is newline-delimited JSON: the parent writes Task messages to the worker's stdin and
// the worker answers on stdout. Every value crossing the boundary is copied by serialization.
package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol revision understood by both sides.
const Version = 1

// Kind identifies a worker-to-parent message.
type Kind string

// Worker message kinds.
const (
	// KindReady is sent once after the worker loaded its handler.
	KindReady Kind = "ready"
	// KindStartupError is sent instead of KindReady when the handler cannot be loaded.
	KindStartupError Kind = "startup_error"
	// KindResult carries a handler return value. A null Result means "no result".
	KindResult Kind = "result"
	// KindFailure carries a handler failure description.
	KindFailure Kind = "failure"
)

// Task is sent by the parent to ask a worker to run its handler once.
type Task struct {
	Protocol   int               `json:"protocol"`
	TaskID     string            `json:"task_id"`
	Args       []json.RawMessage `json:"args"`
	DeadlineAt *time.Time        `json:"deadline_at,omitempty"`
}

// Message is sent by a worker to the parent.
type Message struct {
	Protocol int             `json:"protocol"`
	Kind     Kind            `json:"kind"`
	TaskID   string          `json:"task_id,omitempty"`
	Handler  string          `json:"handler,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IsEmptyResult reports whether a result message carries no value.
func (m *Message) IsEmptyResult() bool {
	return m.Kind == KindResult && IsNull(m.Result)
}

// IsNull reports whether raw is absent or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	return string(raw) == "null"
}
