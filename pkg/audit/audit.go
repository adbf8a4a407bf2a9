// Package audit records the engine's mutating operations as structured JSON
// events: repository initialization, key rotations, trust-root resets, and
// child-document additions. The trail is advisory and lives outside the
// provenance chain.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventMutation EventType = "MUTATION"
	EventAccess   EventType = "ACCESS"
	EventSystem   EventType = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Trail records audit events.
type Trail interface {
	Record(eventType EventType, action, resource string, metadata map[string]interface{})
}

// trail writes one JSON line per event to a configurable writer.
type trail struct {
	mu    sync.Mutex
	w     io.Writer
	clock func() time.Time
}

// NewTrail creates a Trail writing to os.Stderr.
func NewTrail() Trail {
	return NewTrailWithWriter(os.Stderr)
}

// NewTrailWithWriter creates a Trail writing to w. Injection point for
// testing and custom sinks.
func NewTrailWithWriter(w io.Writer) Trail {
	if w == nil {
		w = os.Stderr
	}
	return &trail{w: w, clock: time.Now}
}

func (t *trail) Record(eventType EventType, action, resource string, metadata map[string]interface{}) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: t.clock().UTC(),
		Metadata:  metadata,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(append(data, '\n'))
}
