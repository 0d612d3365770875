// Package op defines the queued operation model shared by the store,
// the sync orchestrator, and clients.
//
// An Operation is a state-changing request captured while the network was
// unavailable (or deliberately deferred). Operations are flat structs with
// last-write-wins semantics: only the orchestrator mutates Attempts, so
// concurrent writers never race on the same field.
package op

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultAttemptLimit is applied when an operation is enqueued without an
// explicit limit.
const DefaultAttemptLimit = 5

// Priority orders replay: lower ordinals drain first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the canonical lowercase name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the canonical names or their ordinals.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "0":
		return PriorityCritical, nil
	case "high", "1":
		return PriorityHigh, nil
	case "normal", "2", "":
		return PriorityNormal, nil
	case "low", "3":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Method is the logical verb of a queued operation.
type Method string

const (
	MethodCreate Method = "CREATE"
	MethodUpdate Method = "UPDATE"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// HTTPVerb maps the logical method to the HTTP verb used at replay time.
func (m Method) HTTPVerb() (string, error) {
	switch m {
	case MethodCreate:
		return "POST", nil
	case MethodUpdate:
		return "PUT", nil
	case MethodPatch:
		return "PATCH", nil
	case MethodDelete:
		return "DELETE", nil
	}
	return "", fmt.Errorf("unknown method %q", string(m))
}

// Operation is a single pending request in the durable queue.
type Operation struct {
	ID     string `json:"id"`
	Method Method `json:"method"`
	Target string `json:"target"`

	// Payload is the opaque serialized request body, nil when absent.
	Payload []byte `json:"payload,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Priority   Priority  `json:"priority"`

	// Attempts is incremented only by the orchestrator, and only after a
	// terminal response (success or failure) is observed. It never exceeds
	// AttemptLimit while the operation is resident in the active queue.
	Attempts     int `json:"attempts"`
	AttemptLimit int `json:"attempt_limit"`
}

// Failed is an operation that exhausted its attempt limit and was moved
// out of the active queue. The two stores are disjoint; an id appears in
// at most one of them.
type Failed struct {
	Operation

	TerminalError string    `json:"terminal_error"`
	FailedAt      time.Time `json:"failed_at"`
}

// Validate checks the preconditions for enqueueing. A validation failure
// fails the enqueue call itself; nothing is queued.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.Method == "" {
		return fmt.Errorf("method is required")
	}
	if _, err := o.Method.HTTPVerb(); err != nil {
		return err
	}
	if o.Target == "" {
		return fmt.Errorf("target is required")
	}
	if o.Priority < PriorityCritical || o.Priority > PriorityLow {
		return fmt.Errorf("priority must be between %d and %d (got %d)",
			PriorityCritical, PriorityLow, o.Priority)
	}
	if o.AttemptLimit <= 0 {
		return fmt.Errorf("attempt limit must be positive (got %d)", o.AttemptLimit)
	}
	if o.Attempts < 0 || o.Attempts > o.AttemptLimit {
		return fmt.Errorf("attempts %d out of range [0, %d]", o.Attempts, o.AttemptLimit)
	}
	if o.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	return nil
}

// SetDefaults fills optional fields so partially built operations can be
// enqueued directly.
func (o *Operation) SetDefaults() {
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.EnqueuedAt.IsZero() {
		o.EnqueuedAt = time.Now().UTC()
	}
	if o.AttemptLimit == 0 {
		o.AttemptLimit = DefaultAttemptLimit
	}
}

// NewID returns an opaque operation id: a base-36 nanosecond timestamp plus
// a random suffix. The timestamp prefix keeps ids monotonic enough for FIFO
// tie-breaks within a priority class; the suffix keeps them unique across
// contexts enqueueing in the same instant.
func NewID() string {
	ts := strconv.FormatInt(time.Now().UTC().UnixNano(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return ts + "-" + suffix
}
