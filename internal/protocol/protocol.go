// Package protocol defines the typed message envelope exchanged between
// the background agent and its connected clients.
//
// The message set is closed: dispatchers switch exhaustively over the
// known types and reject anything else, rather than routing on free-form
// strings.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a message envelope.
type MessageType string

// Agent → client broadcasts.
const (
	TypeSyncStarted   MessageType = "SYNC_STARTED"
	TypeSyncCompleted MessageType = "SYNC_COMPLETED"
	TypeSyncFailed    MessageType = "SYNC_FAILED"
)

// Client → agent requests.
const (
	TypeSkipWaiting MessageType = "SKIP_WAITING"
	TypeClearCache  MessageType = "CLEAR_CACHE"
	TypeSyncNow     MessageType = "SYNC_NOW"
)

// Known reports whether t belongs to the closed message set.
func Known(t MessageType) bool {
	switch t {
	case TypeSyncStarted, TypeSyncCompleted, TypeSyncFailed,
		TypeSkipWaiting, TypeClearCache, TypeSyncNow:
		return true
	}
	return false
}

// Message is the wire envelope. Data carries the type-specific payload.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncStartedData announces a drain pass beginning for a tag.
type SyncStartedData struct {
	Tag string `json:"tag"`
}

// SyncCompletedData is the aggregate summary emitted at pass end,
// regardless of outcome.
type SyncCompletedData struct {
	Tag        string `json:"tag"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Exhausted  int    `json:"exhausted"`
	Remaining  int    `json:"remaining"`
	DurationMS int64  `json:"duration_ms"`
}

// SyncFailedData reports a pass that could not run at all.
type SyncFailedData struct {
	Tag    string `json:"tag"`
	Reason string `json:"reason"`
}

// SyncNowData asks the agent to trigger a drain for a tag. An empty tag
// means the default drain tag.
type SyncNowData struct {
	Tag string `json:"tag,omitempty"`
}

// Encode builds an envelope from a typed payload. A nil payload produces
// an envelope with no data, which SKIP_WAITING and CLEAR_CACHE use.
func Encode(t MessageType, payload any) (Message, error) {
	if !Known(t) {
		return Message{}, fmt.Errorf("unknown message type %q", string(t))
	}

	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode parses a wire envelope and rejects types outside the closed set.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	if !Known(msg.Type) {
		return Message{}, fmt.Errorf("unknown message type %q", string(msg.Type))
	}
	return msg, nil
}

// DecodePayload extracts the typed payload from an envelope. A message
// with no data yields the zero value.
func DecodePayload[T any](msg Message) (T, error) {
	var payload T
	if len(msg.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return payload, fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
	}
	return payload, nil
}
