// Package events contains the data passed from the homeserver to bridges: raw events, incoming
// appservice transactions and the per-bridge slices of them that asmux delivers.
package events

import (
	"encoding/json"
	"time"
)

// Event is a raw Matrix event. All fields are preserved, so the event can be forwarded
// to bridges exactly as it was received from the homeserver.
type Event map[string]any

func (e Event) str(key string) string {
	if value, ok := e[key].(string); ok {
		return value
	}
	return ""
}

// Type returns the event type, or an empty string
func (e Event) Type() string {
	return e.str("type")
}

// RoomID returns the room the event was sent to, or an empty string for events without a room
func (e Event) RoomID() string {
	return e.str("room_id")
}

// EventID returns the ID of the event
func (e Event) EventID() string {
	return e.str("event_id")
}

// Sender returns the MXID of the user who sent the event
func (e Event) Sender() string {
	return e.str("sender")
}

// StateKey returns the state key and whether the event has one at all
func (e Event) StateKey() (string, bool) {
	value, ok := e["state_key"].(string)
	return value, ok
}

// Timestamp returns origin_server_ts of the event
func (e Event) Timestamp() (time.Time, bool) {
	var millis int64
	switch ts := e["origin_server_ts"].(type) {
	case float64:
		millis = int64(ts)
	case int64:
		millis = ts
	case int:
		millis = int64(ts)
	case json.Number:
		parsed, err := ts.Int64()
		if err != nil {
			return time.Time{}, false
		}
		millis = parsed
	default:
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// DeviceLists holds device list changes of users, that bridges use for end-to-bridge encryption
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// IsEmpty returns true if there are no changes in either of the lists
func (d DeviceLists) IsEmpty() bool {
	return len(d.Changed) == 0 && len(d.Left) == 0
}

// Union merges the other device lists into this one, without duplicates
func (d *DeviceLists) Union(other DeviceLists) {
	d.Changed = union(d.Changed, other.Changed)
	d.Left = union(d.Left, other.Left)
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	result := make([]string, 0, len(a)+len(b))
	for _, item := range append(append([]string{}, a...), b...) {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	return result
}
