package bridgestate

import "github.com/beeper/asmux/pkg/events"

// Checkpoint steps, statuses and reporters
const (
	StepBridge = "BRIDGE"

	StatusTimeout = "TIMEOUT"

	ReportedByASMux = "ASMUX"
)

// MessageSendCheckpoint tracks the delivery of a single event
type MessageSendCheckpoint struct {
	EventID     string `json:"event_id"`
	RoomID      string `json:"room_id"`
	Step        string `json:"step"`
	Timestamp   int64  `json:"timestamp"`
	Status      string `json:"status"`
	EventType   string `json:"event_type"`
	ReportedBy  string `json:"reported_by"`
	RetryNum    int    `json:"retry_num"`
	MessageType string `json:"message_type,omitempty"`
	Info        string `json:"info,omitempty"`
}

// Checkpoints is the payload of the checkpoint endpoint
type Checkpoints struct {
	Checkpoints []MessageSendCheckpoint `json:"checkpoints"`
}

// ExpiredCheckpoints reports events that were dropped from the queue without being delivered
func ExpiredCheckpoints(expired []events.Event) Checkpoints {
	timestamp := now().UnixMilli()
	checkpoints := make([]MessageSendCheckpoint, 0, len(expired))
	for _, evt := range expired {
		msgType := ""
		if content, ok := evt["content"].(map[string]any); ok {
			msgType, _ = content["msgtype"].(string)
		}
		checkpoints = append(checkpoints, MessageSendCheckpoint{
			EventID:     evt.EventID(),
			RoomID:      evt.RoomID(),
			Step:        StepBridge,
			Timestamp:   timestamp,
			Status:      StatusTimeout,
			EventType:   evt.Type(),
			ReportedBy:  ReportedByASMux,
			MessageType: msgType,
			Info:        "dropped old event",
		})
	}
	return Checkpoints{Checkpoints: checkpoints}
}
