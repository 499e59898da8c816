package events

import (
	"encoding/json"
	"time"
)

// Events is the part of a homeserver transaction, that is addressed to a single bridge.
// The JSON encoding of Events is the one used for queueing, the wire format sent to bridges
// is produced by Serialize.
type Events struct {
	TxnID       string                     `json:"txn_id"`
	PDU         []Event                    `json:"pdu,omitempty"`
	EDU         []Event                    `json:"edu,omitempty"`
	Types       []string                   `json:"types,omitempty"`
	OTKCount    map[string]json.RawMessage `json:"otk_count,omitempty"`
	DeviceLists DeviceLists                `json:"device_lists"`
}

// New creates an empty Events for given transaction ID
func New(txnID string) *Events {
	return &Events{
		TxnID:    txnID,
		OTKCount: map[string]json.RawMessage{},
	}
}

// AddPDU appends a persistent event
func (e *Events) AddPDU(evt Event) {
	e.PDU = append(e.PDU, evt)
	e.Types = append(e.Types, evt.Type())
}

// AddEDU appends an ephemeral event
func (e *Events) AddEDU(evt Event) {
	e.EDU = append(e.EDU, evt)
	e.Types = append(e.Types, evt.Type())
}

// SetOTKCount sets the one-time key counts of a bridge user
func (e *Events) SetOTKCount(userID string, count json.RawMessage) {
	if e.OTKCount == nil {
		e.OTKCount = map[string]json.RawMessage{}
	}
	e.OTKCount[userID] = count
}

// IsEmpty returns true if there is nothing to deliver
func (e *Events) IsEmpty() bool {
	return len(e.PDU) == 0 && len(e.EDU) == 0 && len(e.OTKCount) == 0 && e.DeviceLists.IsEmpty()
}

// Serialize produces the appservice transaction body expected by bridges
func (e *Events) Serialize() map[string]any {
	pdu := e.PDU
	if pdu == nil {
		pdu = []Event{}
	}
	output := map[string]any{
		"events": pdu,
	}
	if len(e.EDU) > 0 {
		output["ephemeral"] = e.EDU
	}
	if len(e.OTKCount) > 0 {
		output["device_one_time_keys_count"] = e.OTKCount
	}
	if !e.DeviceLists.IsEmpty() {
		output["device_lists"] = e.DeviceLists
	}
	return output
}

// Merge appends other into e. Transaction IDs are joined with commas, one-time key counts
// of the newer transaction win and device lists are unioned.
func (e *Events) Merge(other *Events) {
	if e.TxnID == "" {
		e.TxnID = other.TxnID
	} else if other.TxnID != "" {
		e.TxnID = e.TxnID + "," + other.TxnID
	}
	e.Types = append(e.Types, other.Types...)
	e.PDU = append(e.PDU, other.PDU...)
	e.EDU = append(e.EDU, other.EDU...)
	for userID, count := range other.OTKCount {
		e.SetOTKCount(userID, count)
	}
	e.DeviceLists.Union(other.DeviceLists)
}

// PopExpiredPDU removes PDUs sent by ownerMXID that are older than maxAge and returns them.
// Only the owner's own events are dropped, since those are the ones a message send
// checkpoint has to be reported for.
func (e *Events) PopExpiredPDU(ownerMXID string, maxAge time.Duration, now time.Time) []Event {
	var expired []Event
	kept := make([]Event, 0, len(e.PDU))
	expiredTypes := map[string]int{}
	for _, evt := range e.PDU {
		ts, hasTS := evt.Timestamp()
		if hasTS && evt.Sender() == ownerMXID && now.Sub(ts) > maxAge {
			expired = append(expired, evt)
			expiredTypes[evt.Type()]++
			continue
		}
		kept = append(kept, evt)
	}
	if len(expired) == 0 {
		return nil
	}
	e.PDU = kept
	types := make([]string, 0, len(e.Types))
	for _, evtType := range e.Types {
		if expiredTypes[evtType] > 0 {
			expiredTypes[evtType]--
			continue
		}
		types = append(types, evtType)
	}
	e.Types = types
	return expired
}
