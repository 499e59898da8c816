package events

import (
	"encoding/json"
	"fmt"
)

// SynchronousToKey is the transaction field, that lists the appservice IDs the homeserver
// wants to know the delivery results for
const SynchronousToKey = "com.beeper.asmux.synchronous_to"

var (
	ephemeralKeys   = []string{"ephemeral", "de.sorunome.msc2409.ephemeral"}
	otkCountKeys    = []string{"device_one_time_keys_count", "org.matrix.msc3202.device_one_time_keys_count"}
	deviceListsKeys = []string{"device_lists", "org.matrix.msc3202.device_lists"}
)

// Transaction is an appservice transaction as sent by the homeserver. Both stable and
// unstable (MSC2409/MSC3202) field names are accepted.
type Transaction struct {
	Events      []Event
	Ephemeral   []Event
	OTKCount    map[string]json.RawMessage
	DeviceLists DeviceLists
	Extra       map[string]json.RawMessage
}

// SynchronousTo returns the appservice IDs listed in com.beeper.asmux.synchronous_to
func (t *Transaction) SynchronousTo() []string {
	raw, ok := t.Extra[SynchronousToKey]
	if !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*t = Transaction{Extra: map[string]json.RawMessage{}}
	if raw, ok := fields["events"]; ok {
		if err := json.Unmarshal(raw, &t.Events); err != nil {
			return fmt.Errorf("invalid events: %w", err)
		}
	}
	delete(fields, "events")
	if err := pickFirst(fields, ephemeralKeys, &t.Ephemeral); err != nil {
		return fmt.Errorf("invalid ephemeral events: %w", err)
	}
	if err := pickFirst(fields, otkCountKeys, &t.OTKCount); err != nil {
		return fmt.Errorf("invalid one-time key counts: %w", err)
	}
	if err := pickFirst(fields, deviceListsKeys, &t.DeviceLists); err != nil {
		return fmt.Errorf("invalid device lists: %w", err)
	}
	for key, value := range fields {
		t.Extra[key] = value
	}
	return nil
}

func pickFirst(fields map[string]json.RawMessage, keys []string, target any) error {
	var found json.RawMessage
	for _, key := range keys {
		if raw, ok := fields[key]; ok {
			if found == nil {
				found = raw
			}
			delete(fields, key)
		}
	}
	if found == nil || string(found) == "null" {
		return nil
	}
	return json.Unmarshal(found, target)
}
