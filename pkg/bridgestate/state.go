// Package bridgestate models bridge state and message send checkpoint reports, and forwards
// them to the API server.
package bridgestate

import (
	"encoding/json"
	"time"
)

// StateEvent is the kind of a bridge state
type StateEvent string

// Known state events
const (
	StateStarting            StateEvent = "STARTING"
	StateUnconfigured        StateEvent = "UNCONFIGURED"
	StateRunning             StateEvent = "RUNNING"
	StateBridgeUnreachable   StateEvent = "BRIDGE_UNREACHABLE"
	StateConnecting          StateEvent = "CONNECTING"
	StateBackfilling         StateEvent = "BACKFILLING"
	StateConnected           StateEvent = "CONNECTED"
	StateTransientDisconnect StateEvent = "TRANSIENT_DISCONNECT"
	StateBadCredentials      StateEvent = "BAD_CREDENTIALS"
	StateUnknownError        StateEvent = "UNKNOWN_ERROR"
	StateLoggedOut           StateEvent = "LOGGED_OUT"
)

// BridgeState is a single state report
type BridgeState struct {
	StateEvent StateEvent     `json:"state_event"`
	Timestamp  int64          `json:"timestamp"`
	TTL        int            `json:"ttl"`
	Source     string         `json:"source,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"message,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	RemoteID   string         `json:"remote_id,omitempty"`
	RemoteName string         `json:"remote_name,omitempty"`
	Info       map[string]any `json:"info,omitempty"`
}

// GlobalState is the answer to a ping: the state of the bridge itself and of every remote
// network login
type GlobalState struct {
	RemoteStates map[string]BridgeState `json:"remoteState"`
	BridgeState  BridgeState            `json:"bridgeState"`
}

const (
	pingErrorSource = "asmux"
	pingErrorTTL    = 3600
)

var now = time.Now

// MakePingError is the state reported when a bridge could not be pinged
func MakePingError(errcode, message string) GlobalState {
	return GlobalState{
		BridgeState: BridgeState{
			StateEvent: StateBridgeUnreachable,
			Timestamp:  now().Unix(),
			TTL:        pingErrorTTL,
			Source:     pingErrorSource,
			Error:      errcode,
			Message:    message,
		},
	}
}

// migrateState converts the legacy {"ok": bool} format to a state event
func migrateState(state map[string]any) map[string]any {
	ok, isLegacy := state["ok"].(bool)
	if !isLegacy {
		return state
	}
	delete(state, "ok")
	if _, hasEvent := state["state_event"]; !hasEvent {
		if ok {
			state["state_event"] = string(StateConnected)
		} else {
			state["state_event"] = string(StateUnknownError)
		}
	}
	return state
}

// MigrateStateData parses a state payload sent by a bridge, upgrading legacy payloads.
// A global payload without a bridgeState key is the bridge state itself.
func MigrateStateData(raw json.RawMessage) (GlobalState, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return GlobalState{}, err
	}
	bridgeState, isWrapped := data["bridgeState"].(map[string]any)
	if !isWrapped {
		bridgeState = data
		data = map[string]any{"bridgeState": bridgeState}
	}
	data["bridgeState"] = migrateState(bridgeState)
	if remoteStates, ok := data["remoteState"].(map[string]any); ok {
		for remoteID, remote := range remoteStates {
			if remoteState, isObject := remote.(map[string]any); isObject {
				remoteStates[remoteID] = migrateState(remoteState)
			}
		}
	}
	migrated, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return GlobalState{}, marshalErr
	}
	var state GlobalState
	if err := json.Unmarshal(migrated, &state); err != nil {
		return GlobalState{}, err
	}
	return state, nil
}

// MigrateRemoteState parses a single remote state pushed by a bridge
func MigrateRemoteState(raw json.RawMessage) (BridgeState, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return BridgeState{}, err
	}
	migrated, marshalErr := json.Marshal(migrateState(data))
	if marshalErr != nil {
		return BridgeState{}, marshalErr
	}
	var state BridgeState
	if err := json.Unmarshal(migrated, &state); err != nil {
		return BridgeState{}, err
	}
	if state.Timestamp == 0 {
		state.Timestamp = now().Unix()
	}
	if state.TTL == 0 {
		state.TTL = 60
	}
	return state, nil
}
