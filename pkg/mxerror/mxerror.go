// Package mxerror contains the Matrix style errors returned by asmux HTTP endpoints
package mxerror

import (
	"encoding/json"
	"net/http"
)

// Error is a Matrix error response
type Error struct {
	Status  int    `json:"-"`
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

func (e Error) Error() string {
	return e.ErrCode + ": " + e.Message
}

// Write sends the error as JSON response
func (e Error) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// WithMessage returns a copy of e with a different message
func (e Error) WithMessage(message string) Error {
	e.Message = message
	return e
}

// Errors returned by asmux
var (
	MissingToken = Error{http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing access token"}
	UnknownToken = Error{http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token"}
	Forbidden    = Error{http.StatusForbidden, "M_FORBIDDEN", "Forbidden"}
	NotFound     = Error{http.StatusNotFound, "M_NOT_FOUND", "Not found"}
	NotJSON      = Error{http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON"}
	BadRequest   = Error{http.StatusBadRequest, "M_BAD_REQUEST", "Bad request"}
	Unknown      = Error{http.StatusInternalServerError, "M_UNKNOWN", "Internal server error"}

	ServerShuttingDown = Error{
		http.StatusServiceUnavailable, "M_SERVER_SHUTTING_DOWN", "The server is shutting down",
	}
	WebsocketNotEnabled = Error{
		http.StatusBadRequest, "FI.MAU.WEBSOCKET_NOT_ENABLED", "This appservice is not marked as websocket-enabled",
	}
	WebsocketNotConnected = Error{
		http.StatusBadGateway, "FI.MAU.WEBSOCKET_NOT_CONNECTED", "This appservice is not connected via websocket",
	}
	BadGateway = Error{
		http.StatusBadGateway, "M_UNKNOWN", "Failed to reach the homeserver",
	}
	BridgeTimeout = Error{
		http.StatusGatewayTimeout, "FI.MAU.BRIDGE_TIMEOUT", "Timed out waiting for the bridge to respond",
	}
	SyncProxyErrorNotSupported = Error{
		http.StatusBadRequest, "FI.MAU.SYNCPROXY_ERROR_NOT_SUPPORTED",
		"This appservice does not support sync proxy errors",
	}
)
