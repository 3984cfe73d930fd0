package adapter

import (
	"net/http"
)

// sessionIDHeader is the streamable HTTP transport's session header.
const sessionIDHeader = "Mcp-Session-Id"

// RequestClass tags what kind of MCP request hit the server. Classification
// happens before any protocol handling so that malformed traffic is rejected
// with a stable error instead of falling through transport internals.
type RequestClass int

const (
	// ClassMalformed means the request fits no valid protocol shape.
	ClassMalformed RequestClass = iota

	// ClassStreamInit opens a new connection: GET /sse, or an initialize
	// POST without a session header to /mcp (or to /sse, where streamable
	// clients may fall back).
	ClassStreamInit

	// ClassStreamContinuation continues a streamable HTTP session
	// identified by the Mcp-Session-Id header.
	ClassStreamContinuation

	// ClassLegacyMessage is a POST /message?sessionId= on the legacy
	// SSE transport.
	ClassLegacyMessage
)

func (c RequestClass) String() string {
	switch c {
	case ClassStreamInit:
		return "stream_init"
	case ClassStreamContinuation:
		return "stream_continuation"
	case ClassLegacyMessage:
		return "legacy_message"
	default:
		return "malformed"
	}
}

// RequestInfo is the tagged result of classifying a request.
type RequestInfo struct {
	Class RequestClass

	// SessionID is set for ClassLegacyMessage and ClassStreamContinuation.
	SessionID string

	// Protocol the request belongs to (unset for ClassMalformed).
	Protocol Protocol

	// Reason describes why a request is malformed.
	Reason string
}

// ClassifyRequest decides what protocol shape a request has. Every request
// to /sse, /message, or /mcp lands in exactly one class.
func ClassifyRequest(r *http.Request) RequestInfo {
	switch r.URL.Path {
	case "/sse":
		switch r.Method {
		case http.MethodGet:
			return RequestInfo{Class: ClassStreamInit, Protocol: ProtocolSSE}
		case http.MethodPost:
			// Streamable HTTP clients may fall back to the legacy path;
			// the session header disambiguates, same as on /mcp.
			sessionID := r.Header.Get(sessionIDHeader)
			if sessionID == "" {
				return RequestInfo{Class: ClassStreamInit, Protocol: ProtocolStreamable}
			}
			if err := ValidateSessionID(sessionID); err != nil {
				return RequestInfo{Class: ClassMalformed, Reason: err.Error()}
			}
			return RequestInfo{Class: ClassStreamContinuation, SessionID: sessionID, Protocol: ProtocolStreamable}
		default:
			return RequestInfo{Class: ClassMalformed, Reason: "SSE endpoint only accepts GET or POST"}
		}

	case "/message":
		if r.Method != http.MethodPost {
			return RequestInfo{Class: ClassMalformed, Reason: "message endpoint only accepts POST"}
		}
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			return RequestInfo{Class: ClassMalformed, Reason: "missing sessionId query parameter"}
		}
		if err := ValidateSessionID(sessionID); err != nil {
			return RequestInfo{Class: ClassMalformed, Reason: err.Error()}
		}
		return RequestInfo{Class: ClassLegacyMessage, SessionID: sessionID, Protocol: ProtocolSSE}

	case "/mcp":
		sessionID := r.Header.Get(sessionIDHeader)
		if sessionID != "" {
			if err := ValidateSessionID(sessionID); err != nil {
				return RequestInfo{Class: ClassMalformed, Reason: err.Error()}
			}
			return RequestInfo{Class: ClassStreamContinuation, SessionID: sessionID, Protocol: ProtocolStreamable}
		}
		// Without a session header only an initialize POST is valid;
		// a GET listener or DELETE cannot refer to a session it never named.
		if r.Method != http.MethodPost {
			return RequestInfo{Class: ClassMalformed, Reason: "missing " + sessionIDHeader + " header"}
		}
		return RequestInfo{Class: ClassStreamInit, Protocol: ProtocolStreamable}

	default:
		return RequestInfo{Class: ClassMalformed, Reason: "unknown endpoint " + r.URL.Path}
	}
}
