// Package protocol defines the SockJS wire framing: single-character frame markers,
// close payloads, and the JSON array codec for message batches.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FrameKind enumerates the four frame types of the wire protocol.
type FrameKind uint8

const (
	FrameOpen FrameKind = iota + 1
	FrameClose
	FrameHeartbeat
	FrameMessage
)

// Wire markers. Every frame starts with exactly one of these bytes.
const (
	MarkerOpen      = "o"
	MarkerClose     = "c"
	MarkerHeartbeat = "h"
	MarkerMessage   = "a"
)

// Close codes carried by close frames.
const (
	CloseGoAway            = 3000
	CloseAnotherConnection = 2010
	CloseInterrupted       = 1002
)

// Marker returns the wire marker for k.
func (k FrameKind) Marker() string {
	switch k {
	case FrameOpen:
		return MarkerOpen
	case FrameClose:
		return MarkerClose
	case FrameHeartbeat:
		return MarkerHeartbeat
	case FrameMessage:
		return MarkerMessage
	default:
		return ""
	}
}

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameMessage:
		return "message"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Frame renders one frame. For OPEN and HEARTBEAT data is ignored. For CLOSE an optional
// payload (see ClosePayload) follows the marker. For MESSAGE data must already be the
// encoded JSON array text; a trailing newline is appended.
func Frame(k FrameKind, data string) (string, error) {
	switch k {
	case FrameOpen, FrameHeartbeat:
		return k.Marker(), nil
	case FrameClose:
		if data == "" {
			return MarkerClose, nil
		}
		return MarkerClose + data + "\n", nil
	case FrameMessage:
		if !looksLikeArray(data) {
			return "", fmt.Errorf("protocol: message frame needs a JSON array, got %q", truncate(data, 32))
		}
		return MarkerMessage + data + "\n", nil
	default:
		return "", fmt.Errorf("protocol: unknown frame kind %d", k)
	}
}

// ClosePayload renders the `[code,"reason"]` body of a close frame.
func ClosePayload(code int, reason string) string {
	r, _ := json.Marshal(reason)
	return "[" + strconv.Itoa(code) + "," + string(r) + "]"
}

func looksLikeArray(s string) bool {
	return len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
