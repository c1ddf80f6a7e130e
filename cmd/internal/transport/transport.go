// Package transport translates HTTP exchanges and websocket connections into
// session operations and writes protocol frames back to the peer.
//
// Variants form a small closed set: polling (xhr, jsonp), streaming (xhr_streaming),
// socket (websocket, raw websocket), and placeholders for body-only transports.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"

	"github.com/coder/websocket"
)

// Kind names a transport variant. Values match the URL segment clients use.
type Kind string

const (
	KindXHR          Kind = "xhr"
	KindJSONP        Kind = "jsonp"
	KindXHRStreaming Kind = "xhr_streaming"
	KindWebSocket    Kind = "websocket"
	KindRawWebSocket Kind = "raw_websocket"
	KindHTMLFile     Kind = "htmlfile"
	KindEventSource  Kind = "eventsource"
)

// Action is the sub-operation requested within a transport.
type Action uint8

const (
	ActionPoll Action = iota + 1
	ActionSend
)

func (a Action) String() string {
	switch a {
	case ActionPoll:
		return "poll"
	case ActionSend:
		return "send"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsupportedMethod is returned for a method/action combination a transport does
	// not handle. It is fatal to the exchange only.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrUnsupportedTransport is returned for unknown or body-only transports.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrRateLimited is returned when a session exceeds its send budget.
	ErrRateLimited = errors.New("send rate exceeded")

	// ErrPayloadTooLarge is returned when a send body exceeds the frame limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrCallbackRequired is returned by jsonp polling without a valid callback.
	ErrCallbackRequired = errors.New(`"callback" parameter required`)
)

// Transport is the capability every variant implements.
type Transport interface {
	Kind() Kind

	// Accepts rejects an exchange the variant cannot serve, before any session is
	// looked up or created.
	Accepts(x *Exchange) error

	// Connect runs one exchange against s.
	Connect(x *Exchange, s *session.Session) error

	// WriteFrame writes one protocol frame to the peer of x.
	WriteFrame(x *Exchange, kind protocol.FrameKind, data string) error

	// Options answers a CORS preflight.
	Options(x *Exchange) error
}

// Exchange is one HTTP request/response cycle, or one accepted socket.
type Exchange struct {
	Request *http.Request
	Method  string
	Kind    Kind
	Action  Action

	resp *Response
	conn *websocket.Conn
}

// NewExchange wraps w and r for a transport of the given kind.
func NewExchange(w http.ResponseWriter, r *http.Request, kind Kind, action Action) *Exchange {
	return &Exchange{
		Request: r,
		Method:  r.Method,
		Kind:    kind,
		Action:  action,
		resp:    &Response{w: w},
	}
}

// Context returns the request context; it is canceled when the peer goes away.
func (x *Exchange) Context() context.Context {
	return x.Request.Context()
}

// Response returns the exchange's response writer.
func (x *Exchange) Response() *Response { return x.resp }

// Response writes one HTTP response. The Content-Length header is set at most once.
type Response struct {
	w         http.ResponseWriter
	status    int
	lengthSet bool
	written   int64
}

// Header returns the header map to be sent.
func (r *Response) Header() http.Header { return r.w.Header() }

// Started reports whether the status line has been written.
func (r *Response) Started() bool { return r.status != 0 }

// Written returns the number of body bytes written so far.
func (r *Response) Written() int64 { return r.written }

// Start writes the status line once. Later calls are no-ops.
func (r *Response) Start(status int) {
	if r.status != 0 {
		return
	}
	r.status = status
	r.w.WriteHeader(status)
}

// Empty finishes the response with status and no body.
func (r *Response) Empty(status int) {
	r.setLength(0)
	r.Start(status)
}

// Write writes data as the body, setting Content-Length if nothing set it before.
func (r *Response) Write(data string) error {
	r.setLength(len(data))
	r.Start(http.StatusOK)
	return r.write(data)
}

// WriteChunk writes data without a length and flushes it to the peer.
func (r *Response) WriteChunk(data string) error {
	r.Start(http.StatusOK)
	if err := r.write(data); err != nil {
		return err
	}
	return http.NewResponseController(r.w).Flush()
}

func (r *Response) write(data string) error {
	if data == "" {
		return nil
	}
	n, err := r.w.Write([]byte(data))
	r.written += int64(n)
	return err
}

func (r *Response) setLength(n int) {
	if r.lengthSet || r.status != 0 {
		return
	}
	if r.w.Header().Get("Content-Length") != "" {
		r.lengthSet = true
		return
	}
	r.w.Header().Set("Content-Length", strconv.Itoa(n))
	r.lengthSet = true
}

// Options configures the transport set.
type Options struct {
	// PollTimeout bounds one long-poll read.
	PollTimeout time.Duration

	// HeartbeatInterval is the idle gap after which streaming and socket peers get a heartbeat.
	HeartbeatInterval time.Duration

	// StreamLimit is the number of body bytes after which a streaming response ends.
	StreamLimit int64

	// MaxFrameBytes bounds one inbound send.
	MaxFrameBytes int64

	// WriteTimeout bounds one socket write.
	WriteTimeout time.Duration

	WebSocketEnabled bool
	AllowedOrigins   []string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PollTimeout:       5 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		StreamLimit:       128 << 10,
		MaxFrameBytes:     64 << 10,
		WriteTimeout:      5 * time.Second,
		WebSocketEnabled:  true,
		AllowedOrigins:    []string{"*"},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.StreamLimit <= 0 {
		o.StreamLimit = def.StreamLimit
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = def.MaxFrameBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	return o
}

// ---- shared header helpers ----

func setCORS(x *Exchange) {
	h := x.resp.Header()
	origin := x.Request.Header.Get("Origin")
	if origin == "" || origin == "null" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	}
}

func setNoCache(x *Exchange) {
	x.resp.Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
}

func writePreflight(x *Exchange, methods string) error {
	setCORS(x)
	h := x.resp.Header()
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", methods)
	h.Set("Access-Control-Max-Age", "3600")
	if req := x.Request.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	}
	return x.resp.Write("")
}
