package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sockjs/cmd/internal/metrics"
	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"
)

const greeting = "Welcome to SockJS!\n"

type route struct {
	kind   Kind
	action Action
}

// routes maps the last path segment of a session URL to its transport and action.
var routes = map[string]route{
	"xhr":           {kind: KindXHR, action: ActionPoll},
	"xhr_send":      {kind: KindXHR, action: ActionSend},
	"jsonp":         {kind: KindJSONP, action: ActionPoll},
	"jsonp_send":    {kind: KindJSONP, action: ActionSend},
	"xhr_streaming": {kind: KindXHRStreaming, action: ActionPoll},
	"websocket":     {kind: KindWebSocket, action: ActionPoll},
	"htmlfile":      {kind: KindHTMLFile, action: ActionPoll},
	"eventsource":   {kind: KindEventSource, action: ActionPoll},
}

// Handler mounts the protocol endpoints under a prefix:
//
//	GET  {prefix}                                  greeting
//	GET  {prefix}/info                             server capabilities
//	GET  {prefix}/websocket                        raw websocket
//	*    {prefix}/{server}/{session}/{transport}   session exchanges
type Handler struct {
	log        *slog.Logger
	registry   *session.Registry
	dispatcher *Dispatcher
	opts       Options
	mux        *http.ServeMux
}

// NewHandler wires every transport variant behind one Dispatcher.
func NewHandler(log *slog.Logger, prefix string, registry *session.Registry, m *metrics.Metrics, opts Options) *Handler {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	h := &Handler{
		log:      log,
		registry: registry,
		opts:     opts,
		mux:      http.NewServeMux(),
		dispatcher: NewDispatcher(log, registry,
			NewXHRPolling(log, m, opts),
			NewJSONPolling(log, m, opts),
			NewStreaming(log, m, opts),
			NewSocket(log, m, opts),
			NewRawSocket(log, m, opts),
			NewPlaceholder(KindHTMLFile),
			NewPlaceholder(KindEventSource),
		),
	}

	prefix = CleanPrefix(prefix)
	if prefix != "" {
		h.mux.HandleFunc("GET "+prefix, h.serveGreeting)
	}
	h.mux.HandleFunc("GET "+prefix+"/{$}", h.serveGreeting)
	h.mux.HandleFunc("GET "+prefix+"/info", h.serveInfo)
	h.mux.HandleFunc("OPTIONS "+prefix+"/info", h.serveInfoOptions)
	h.mux.HandleFunc(prefix+"/websocket", h.serveRawSocket)
	h.mux.HandleFunc(prefix+"/{server}/{session}/{transport}", h.serveSession)

	return h
}

// CleanPrefix normalizes a mount prefix to "" or "/name" without a trailing slash.
func CleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}

// Dispatcher returns the dispatcher behind the handler.
func (h *Handler) Dispatcher() *Dispatcher { return h.dispatcher }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveSession(w http.ResponseWriter, r *http.Request) {
	server, id, name := r.PathValue("server"), r.PathValue("session"), r.PathValue("transport")
	rt, ok := routes[name]
	if !ok || !validSegment(server) || !validSegment(id) {
		http.NotFound(w, r)
		return
	}

	x := NewExchange(w, r, rt.kind, rt.action)
	h.finish(x, id, h.dispatcher.Dispatch(id, x))
}

func (h *Handler) serveRawSocket(w http.ResponseWriter, r *http.Request) {
	id, err := session.NewID(time.Now().UTC())
	if err != nil {
		h.log.Error("ws.raw.id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	x := NewExchange(w, r, KindRawWebSocket, ActionPoll)
	err = h.dispatcher.Dispatch(id, x)

	// A server-named session cannot be resumed once its socket is gone.
	if s, ok := h.registry.Get(id); ok {
		s.Close()
	}
	h.finish(x, id, err)
}

type infoResponse struct {
	WebSocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      uint32   `json:"entropy"`
}

func (h *Handler) serveInfo(w http.ResponseWriter, r *http.Request) {
	x := NewExchange(w, r, "", 0)
	setCORS(x)
	setNoCache(x)
	x.resp.Header().Set("Content-Type", "application/json; charset=UTF-8")

	b, _ := json.Marshal(infoResponse{
		WebSocket: h.opts.WebSocketEnabled,
		Origins:   []string{"*:*"},
		Entropy:   newEntropy(),
	})
	_ = x.resp.Write(string(b))
}

func (h *Handler) serveInfoOptions(w http.ResponseWriter, r *http.Request) {
	_ = writePreflight(NewExchange(w, r, "", 0), "OPTIONS, GET")
}

func (h *Handler) serveGreeting(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	_, _ = w.Write([]byte(greeting))
}

// finish maps a transport error onto the response, unless the transport already
// started one.
func (h *Handler) finish(x *Exchange, sessionID string, err error) {
	if err == nil {
		return
	}
	if x.resp.Started() {
		h.log.Debug("exchange.fail.after_start", "session_id", sessionID, "transport", string(x.Kind), "err", err)
		return
	}

	status := StatusFor(err)
	if status == 0 {
		return
	}

	lvl := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		lvl = slog.LevelError
	}
	h.log.Log(x.Context(), lvl, "exchange.fail", "session_id", sessionID, "transport", string(x.Kind), "method", x.Method, "status", status, "err", err)

	x.resp.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	setCORS(x)
	x.resp.setLength(len(err.Error()) + 1)
	x.resp.Start(status)
	_ = x.resp.write(err.Error() + "\n")
}

// StatusFor maps an exchange error to an HTTP status. Zero means the peer is gone and
// nothing should be written.
func StatusFor(err error) int {
	var de *protocol.DecodeError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0
	case errors.As(err, &de), errors.Is(err, ErrCallbackRequired):
		return http.StatusBadRequest
	case errors.Is(err, ErrOriginNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrUnsupportedTransport), errors.Is(err, session.ErrSessionClosed):
		return http.StatusNotFound
	case errors.Is(err, ErrUnsupportedMethod):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func validSegment(s string) bool {
	return s != "" && !strings.Contains(s, ".")
}

func newEntropy() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
