package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"sockjs/cmd/internal/metrics"
	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"
)

// streamPrelude defeats proxy and browser buffering before the first real frame.
var streamPrelude = strings.Repeat(protocol.MarkerHeartbeat, 2048) + "\n"

// Streaming holds one response open and writes frames into it as they become
// available, ending the response once StreamLimit bytes have gone out.
type Streaming struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options
}

// NewStreaming constructs the xhr_streaming transport.
func NewStreaming(log *slog.Logger, m *metrics.Metrics, opts Options) *Streaming {
	if log == nil {
		log = slog.Default()
	}
	return &Streaming{
		log:     log.With("transport", string(KindXHRStreaming)),
		metrics: m,
		opts:    opts.withDefaults(),
	}
}

// Kind implements Transport.
func (t *Streaming) Kind() Kind { return KindXHRStreaming }

// Connect implements Transport.
func (t *Streaming) Connect(x *Exchange, s *session.Session) error {
	if x.Method == http.MethodOptions {
		return t.Options(x)
	}
	if err := t.Accepts(x); err != nil {
		return err
	}

	setCORS(x)
	setNoCache(x)
	x.resp.Header().Set("Content-Type", "application/javascript; charset=UTF-8")

	if err := x.resp.WriteChunk(streamPrelude); err != nil {
		return err
	}
	if s.IsNew() {
		if err := t.WriteFrame(x, protocol.FrameOpen, ""); err != nil {
			return err
		}
	}

	s.ClearDisconnectTimeout()
	defer s.RearmDisconnectTimeout()

	for x.resp.Written() < t.opts.StreamLimit {
		msgs, err := s.GetMessages(x.Context(), t.opts.HeartbeatInterval)
		switch {
		case errors.Is(err, session.ErrReaderConflict):
			t.metrics.Poll(string(KindXHRStreaming), metrics.PollConflict)
			return t.WriteFrame(x, protocol.FrameClose, protocol.ClosePayload(protocol.CloseAnotherConnection, "Another connection still open"))
		case errors.Is(err, session.ErrSessionClosed):
			t.metrics.Poll(string(KindXHRStreaming), metrics.PollClosed)
			return t.WriteFrame(x, protocol.FrameClose, protocol.ClosePayload(protocol.CloseGoAway, "Go away!"))
		case err != nil:
			t.metrics.Poll(string(KindXHRStreaming), metrics.PollAborted)
			return err
		}

		if len(msgs) == 0 {
			t.metrics.Poll(string(KindXHRStreaming), metrics.PollTimeout)
			err = t.WriteFrame(x, protocol.FrameHeartbeat, "")
		} else {
			t.metrics.Poll(string(KindXHRStreaming), metrics.PollData)
			err = t.WriteFrame(x, protocol.FrameMessage, protocol.EncodeArray(msgs))
		}
		if err != nil {
			return err
		}
	}

	t.log.Debug("stream.limit", "session_id", s.ID(), "written", x.resp.Written())
	return nil
}

// Accepts implements Transport.
func (t *Streaming) Accepts(x *Exchange) error {
	switch x.Method {
	case http.MethodOptions, http.MethodGet, http.MethodPost:
		return nil
	default:
		return fmt.Errorf("%w: %s %s", ErrUnsupportedMethod, x.Method, KindXHRStreaming)
	}
}

// WriteFrame implements Transport. Every streamed frame ends with a newline so the
// client can split the body.
func (t *Streaming) WriteFrame(x *Exchange, kind protocol.FrameKind, data string) error {
	f, err := protocol.Frame(kind, data)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(f, "\n") {
		f += "\n"
	}
	t.metrics.Frame(string(KindXHRStreaming), kind.String())
	return x.resp.WriteChunk(f)
}

// Options implements Transport.
func (t *Streaming) Options(x *Exchange) error {
	return writePreflight(x, "OPTIONS, POST, GET")
}
