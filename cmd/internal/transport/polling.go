package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"

	"sockjs/cmd/internal/metrics"
	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"
)

var callbackPattern = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// Polling delivers messages over repeated request/response cycles. Each poll blocks
// for at most the poll timeout and then ends the exchange; the client reconnects.
//
// The xhr variant writes bare frames. The jsonp variant wraps each frame in the
// callback named by the "c" query parameter.
type Polling struct {
	kind    Kind
	jsonp   bool
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options
}

// NewXHRPolling constructs the xhr polling transport.
func NewXHRPolling(log *slog.Logger, m *metrics.Metrics, opts Options) *Polling {
	return newPolling(KindXHR, false, log, m, opts)
}

// NewJSONPolling constructs the jsonp polling transport.
func NewJSONPolling(log *slog.Logger, m *metrics.Metrics, opts Options) *Polling {
	return newPolling(KindJSONP, true, log, m, opts)
}

func newPolling(kind Kind, jsonp bool, log *slog.Logger, m *metrics.Metrics, opts Options) *Polling {
	if log == nil {
		log = slog.Default()
	}
	return &Polling{
		kind:    kind,
		jsonp:   jsonp,
		log:     log.With("transport", string(kind)),
		metrics: m,
		opts:    opts.withDefaults(),
	}
}

// Kind implements Transport.
func (p *Polling) Kind() Kind { return p.kind }

// Connect implements Transport.
//
// OPTIONS is answered before the handshake gate so a preflight never consumes it.
// The first exchange of a session, whatever its method, writes the open frame and ends.
func (p *Polling) Connect(x *Exchange, s *session.Session) error {
	if x.Method == http.MethodOptions {
		return p.Options(x)
	}
	if err := p.Accepts(x); err != nil {
		return err
	}

	if s.IsNew() {
		p.setHeaders(x)
		return p.WriteFrame(x, protocol.FrameOpen, "")
	}

	switch {
	case x.Method == http.MethodGet:
		return p.poll(x, s)
	case x.Action == ActionSend:
		return p.send(x, s)
	case x.Action == ActionPoll:
		return p.poll(x, s)
	default:
		return fmt.Errorf("%w: %s %s", ErrUnsupportedMethod, x.Method, x.Action)
	}
}

// Accepts implements Transport. Every jsonp exchange that can carry a frame back
// needs a valid callback, whatever its method.
func (p *Polling) Accepts(x *Exchange) error {
	if x.Method == http.MethodOptions {
		return nil
	}
	if x.Method != http.MethodGet && x.Method != http.MethodPost {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedMethod, x.Method, p.kind)
	}
	if p.jsonp && x.Action != ActionSend && !callbackPattern.MatchString(callback(x)) {
		return ErrCallbackRequired
	}
	return nil
}

// poll blocks for at most the poll timeout. An empty result is written as an empty
// message frame so every poll ends with exactly one frame.
func (p *Polling) poll(x *Exchange, s *session.Session) error {
	s.ClearDisconnectTimeout()
	defer s.RearmDisconnectTimeout()

	msgs, err := s.GetMessages(x.Context(), p.opts.PollTimeout)
	p.setHeaders(x)

	switch {
	case errors.Is(err, session.ErrReaderConflict):
		p.metrics.Poll(string(p.kind), metrics.PollConflict)
		p.log.Info("poll.conflict", "session_id", s.ID())
		return p.WriteFrame(x, protocol.FrameClose, protocol.ClosePayload(protocol.CloseAnotherConnection, "Another connection still open"))
	case errors.Is(err, session.ErrSessionClosed):
		p.metrics.Poll(string(p.kind), metrics.PollClosed)
		return p.WriteFrame(x, protocol.FrameClose, protocol.ClosePayload(protocol.CloseGoAway, "Go away!"))
	case err != nil:
		p.metrics.Poll(string(p.kind), metrics.PollAborted)
		p.log.Debug("poll.aborted", "session_id", s.ID(), "err", err)
		return err
	}

	if len(msgs) == 0 {
		p.metrics.Poll(string(p.kind), metrics.PollTimeout)
	} else {
		p.metrics.Poll(string(p.kind), metrics.PollData)
	}
	return p.WriteFrame(x, protocol.FrameMessage, protocol.EncodeArray(msgs))
}

// send decodes one payload and enqueues each message individually.
func (p *Polling) send(x *Exchange, s *session.Session) error {
	if !s.AllowSend() {
		return ErrRateLimited
	}

	payload, err := p.readPayload(x)
	if err != nil {
		return err
	}

	msgs, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := s.AddMessage(m); err != nil {
			return err
		}
	}

	setCORS(x)
	setNoCache(x)
	x.resp.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if p.jsonp {
		return x.resp.Write("ok")
	}
	x.resp.Empty(http.StatusNoContent)
	return nil
}

// readPayload returns the first line of the body. jsonp sends may arrive form-encoded
// with the payload in field "d".
func (p *Polling) readPayload(x *Exchange) (string, error) {
	limit := p.opts.MaxFrameBytes
	body := io.LimitReader(x.Request.Body, limit+1)

	if p.jsonp && isFormEncoded(x.Request) {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		if int64(len(raw)) > limit {
			return "", ErrPayloadTooLarge
		}
		vals, err := url.ParseQuery(string(raw))
		if err != nil {
			return "", &protocol.DecodeError{Payload: string(raw), Err: err}
		}
		return vals.Get("d"), nil
	}

	line, err := bufio.NewReader(body).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if int64(len(line)) > limit {
		return "", ErrPayloadTooLarge
	}
	return line, nil
}

// WriteFrame implements Transport.
func (p *Polling) WriteFrame(x *Exchange, kind protocol.FrameKind, data string) error {
	f, err := protocol.Frame(kind, data)
	if err != nil {
		return err
	}
	if p.jsonp {
		if cb := callback(x); cb != "" {
			q, _ := json.Marshal(f)
			f = cb + "(" + string(q) + ");\r\n"
		}
	}
	p.metrics.Frame(string(p.kind), kind.String())
	return x.resp.Write(f)
}

// Options implements Transport.
func (p *Polling) Options(x *Exchange) error {
	return writePreflight(x, "OPTIONS, POST, GET")
}

func (p *Polling) setHeaders(x *Exchange) {
	setCORS(x)
	setNoCache(x)
	if p.jsonp {
		x.resp.Header().Set("Content-Type", "application/javascript; charset=UTF-8")
		return
	}
	x.resp.Header().Set("Content-Type", "text/plain; charset=UTF-8")
}

func callback(x *Exchange) string {
	q := x.Request.URL.Query()
	if cb := q.Get("c"); cb != "" {
		return cb
	}
	return q.Get("callback")
}

func isFormEncoded(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}
