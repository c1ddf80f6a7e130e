package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"sockjs/cmd/internal/metrics"
	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"

	"github.com/coder/websocket"
)

const socketMaxPingFailures = 3

// Socket delivers messages over a persistent websocket. Delivery is push-based: a
// writer goroutine blocks on the session queue and writes each batch as soon as it
// arrives, while the handler goroutine reads client frames into the same session.
//
// The raw variant skips framing entirely: each websocket message is one session
// message, and liveness uses websocket pings instead of heartbeat frames.
type Socket struct {
	raw     bool
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options
	origins originPolicy
}

// NewSocket constructs the framed websocket transport.
func NewSocket(log *slog.Logger, m *metrics.Metrics, opts Options) *Socket {
	return newSocket(false, log, m, opts)
}

// NewRawSocket constructs the unframed websocket transport.
func NewRawSocket(log *slog.Logger, m *metrics.Metrics, opts Options) *Socket {
	return newSocket(true, log, m, opts)
}

func newSocket(raw bool, log *slog.Logger, m *metrics.Metrics, opts Options) *Socket {
	if log == nil {
		log = slog.Default()
	}
	t := &Socket{
		raw:     raw,
		metrics: m,
		opts:    opts.withDefaults(),
		origins: newOriginPolicy(opts.AllowedOrigins),
	}
	t.log = log.With("transport", string(t.Kind()))
	return t
}

// Kind implements Transport.
func (t *Socket) Kind() Kind {
	if t.raw {
		return KindRawWebSocket
	}
	return KindWebSocket
}

// Connect implements Transport. It returns once the socket is closed.
func (t *Socket) Connect(x *Exchange, s *session.Session) error {
	if err := t.Accepts(x); err != nil {
		return err
	}

	conn, err := websocket.Accept(x.resp.w, x.Request, &websocket.AcceptOptions{
		OriginPatterns:     t.origins.patterns,
		InsecureSkipVerify: t.origins.allowAny,
	})
	if err != nil {
		// Accept has already written the failure response.
		x.resp.status = http.StatusBadRequest
		t.log.Info("ws.accept.fail", "session_id", s.ID(), "err", err)
		return nil
	}
	x.resp.status = http.StatusSwitchingProtocols
	x.conn = conn
	defer func() { _ = conn.CloseNow() }()

	conn.SetReadLimit(t.opts.MaxFrameBytes)

	ctx, cancel := context.WithCancel(x.Context())
	defer cancel()

	// Raw peers get no open frame but still move the session out of fresh.
	if isNew := s.IsNew(); isNew && !t.raw {
		if err := t.WriteFrame(x, protocol.FrameOpen, ""); err != nil {
			t.log.Info("ws.write.fail", "session_id", s.ID(), "err", err)
			return nil
		}
	}

	s.ClearDisconnectTimeout()
	defer s.RearmDisconnectTimeout()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer cancel()
		t.pump(ctx, x, s)
	}()

	code, reason := t.readLoop(ctx, x, s)
	cancel()
	<-pumpDone

	_ = conn.Close(code, reason)
	t.log.Debug("ws.closed", "session_id", s.ID(), "code", code, "reason", reason)
	return nil
}

// Accepts implements Transport.
func (t *Socket) Accepts(x *Exchange) error {
	if !t.opts.WebSocketEnabled {
		return fmt.Errorf("%w: websocket disabled", ErrUnsupportedTransport)
	}
	if x.Method == http.MethodOptions {
		return nil
	}
	if x.Method != http.MethodGet {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedMethod, x.Method, t.Kind())
	}
	return t.origins.check(x.Request)
}

// pump moves queued messages to the peer until the session closes, another reader
// holds the session, the peer goes away, or a write fails.
func (t *Socket) pump(ctx context.Context, x *Exchange, s *session.Session) {
	failures := 0
	for {
		msgs, err := s.GetMessages(ctx, t.opts.HeartbeatInterval)
		switch {
		case errors.Is(err, session.ErrReaderConflict):
			t.metrics.Poll(string(t.Kind()), metrics.PollConflict)
			t.log.Info("ws.conflict", "session_id", s.ID())
			if !t.raw {
				_ = t.WriteFrame(x, protocol.FrameClose, protocol.ClosePayload(protocol.CloseAnotherConnection, "Another connection still open"))
			}
			return
		case errors.Is(err, session.ErrSessionClosed):
			t.metrics.Poll(string(t.Kind()), metrics.PollClosed)
			if !t.raw {
				_ = t.WriteFrame(x, protocol.FrameClose, protocol.ClosePayload(protocol.CloseGoAway, "Go away!"))
			}
			return
		case err != nil:
			t.metrics.Poll(string(t.Kind()), metrics.PollAborted)
			return
		}

		if len(msgs) == 0 {
			t.metrics.Poll(string(t.Kind()), metrics.PollTimeout)
			if !t.raw {
				err = t.WriteFrame(x, protocol.FrameHeartbeat, "")
			} else if err = t.ping(ctx, x.conn); err != nil {
				failures++
				t.log.Info("ws.ping.fail", "session_id", s.ID(), "failures", failures, "err", err)
				if failures < socketMaxPingFailures {
					continue
				}
			} else {
				failures = 0
			}
		} else {
			t.metrics.Poll(string(t.Kind()), metrics.PollData)
			err = t.deliver(x, msgs)
		}

		if err != nil {
			t.log.Info("ws.write.fail", "session_id", s.ID(), "close_status", websocket.CloseStatus(err), "err", err)
			return
		}
	}
}

func (t *Socket) deliver(x *Exchange, msgs []string) error {
	if !t.raw {
		return t.WriteFrame(x, protocol.FrameMessage, protocol.EncodeArray(msgs))
	}
	for _, m := range msgs {
		if err := t.writeText(x, m); err != nil {
			return err
		}
		t.metrics.Frame(string(t.Kind()), protocol.FrameMessage.String())
	}
	return nil
}

func (t *Socket) ping(ctx context.Context, conn *websocket.Conn) error {
	pctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	return conn.Ping(pctx)
}

// readLoop feeds client frames into the session. It returns the close code and reason
// to send when it stops.
func (t *Socket) readLoop(ctx context.Context, x *Exchange, s *session.Session) (websocket.StatusCode, string) {
	for {
		_, data, err := x.conn.Read(ctx)
		if err != nil {
			return classifyReadErr(err)
		}
		if len(data) == 0 {
			continue
		}
		if !s.AllowSend() {
			t.log.Info("ws.rate_limited", "session_id", s.ID())
			return websocket.StatusPolicyViolation, "rate limited"
		}

		var msgs []string
		if t.raw {
			msgs = []string{string(data)}
		} else if msgs, err = protocol.Decode(string(data)); err != nil {
			t.log.Info("ws.decode.fail", "session_id", s.ID(), "err", err)
			return websocket.StatusUnsupportedData, "broken framing"
		}

		for _, m := range msgs {
			if err := s.AddMessage(m); err != nil {
				return websocket.StatusGoingAway, "session closed"
			}
		}
	}
}

func classifyReadErr(err error) (websocket.StatusCode, string) {
	if websocket.CloseStatus(err) != -1 {
		return websocket.StatusNormalClosure, "peer closed"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return websocket.StatusNormalClosure, "bye"
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return websocket.StatusAbnormalClosure, "conn closed"
	}
	return websocket.StatusInternalError, "read failed"
}

// WriteFrame implements Transport.
func (t *Socket) WriteFrame(x *Exchange, kind protocol.FrameKind, data string) error {
	if x.conn == nil {
		return errors.New("transport: socket not accepted")
	}
	f, err := protocol.Frame(kind, data)
	if err != nil {
		return err
	}
	if err := t.writeText(x, f); err != nil {
		return err
	}
	t.metrics.Frame(string(t.Kind()), kind.String())
	return nil
}

func (t *Socket) writeText(x *Exchange, s string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.Context()), t.opts.WriteTimeout)
	defer cancel()
	return x.conn.Write(ctx, websocket.MessageText, []byte(s))
}

// Options implements Transport. Sockets never see a preflight; answer like polling does.
func (t *Socket) Options(x *Exchange) error {
	return writePreflight(x, "OPTIONS, GET")
}
