// Package session implements the server-side logical connection that outlives any
// single HTTP exchange: an ordered outbound queue, a forward-only state machine,
// and an inactivity timer that expires sessions with no attached reader.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sockjs/cmd/internal/metrics"

	"github.com/eapache/queue"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of a session. Transitions only move forward.
type State int32

const (
	StateFresh State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons reported to the registry and metrics.
const (
	ReasonClosed   = "closed"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Session is one client's logical connection.
//
// Concurrency:
//   - AddMessage never blocks and may be called from any goroutine.
//   - At most one GetMessages call may be outstanding; a second one fails with ErrReaderConflict.
//   - Close is idempotent and releases a suspended reader with ErrSessionClosed.
type Session struct {
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	grace   time.Duration

	mu           sync.Mutex
	state        State
	queue        *queue.Queue
	wake         chan struct{}
	reading      bool
	attached     int
	lastActivity time.Time
	timer        *time.Timer
	timerGen     uint64

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func(*Session, string)
}

func newSession(id string, cfg Config, log *slog.Logger, m *metrics.Metrics, onClose func(*Session, string)) *Session {
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:           id,
		log:          log.With("session_id", id),
		metrics:      m,
		grace:        cfg.DisconnectGrace,
		queue:        queue.New(),
		wake:         make(chan struct{}),
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
		onClose:      onClose,
	}
	if cfg.SendRate > 0 {
		s.limiter = rate.NewLimiter(cfg.SendRate, cfg.SendBurst)
	}

	// A session nobody ever reads from still expires.
	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()

	return s
}

// ID returns the immutable session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last attach or detach.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Pending returns the number of queued, undelivered messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Length()
}

// Done returns a channel that is closed once the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.closed }

// IsNew reports true exactly once, on the first call, and moves the session from
// fresh to open. It is the handshake gate.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateFresh {
		return false
	}
	s.state = StateOpen
	s.log.Debug("session.open")
	return true
}

// AllowSend reports whether one more client-originated send fits the session's rate budget.
func (s *Session) AllowSend() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// AddMessage appends msg to the queue and wakes a suspended reader.
func (s *Session) AddMessage(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= StateClosing {
		return ErrSessionClosed
	}

	s.queue.Add(msg)
	if s.reading {
		close(s.wake)
		s.wake = make(chan struct{})
	}
	s.metrics.MessagesQueued(1)
	return nil
}

// GetMessages drains the queue. When the queue is empty it suspends until a message
// arrives, timeout elapses, the session closes, or ctx is done.
//
// A timeout returns an empty batch and a nil error. A closed session returns
// ErrSessionClosed. A canceled ctx returns ctx.Err() and leaves queued messages in place.
func (s *Session) GetMessages(ctx context.Context, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.reading {
		s.mu.Unlock()
		return nil, ErrReaderConflict
	}
	if s.queue.Length() > 0 || timeout <= 0 {
		out := s.drainLocked()
		s.mu.Unlock()
		return out, nil
	}
	s.reading = true
	wake := s.wake
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	var ctxErr error
	select {
	case <-wake:
	case <-t.C:
	case <-s.closed:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reading = false
	if s.state >= StateClosing {
		return nil, ErrSessionClosed
	}
	if ctxErr != nil {
		return nil, ctxErr
	}
	// A message that raced the timer is still delivered here.
	return s.drainLocked(), nil
}

func (s *Session) drainLocked() []string {
	n := s.queue.Length()
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = s.queue.Remove().(string)
	}
	return out
}

// ClearDisconnectTimeout cancels the pending expiry because a receiving connection
// attached. Every call must be paired with RearmDisconnectTimeout when that
// connection detaches.
func (s *Session) ClearDisconnectTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached++
	s.lastActivity = time.Now()
	s.stopTimerLocked()
}

// RearmDisconnectTimeout records a detach. Once no receiving connection remains the
// expiry is scheduled DisconnectGrace from now.
func (s *Session) RearmDisconnectTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached > 0 {
		s.attached--
	}
	s.lastActivity = time.Now()
	if s.attached == 0 {
		s.armLocked()
	}
}

func (s *Session) armLocked() {
	if s.state >= StateClosing || s.grace <= 0 {
		return
	}
	s.stopTimerLocked()

	gen := s.timerGen
	s.timer = time.AfterFunc(s.grace, func() { s.expire(gen) })
}

func (s *Session) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// expire commits the closing transition under the same lock that attach takes, so a
// connection attaching concurrently either cancels the expiry or finds the session
// already closing.
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.attached > 0 || s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.stopTimerLocked()
	s.mu.Unlock()

	s.closeWith(ReasonExpired)
}

// Close moves the session through closing to closed, releases a suspended reader,
// and evicts it from its registry. It is idempotent.
func (s *Session) Close() {
	s.closeWith(ReasonClosed)
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.stopTimerLocked()
		s.mu.Unlock()

		close(s.closed)

		s.mu.Lock()
		s.state = StateClosed
		dropped := s.queue.Length()
		s.queue = queue.New()
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(s, reason)
		}
		s.log.Info("session.close", "reason", reason, "dropped", dropped)
	})
}
