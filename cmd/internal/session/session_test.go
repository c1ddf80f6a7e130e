package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DisconnectGrace = grace
	r, err := NewRegistry(discardLogger(), cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.CloseAll)
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSession_IsNewOnce(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	if s.State() != StateFresh {
		t.Fatalf("state=%v want fresh", s.State())
	}
	if !s.IsNew() {
		t.Fatalf("first IsNew must be true")
	}
	for i := 0; i < 3; i++ {
		if s.IsNew() {
			t.Fatalf("IsNew returned true on call %d", i+2)
		}
	}
	if s.State() != StateOpen {
		t.Fatalf("state=%v want open", s.State())
	}
}

func TestSession_QueuedBeforeWaitIsDrained(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	for _, m := range []string{"one", "two", "three"} {
		if err := s.AddMessage(m); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	start := time.Now()
	got, err := s.GetMessages(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("GetMessages blocked with a non-empty queue")
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("batch=%q want=%q", got, want)
	}
	if s.Pending() != 0 {
		t.Fatalf("queue not drained: %d", s.Pending())
	}
}

func TestSession_TimeoutIsEmptyBatch(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	got, err := s.GetMessages(context.Background(), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty batch, got %q", got)
	}
}

func TestSession_WaiterWokenByAdd(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.AddMessage("late")
	}()

	start := time.Now()
	got, err := s.GetMessages(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("waiter not woken promptly")
	}
	if len(got) != 1 || got[0] != "late" {
		t.Fatalf("batch=%q", got)
	}
}

func TestSession_OrderingUnderConcurrentReads(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	const n = 500
	want := make([]string, n)
	for i := range want {
		want[i] = strconv.Itoa(i)
	}

	go func() {
		for _, m := range want {
			_ = s.AddMessage(m)
			if len(m)%3 == 0 {
				time.Sleep(time.Microsecond)
			}
		}
	}()

	got := make([]string, 0, n)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		batch, err := s.GetMessages(context.Background(), 50*time.Millisecond)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		got = append(got, batch...)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ordering violated: got %d messages", len(got))
	}
}

func TestSession_SecondReaderRejected(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	type result struct {
		msgs []string
		err  error
	}
	first := make(chan result, 1)
	go func() {
		msgs, err := s.GetMessages(context.Background(), 5*time.Second)
		first <- result{msgs, err}
	}()

	// Wait until the first reader is registered.
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reading
	})

	if _, err := s.GetMessages(context.Background(), time.Second); !errors.Is(err, ErrReaderConflict) {
		t.Fatalf("second reader err=%v want ErrReaderConflict", err)
	}

	if err := s.AddMessage("only-once"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	res := <-first
	if res.err != nil {
		t.Fatalf("first reader: %v", res.err)
	}
	if len(res.msgs) != 1 || res.msgs[0] != "only-once" {
		t.Fatalf("first reader batch=%q", res.msgs)
	}
}

func TestSession_CloseReleasesReader(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetMessages(context.Background(), 10*time.Second)
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reading
	})
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("err=%v want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader not released on close")
	}

	if s.State() != StateClosed {
		t.Fatalf("state=%v want closed", s.State())
	}
	if err := s.AddMessage("x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("AddMessage after close err=%v", err)
	}
	if _, err := s.GetMessages(context.Background(), time.Millisecond); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("GetMessages after close err=%v", err)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatalf("closed session still in registry")
	}

	// Idempotent.
	s.Close()
}

func TestSession_CanceledReaderDeregisters(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("a")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetMessages(ctx, 10*time.Second)
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reading
	})
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("canceled reader not interrupted")
	}

	_ = s.AddMessage("kept")
	got, err := s.GetMessages(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("reader slot not released: %v", err)
	}
	if len(got) != 1 || got[0] != "kept" {
		t.Fatalf("batch=%q", got)
	}
}

func TestSession_ExpiresWithoutReader(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 40*time.Millisecond)
	s, created := r.GetOrCreate("gone")
	if !created {
		t.Fatalf("expected creation")
	}

	waitFor(t, 2*time.Second, func() bool { return r.Len() == 0 })

	if s.State() != StateClosed {
		t.Fatalf("state=%v want closed", s.State())
	}
	if err := s.AddMessage("x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("AddMessage err=%v", err)
	}
	if _, err := s.GetMessages(context.Background(), time.Millisecond); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("GetMessages err=%v", err)
	}

	fresh, created := r.GetOrCreate("gone")
	if !created || fresh == s {
		t.Fatalf("expired id must produce a fresh session")
	}
	if !fresh.IsNew() {
		t.Fatalf("fresh session must start with a handshake")
	}
}

func TestSession_AttachedReaderHoldsSessionOpen(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 40*time.Millisecond)
	s, _ := r.GetOrCreate("held")

	s.ClearDisconnectTimeout()
	time.Sleep(150 * time.Millisecond)
	if s.State() != StateFresh {
		t.Fatalf("attached session expired: %v", s.State())
	}

	before := s.LastActivity()
	time.Sleep(2 * time.Millisecond)
	s.RearmDisconnectTimeout()
	if !s.LastActivity().After(before) {
		t.Fatalf("detach must refresh last activity")
	}

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateClosed })
	if _, ok := r.Get("held"); ok {
		t.Fatalf("expired session still in registry")
	}
}

func TestSession_OverlappingAttachments(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 40*time.Millisecond)
	s, _ := r.GetOrCreate("overlap")

	s.ClearDisconnectTimeout()
	s.ClearDisconnectTimeout()
	s.RearmDisconnectTimeout()
	time.Sleep(150 * time.Millisecond)
	if s.State() == StateClosed {
		t.Fatalf("session expired while one reader was still attached")
	}
	s.RearmDisconnectTimeout()
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateClosed })
}

func TestSession_AttachCancelsPendingExpiry(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	s, _ := r.GetOrCreate("race")
	gen := func() uint64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.timerGen
	}

	armed := gen()
	s.ClearDisconnectTimeout()
	s.expire(armed)
	if s.State() >= StateClosing {
		t.Fatalf("expiry fired after attach: state=%v", s.State())
	}
	if _, ok := r.Get("race"); !ok {
		t.Fatalf("attached session evicted")
	}

	s.RearmDisconnectTimeout()
	s.expire(gen())
	if s.State() != StateClosed {
		t.Fatalf("state=%v want closed", s.State())
	}

	s.ClearDisconnectTimeout()
	if s.State() != StateClosed {
		t.Fatalf("attach after expiry reopened the session: state=%v", s.State())
	}
	if _, err := s.GetMessages(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("GetMessages err=%v want ErrSessionClosed", err)
	}
}

func TestRegistry_GetOrCreateReusesLiveSession(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)

	first, created := r.GetOrCreate("a")
	if !created {
		t.Fatalf("first lookup must create")
	}
	again, created := r.GetOrCreate("a")
	if created || again != first {
		t.Fatalf("live session not reused: created=%v same=%v", created, again == first)
	}

	first.Close()
	next, created := r.GetOrCreate("a")
	if !created || next == first {
		t.Fatalf("closed session must be replaced: created=%v same=%v", created, next == first)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		seen    = make(map[*Session]struct{})
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, c := r.GetOrCreate("shared")
			mu.Lock()
			defer mu.Unlock()
			if c {
				created++
			}
			seen[s] = struct{}{}
		}()
	}
	wg.Wait()

	if created != 1 || len(seen) != 1 {
		t.Fatalf("created=%d distinct=%d want 1/1", created, len(seen))
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	a, _ := r.GetOrCreate("a")
	b, _ := r.GetOrCreate("b")
	c, _ := r.GetOrCreate("c")
	c.Close()

	if n := r.Broadcast("news"); n != 2 {
		t.Fatalf("broadcast reached %d sessions want 2", n)
	}
	if a.Pending() != 1 || b.Pending() != 1 {
		t.Fatalf("pending a=%d b=%d", a.Pending(), b.Pending())
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Minute)
	a, _ := r.GetOrCreate("a")
	b, _ := r.GetOrCreate("b")

	r.CloseAll()

	if r.Len() != 0 {
		t.Fatalf("len=%d after CloseAll", r.Len())
	}
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("sessions not closed")
	}
}

func TestSession_AllowSend(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SendRate = 1
	cfg.SendBurst = 2
	r, err := NewRegistry(discardLogger(), cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.CloseAll)

	s, _ := r.GetOrCreate("limited")
	if !s.AllowSend() || !s.AllowSend() {
		t.Fatalf("burst must be allowed")
	}
	if s.AllowSend() {
		t.Fatalf("third send within burst window must be denied")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig()},
		{name: "no grace", cfg: Config{}, wantErr: true},
		{name: "negative rate", cfg: Config{DisconnectGrace: time.Second, SendRate: -1}, wantErr: true},
		{name: "rate without burst", cfg: Config{DisconnectGrace: time.Second, SendRate: 1}, wantErr: true},
		{name: "unthrottled", cfg: Config{DisconnectGrace: time.Second}},
	}

	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", tc.name, err)
		}
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()

	a, err := NewID(time.Time{})
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	b, err := NewID(time.Now())
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	if len(a) != 26 || len(b) != 26 || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
