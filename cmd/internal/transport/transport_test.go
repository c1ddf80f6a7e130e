package transport

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sockjs/cmd/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	registry *session.Registry
	handler  *Handler
}

func newFixture(t *testing.T, cfg session.Config, opts Options) *fixture {
	t.Helper()

	reg, err := session.NewRegistry(discardLogger(), cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.CloseAll)

	return &fixture{
		registry: reg,
		handler:  NewHandler(discardLogger(), "/echo", reg, nil, opts),
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollTimeout = 50 * time.Millisecond
	opts.HeartbeatInterval = 20 * time.Millisecond
	return opts
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) handshake(t *testing.T, id string) {
	t.Helper()

	rec := f.do(http.MethodGet, "/echo/000/"+id+"/xhr", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "o" {
		t.Fatalf("handshake: code=%d body=%q", rec.Code, rec.Body.String())
	}
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

func TestResponse_ContentLengthSetOnce(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	resp := &Response{w: rec}

	if err := resp.Write("abc"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = resp.Write("de")

	if got := rec.Header().Values("Content-Length"); len(got) != 1 || got[0] != "3" {
		t.Fatalf("Content-Length=%v want [3]", got)
	}
	if !resp.Started() {
		t.Fatalf("response should be started")
	}
}

func TestResponse_EmptyKeepsPresetLength(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Length", "0")
	resp := &Response{w: rec}
	resp.Empty(http.StatusNoContent)

	if got := rec.Header().Values("Content-Length"); len(got) != 1 {
		t.Fatalf("Content-Length=%v want one value", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code=%d want 204", rec.Code)
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	t.Parallel()

	got := Options{PollTimeout: time.Second}.withDefaults()
	def := DefaultOptions()

	if got.PollTimeout != time.Second {
		t.Fatalf("PollTimeout overwritten: %s", got.PollTimeout)
	}
	if got.HeartbeatInterval != def.HeartbeatInterval || got.StreamLimit != def.StreamLimit || got.MaxFrameBytes != def.MaxFrameBytes {
		t.Fatalf("zero fields not defaulted: %+v", got)
	}
	if got.WebSocketEnabled {
		t.Fatalf("WebSocketEnabled must stay as given")
	}
}
