package transport

import (
	"net/http"
	"strings"
	"testing"

	"sockjs/cmd/internal/session"
)

func TestStreaming_PreludeAndOpen(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.StreamLimit = 1
	f := newFixture(t, session.DefaultConfig(), opts)

	rec := f.do(http.MethodPost, "/echo/000/s1/xhr_streaming", "")
	body := rec.Body.String()

	if !strings.HasPrefix(body, strings.Repeat("h", 2048)+"\n") {
		t.Fatalf("missing prelude: %q", body[:min(len(body), 16)])
	}
	if rest := strings.TrimPrefix(body, streamPrelude); rest != "o\n" {
		t.Fatalf("after prelude=%q want %q", rest, "o\n")
	}
	if rec.Header().Get("Content-Length") != "" {
		t.Fatalf("streaming response must not carry a length")
	}
}

func TestStreaming_DeliversUntilLimit(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.StreamLimit = int64(len(streamPrelude)) + 1
	f := newFixture(t, session.DefaultConfig(), opts)

	s, _ := f.registry.GetOrCreate("s1")
	s.IsNew()
	if err := s.AddMessage("x"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	rec := f.do(http.MethodGet, "/echo/000/s1/xhr_streaming", "")
	if rest := strings.TrimPrefix(rec.Body.String(), streamPrelude); rest != "a[\"x\"]\n" {
		t.Fatalf("stream=%q", rest)
	}
}

func TestStreaming_HeartbeatsWhileIdle(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.StreamLimit = int64(len(streamPrelude)) + 4
	f := newFixture(t, session.DefaultConfig(), opts)

	s, _ := f.registry.GetOrCreate("s1")
	s.IsNew()

	rec := f.do(http.MethodGet, "/echo/000/s1/xhr_streaming", "")
	if rest := strings.TrimPrefix(rec.Body.String(), streamPrelude); rest != "h\nh\n" {
		t.Fatalf("stream=%q want two heartbeats", rest)
	}
}

func TestStreaming_RejectsOtherMethods(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.DefaultConfig(), testOptions())
	if rec := f.do(http.MethodPut, "/echo/000/s1/xhr_streaming", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d want 405", rec.Code)
	}
}
