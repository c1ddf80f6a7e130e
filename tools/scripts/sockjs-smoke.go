// Package main provides a CI-friendly smoke test for a running SockJS server.
//
// It validates:
//   - greeting and /info
//   - xhr handshake, send, and poll round trip
//   - websocket handshake and echo
//   - raw websocket echo
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const maxReadBytes = 1 << 20

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080/echo", "SockJS base URL (scheme, host, prefix)")
		origin  = flag.String("origin", "", "Origin header for websocket handshakes")
		text    = flag.String("text", "hello sockjs 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		skipWS  = flag.Bool("skip-ws", false, "Skip websocket checks")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	client := &http.Client{Timeout: *timeout}

	mustGreeting(root, client, base, *timeout)
	wsEnabled := mustInfo(root, client, base, *timeout)

	id := newSessionID()
	mustXHRRoundTrip(root, client, base, id, *text, *timeout)
	if *verbose {
		fmt.Printf("xhr ok: session=%s\n", id)
	}

	if *skipWS || !wsEnabled {
		fmt.Println("OK (websocket skipped)")
		return
	}

	mustSocketEcho(root, base, *origin, *text, *timeout)
	mustRawSocketEcho(root, base, *origin, *text, *timeout)
	if *verbose {
		fmt.Println("websocket ok")
	}

	fmt.Println("OK")
}

func newSessionID() string {
	return strings.ToLower(ulid.Make().String())
}

func mustGreeting(parent context.Context, c *http.Client, base *url.URL, stepTimeout time.Duration) {
	code, body := mustDo(parent, c, http.MethodGet, base.String(), "", stepTimeout)
	if code != http.StatusOK || body != "Welcome to SockJS!\n" {
		fatalf("greeting: code=%d body=%q", code, body)
	}
}

func mustInfo(parent context.Context, c *http.Client, base *url.URL, stepTimeout time.Duration) bool {
	code, body := mustDo(parent, c, http.MethodGet, base.String()+"/info", "", stepTimeout)
	if code != http.StatusOK {
		fatalf("info: code=%d", code)
	}

	var info struct {
		WebSocket bool `json:"websocket"`
	}
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		fatalf("info: decode %q: %v", body, err)
	}
	return info.WebSocket
}

func mustXHRRoundTrip(parent context.Context, c *http.Client, base *url.URL, id, text string, stepTimeout time.Duration) {
	session := base.String() + "/000/" + id

	if _, body := mustDo(parent, c, http.MethodPost, session+"/xhr", "", stepTimeout); body != "o\n" && body != "o" {
		fatalf("xhr handshake: got %q want open frame", body)
	}

	payload, _ := json.Marshal([]string{text, "second"})
	if code, body := mustDo(parent, c, http.MethodPost, session+"/xhr_send", string(payload), stepTimeout); code != http.StatusNoContent {
		fatalf("xhr_send: code=%d body=%q", code, body)
	}

	want := "a" + string(payload) + "\n"
	if _, body := mustDo(parent, c, http.MethodPost, session+"/xhr", "", stepTimeout); body != want {
		fatalf("xhr poll: got %q want %q", body, want)
	}
}

func mustSocketEcho(parent context.Context, base *url.URL, origin, text string, stepTimeout time.Duration) {
	conn := mustDial(parent, wsURL(base, "/000/"+newSessionID()+"/websocket"), origin, stepTimeout)
	defer closeWS(conn)

	if got := mustRead(parent, conn, stepTimeout); got != "o" {
		fatalf("websocket: first frame %q want o", got)
	}

	payload, _ := json.Marshal([]string{text})
	mustWrite(parent, conn, string(payload), stepTimeout)

	want := "a" + string(payload) + "\n"
	for {
		got := mustRead(parent, conn, stepTimeout)
		if got == "h" {
			continue
		}
		if got != want {
			fatalf("websocket: got %q want %q", got, want)
		}
		return
	}
}

func mustRawSocketEcho(parent context.Context, base *url.URL, origin, text string, stepTimeout time.Duration) {
	conn := mustDial(parent, wsURL(base, "/websocket"), origin, stepTimeout)
	defer closeWS(conn)

	mustWrite(parent, conn, text, stepTimeout)
	if got := mustRead(parent, conn, stepTimeout); got != text {
		fatalf("raw websocket: got %q want %q", got, text)
	}
}

func mustDo(parent context.Context, c *http.Client, method, target, body string, stepTimeout time.Duration) (int, string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("%s %s: read body: %v", method, target, err)
	}
	return resp.StatusCode, string(b)
}

func mustDial(parent context.Context, target, origin string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("dial %s: status=%d err=%v", target, status, err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustRead(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: status=%v err=%v", websocket.CloseStatus(err), err)
	}
	return string(data)
}

func mustWrite(parent context.Context, conn *websocket.Conn, s string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		fatalf("write: %v", err)
	}
}

func wsURL(base *url.URL, path string) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
