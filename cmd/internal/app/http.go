package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"sockjs/cmd/internal/metrics"
	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"
	"sockjs/cmd/internal/transport"
)

const maxBroadcastBytes = 1 << 20

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	registry *session.Registry,
	m *metrics.Metrics,
	sockjs http.Handler,
	draining *atomic.Bool,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if draining.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	prefix := transport.CleanPrefix(cfg.Prefix)
	mux.HandleFunc("POST "+prefix+"/_broadcast", func(w http.ResponseWriter, r *http.Request) {
		handleBroadcast(w, r, log, registry)
	})

	if prefix != "" {
		mux.Handle(prefix, sockjs)
	}
	mux.Handle(prefix+"/", sockjs)
}

type broadcastResponse struct {
	Messages  int `json:"messages"`
	Delivered int `json:"delivered"`
}

// handleBroadcast enqueues each message of a JSON array body on every open session.
func handleBroadcast(w http.ResponseWriter, r *http.Request, log Logger, registry *session.Registry) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxBroadcastBytes {
		http.Error(w, transport.ErrPayloadTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	msgs, err := protocol.Decode(string(body))
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := broadcastResponse{Messages: len(msgs)}
	for _, m := range msgs {
		resp.Delivered += registry.Broadcast(m)
	}
	log.Info("broadcast", "messages", resp.Messages, "delivered", resp.Delivered)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
