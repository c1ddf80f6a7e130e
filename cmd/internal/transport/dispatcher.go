package transport

import (
	"fmt"
	"log/slog"
	"net/http"

	"sockjs/cmd/internal/session"
)

// Dispatcher resolves the session for an exchange and hands both to the matching
// transport. It holds no protocol logic of its own.
type Dispatcher struct {
	log        *slog.Logger
	registry   *session.Registry
	transports map[Kind]Transport
}

// NewDispatcher constructs a Dispatcher over the given transport variants.
func NewDispatcher(log *slog.Logger, registry *session.Registry, transports ...Transport) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:        log,
		registry:   registry,
		transports: make(map[Kind]Transport, len(transports)),
	}
	for _, t := range transports {
		d.transports[t.Kind()] = t
	}
	return d
}

// Transport returns the variant registered for kind.
func (d *Dispatcher) Transport(kind Kind) (Transport, bool) {
	t, ok := d.transports[kind]
	return t, ok
}

// Dispatch runs x against the session named sessionID, creating the session on first
// reference. Preflights and exchanges the variant rejects never touch the registry.
func (d *Dispatcher) Dispatch(sessionID string, x *Exchange) error {
	t, ok := d.transports[x.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransport, x.Kind)
	}
	if err := t.Accepts(x); err != nil {
		return err
	}
	if x.Method == http.MethodOptions {
		return t.Options(x)
	}

	s, created := d.registry.GetOrCreate(sessionID)
	if created {
		d.log.Debug("dispatch.session.create", "session_id", sessionID, "transport", string(x.Kind))
	}
	return t.Connect(x, s)
}
