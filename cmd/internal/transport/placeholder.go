package transport

import (
	"fmt"
	"net/http"

	"sockjs/cmd/internal/protocol"
	"sockjs/cmd/internal/session"
)

// Placeholder stands in for transports whose responses are boilerplate HTML bodies
// served elsewhere. It never touches the session.
type Placeholder struct {
	kind Kind
}

// NewPlaceholder constructs a placeholder for kind.
func NewPlaceholder(kind Kind) *Placeholder {
	return &Placeholder{kind: kind}
}

// Kind implements Transport.
func (p *Placeholder) Kind() Kind { return p.kind }

// Accepts implements Transport. Only preflights are served.
func (p *Placeholder) Accepts(x *Exchange) error {
	if x.Method == http.MethodOptions {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedTransport, p.kind)
}

// Connect implements Transport.
func (p *Placeholder) Connect(_ *Exchange, _ *session.Session) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedTransport, p.kind)
}

// WriteFrame implements Transport.
func (p *Placeholder) WriteFrame(_ *Exchange, _ protocol.FrameKind, _ string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedTransport, p.kind)
}

// Options implements Transport.
func (p *Placeholder) Options(x *Exchange) error {
	return writePreflight(x, "OPTIONS, GET")
}
