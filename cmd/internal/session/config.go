package session

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config controls session lifetime and inbound throttling.
type Config struct {
	// DisconnectGrace is how long a session may have no attached reader before it expires.
	DisconnectGrace time.Duration

	// SendRate and SendBurst bound client-originated sends per session.
	// A zero SendRate disables throttling.
	SendRate  rate.Limit
	SendBurst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DisconnectGrace: 5 * time.Second,
		SendRate:        50,
		SendBurst:       100,
	}
}

// Validate reports whether c is usable.
func (c Config) Validate() error {
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("%w: disconnect grace must be > 0", ErrConfig)
	}
	if c.SendRate < 0 {
		return fmt.Errorf("%w: send rate must be >= 0", ErrConfig)
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		return fmt.Errorf("%w: send burst must be > 0 when rate is set", ErrConfig)
	}
	return nil
}
