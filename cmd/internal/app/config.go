package app

import (
	"time"

	"sockjs/cmd/internal/session"
	"sockjs/cmd/internal/transport"

	"golang.org/x/time/rate"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	Prefix    string
	LogLevel  string
	LogFormat string

	// No write timeout: streaming and socket responses are unbounded, polls are
	// bounded by PollTimeout.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	PollTimeout       time.Duration
	DisconnectGrace   time.Duration
	HeartbeatInterval time.Duration
	StreamLimit       int
	MaxFrameBytes     int

	// SendRate is client sends per second per session; zero disables throttling.
	SendRate  float64
	SendBurst int

	WSEnabled        bool
	WSAllowedOrigins []string

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SOCKJS_HTTP_ADDR", "0.0.0.0:8080"),
		Prefix:    EnvString("SOCKJS_PREFIX", "/echo"),
		LogLevel:  EnvString("SOCKJS_LOG_LEVEL", "info"),
		LogFormat: EnvString("SOCKJS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SOCKJS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SOCKJS_HTTP_READ_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SOCKJS_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SOCKJS_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("SOCKJS_SHUTDOWN_TIMEOUT", 10*time.Second),

		PollTimeout:       EnvDuration("SOCKJS_POLL_TIMEOUT", 5*time.Second),
		DisconnectGrace:   EnvDuration("SOCKJS_DISCONNECT_GRACE", 5*time.Second),
		HeartbeatInterval: EnvDuration("SOCKJS_HEARTBEAT_INTERVAL", 25*time.Second),
		StreamLimit:       EnvInt("SOCKJS_STREAM_LIMIT", 128<<10),
		MaxFrameBytes:     EnvInt("SOCKJS_MAX_FRAME_BYTES", 64<<10),

		SendRate:  EnvFloat("SOCKJS_SEND_RATE", 50),
		SendBurst: EnvInt("SOCKJS_SEND_BURST", 100),

		WSEnabled:        EnvBool("SOCKJS_WS_ENABLED", true),
		WSAllowedOrigins: EnvCSV("SOCKJS_WS_ALLOWED_ORIGINS", []string{"*"}),

		MetricsEnabled: EnvBool("SOCKJS_METRICS_ENABLED", true),
	}
}

// SessionConfig projects the session lifetime settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		DisconnectGrace: c.DisconnectGrace,
		SendRate:        rate.Limit(c.SendRate),
		SendBurst:       c.SendBurst,
	}
}

// TransportOptions projects the transport settings.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		PollTimeout:       c.PollTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		StreamLimit:       int64(c.StreamLimit),
		MaxFrameBytes:     int64(c.MaxFrameBytes),
		WebSocketEnabled:  c.WSEnabled,
		AllowedOrigins:    c.WSAllowedOrigins,
	}
}
