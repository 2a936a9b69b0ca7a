package session

import (
	"net/url"
	"strings"
	"time"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/heartbeat"
	"jobwatch/internal/reconnect"
)

// Path is the server endpoint for job progress streams.
const Path = "/ws/transcription"

// DefaultHandshakeTimeout bounds the wait for the server to accept a dial.
const DefaultHandshakeTimeout = 10 * time.Second

// DefaultOrigin is used when neither Origin nor WSURL is configured.
const DefaultOrigin = "http://localhost:8080"

// Config holds the client settings.
type Config struct {
	Origin               string        // page origin; http maps to ws, https to wss
	WSURL                string        // full endpoint override
	Token                string        // bearer token sent as the token query parameter
	ReconnectInterval    time.Duration // default: 5s
	MaxReconnectAttempts int           // default: 10
	HeartbeatInterval    time.Duration // default: 30s
	HandshakeTimeout     time.Duration // default: 10s
	Debug                bool          // log every frame
}

func (c Config) withDefaults() Config {
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = reconnect.DefaultInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = reconnect.DefaultMaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// BuildURL derives the endpoint URL. An override is used as given apart from
// the token, otherwise the origin's scheme is mapped to ws or wss and Path is
// appended.
func BuildURL(origin, override, token string) (string, error) {
	if override != "" {
		u, err := url.Parse(override)
		if err != nil || u.Host == "" {
			return "", apperrors.Validation("wsUrl", "must be an absolute ws:// or wss:// URL")
		}
		switch u.Scheme {
		case "ws", "wss":
		default:
			return "", apperrors.Validation("wsUrl", "scheme must be ws or wss")
		}
		return withToken(u, token), nil
	}

	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return "", apperrors.Validation("origin", "must be an absolute http(s) URL")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", apperrors.Validation("origin", "scheme must be http or https")
	}
	u.Path = Path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return withToken(u, token), nil
}

func withToken(u *url.URL, token string) string {
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
