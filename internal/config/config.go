// Package config provides configuration loading from environment variables.
package config

import (
	"strings"
	"time"
)

// ClientConfig holds configuration for the job-progress session.
type ClientConfig struct {
	Origin               string        // Page origin the ws/wss URL is derived from
	WSURL                string        // Full endpoint override; the token is still appended
	Token                string        // Bearer token sent as the token query parameter
	SigningKey           string        // Dev mode: HS256 key used to mint a token when Token is empty
	ReconnectInterval    time.Duration // Base unit of the linear reconnect ramp
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	Debug                bool
}

// LoadClientConfig loads session configuration from environment variables.
func LoadClientConfig() *ClientConfig {
	token := GetEnv("JOBWATCH_TOKEN", "")
	if token == "" {
		token = GetSecretFile(GetEnv("JOBWATCH_TOKEN_FILE", ""))
	}
	return &ClientConfig{
		Origin:               GetEnv("JOBWATCH_ORIGIN", "http://localhost:8080"),
		WSURL:                GetEnv("JOBWATCH_WS_URL", ""),
		Token:                token,
		SigningKey:           GetSecretFile(GetEnv("JOBWATCH_SIGNING_KEY_FILE", "")),
		ReconnectInterval:    GetDurationEnv("JOBWATCH_RECONNECT_INTERVAL", 5*time.Second),
		MaxReconnectAttempts: GetIntEnv("JOBWATCH_MAX_RECONNECT_ATTEMPTS", 10),
		HeartbeatInterval:    GetDurationEnv("JOBWATCH_HEARTBEAT_INTERVAL", 30*time.Second),
		HandshakeTimeout:     GetDurationEnv("JOBWATCH_HANDSHAKE_TIMEOUT", 10*time.Second),
		Debug:                GetBoolEnv("JOBWATCH_DEBUG", false),
	}
}

// ServiceConfig holds configuration for the watch command's HTTP surfaces.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	RateLimit         float64       // Requests per second per client on the status API (0 disables)
	RateBurst         int
	LogLevel          string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8081"),
		MetricsPort:       GetEnv("METRICS_PORT", "9091"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 0),
		RateLimit:         GetFloatEnv("RATE_LIMIT_RPS", 20),
		RateBurst:         GetIntEnv("RATE_LIMIT_BURST", 40),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
	}
}

// CallbackConfig holds webhook forwarding settings.
type CallbackConfig struct {
	URL        string
	Events     []string // Empty means every supported event
	SigningKey string
}

// Enabled reports whether a callback URL is configured.
func (c *CallbackConfig) Enabled() bool {
	return c.URL != ""
}

// LoadCallbackConfig loads webhook forwarding settings from environment variables.
func LoadCallbackConfig() *CallbackConfig {
	return &CallbackConfig{
		URL:        GetEnv("CALLBACK_URL", ""),
		Events:     GetListEnv("CALLBACK_EVENTS"),
		SigningKey: GetEnv("CALLBACK_KEY", ""),
	}
}

// MockServerConfig holds configuration for the mock job server.
type MockServerConfig struct {
	Addr       string
	SigningKey string   // Validates HS256 tokens when set
	Tokens     []string // Static tokens accepted in addition to signed ones
}

// LoadMockServerConfig loads mock server settings from environment variables.
func LoadMockServerConfig() *MockServerConfig {
	return &MockServerConfig{
		Addr:       GetEnv("MOCK_ADDR", ":8080"),
		SigningKey: GetSecretFile(GetEnv("JOBWATCH_SIGNING_KEY_FILE", "")),
		Tokens:     GetListEnv("MOCK_TOKENS"),
	}
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
