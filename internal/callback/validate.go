package callback

import (
	"fmt"
	"net/url"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/config"
	"jobwatch/internal/job"
)

const maxEvents = 16

// Validate checks webhook settings before anything is forwarded. A config
// without a URL is disabled and always valid.
func Validate(cfg config.CallbackConfig) error {
	if cfg.URL == "" {
		return nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return apperrors.Validation("callback.url", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Validation("callback.url", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return apperrors.Validation("callback.url", "URL must have a host")
	}

	if len(cfg.Events) > maxEvents {
		return apperrors.Validation("callback.events", fmt.Sprintf("too many events (max %d)", maxEvents))
	}
	for _, name := range cfg.Events {
		if !job.IsCallbackEvent(name) {
			return apperrors.Validation("callback.events", fmt.Sprintf("unknown event %q", name))
		}
	}
	return nil
}
