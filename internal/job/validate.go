package job

import (
	"fmt"
	"strings"
	"unicode"

	"jobwatch/internal/apperrors"
)

// maxJobIDLength bounds IDs accepted from HTTP path parameters.
const maxJobIDLength = 512

// ValidateID checks a job ID taken from an HTTP request. Server-assigned IDs
// are opaque, so only empty, oversized or control-character IDs are refused.
func ValidateID(id string) error {
	if id == "" {
		return apperrors.Validation("jobId", "job ID is required")
	}
	if len(id) > maxJobIDLength {
		return apperrors.Validation("jobId", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	if strings.ContainsFunc(id, unicode.IsControl) {
		return apperrors.Validation("jobId", "job ID must not contain control characters")
	}
	return nil
}
