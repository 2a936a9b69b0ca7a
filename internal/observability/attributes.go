// Package observability provides metrics and their attribute helpers.
package observability

import (
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod      = "method"
	attrPath        = "path"
	attrStatus      = "status"
	attrSuccess     = "success"
	attrAttempt     = "attempt"
	attrCloseCode   = "close_code"
	attrMessageType = "message_type"
	attrJobStatus   = "job_status"
	attrCode        = "code"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123/subscription -> /v1/jobs/{jobId}/subscription
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func attemptAttr(attempt int) attribute.KeyValue {
	// Attempts beyond the ramp share a bucket
	if attempt > 5 {
		return attribute.String(attrAttempt, "5+")
	}
	return attribute.String(attrAttempt, strconv.Itoa(attempt))
}

func closeCodeAttr(code int) attribute.KeyValue {
	return attribute.Int(attrCloseCode, code)
}

func messageTypeAttr(t string) attribute.KeyValue {
	if t == "" {
		t = "unknown"
	}
	return attribute.String(attrMessageType, t)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func codeAttr(code string) attribute.KeyValue {
	if code == "" {
		code = "none"
	}
	return attribute.String(attrCode, code)
}

// normalizePath replaces the job ID segment with a placeholder.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, suffix, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + suffix
	}
	return prefix + "{jobId}"
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}
