package health

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"jobwatch/internal/dispatcher"
)

type readyFunc func(context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

type staticStats dispatcher.Stats

func (s staticStats) Stats() dispatcher.Stats { return dispatcher.Stats(s) }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	if got := checker.Liveness(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Liveness() status = %s, want healthy", got)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	notConnected := readyFunc(func(context.Context) error { return errors.New("connection is connecting") })
	open := readyFunc(func(context.Context) error { return nil })

	tests := []struct {
		name    string
		session ReadinessChecker
		opts    []Option
		want    *Response
	}{
		{
			name: "no session",
			want: &Response{
				Status: StatusUnhealthy,
				Checks: map[string]CheckResult{"session": {Status: StatusUnhealthy, Message: "session not configured"}},
			},
		},
		{
			name:    "session not open",
			session: notConnected,
			want: &Response{
				Status: StatusUnhealthy,
				Checks: map[string]CheckResult{"session": {Status: StatusUnhealthy, Message: "connection is connecting"}},
			},
		},
		{
			name:    "session open",
			session: open,
			want: &Response{
				Status: StatusHealthy,
				Checks: map[string]CheckResult{"session": {Status: StatusHealthy}},
			},
		},
		{
			name:    "open circuit degrades",
			session: open,
			opts:    []Option{WithCallbacks(staticStats{Breakers: 2, BreakersOpen: 1})},
			want: &Response{
				Status: StatusDegraded,
				Checks: map[string]CheckResult{
					"session":   {Status: StatusHealthy},
					"callbacks": {Status: StatusDegraded, Message: "1 of 2 callback destinations unavailable"},
				},
			},
		},
		{
			name:    "unhealthy wins over degraded",
			session: notConnected,
			opts:    []Option{WithCallbacks(staticStats{Breakers: 1, BreakersOpen: 1})},
			want: &Response{
				Status: StatusUnhealthy,
				Checks: map[string]CheckResult{
					"session":   {Status: StatusUnhealthy, Message: "connection is connecting"},
					"callbacks": {Status: StatusDegraded, Message: "1 of 1 callback destinations unavailable"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewChecker(tt.session, tt.opts...).Readiness(context.Background())
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Readiness() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	calls := 0
	checker := NewChecker(readyFunc(func(context.Context) error {
		calls++
		return nil
	}))

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls != 1 {
		t.Errorf("session probed %d times, want 1", calls)
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(readyFunc(func(context.Context) error { return nil }))
	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	checker.SetShuttingDown()

	got := checker.Readiness(context.Background())
	if got.IsHealthy() {
		t.Error("expected unhealthy after SetShuttingDown")
	}
	if _, ok := got.Checks["shutdown"]; !ok {
		t.Errorf("expected shutdown check, got %v", got.Checks)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
