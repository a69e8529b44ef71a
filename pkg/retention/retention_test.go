package retention

import (
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewScheduler_RejectsMalformedCronExpression(t *testing.T) {
	cases := []string{
		"",
		"not a cron expression",
		"60 * * * *",    // minute out of range
		"* * * * * *",   // six fields, not the standard five
		"* * 32 * *",    // day-of-month out of range
	}
	for _, spec := range cases {
		t.Run(spec, func(t *testing.T) {
			_, err := NewScheduler(spec, Windows{}, Deps{}, discardLogger(), nil)
			if err == nil {
				t.Errorf("NewScheduler(%q) should have rejected the expression", spec)
			}
		})
	}
}

func TestNewScheduler_AcceptsValidCronExpressions(t *testing.T) {
	cases := []string{
		"0 3 * * *",   // daily at 3am
		"*/15 * * * *", // every 15 minutes
		"0 0 1 * *",   // first of the month
	}
	for _, spec := range cases {
		t.Run(spec, func(t *testing.T) {
			s, err := NewScheduler(spec, Windows{BatchSize: 500}, Deps{}, discardLogger(), nil)
			if err != nil {
				t.Fatalf("NewScheduler(%q) returned unexpected error: %v", spec, err)
			}
			if s.spec != spec {
				t.Errorf("spec = %q, want %q", s.spec, spec)
			}
			if s.windows.BatchSize != 500 {
				t.Errorf("windows.BatchSize = %d, want 500", s.windows.BatchSize)
			}
		})
	}
}

func TestNewScheduler_DefaultsNilOnResultToNoop(t *testing.T) {
	s, err := NewScheduler("0 3 * * *", Windows{}, Deps{}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.onResult == nil {
		t.Fatal("onResult should default to a no-op function, not stay nil")
	}
	// Must not panic when invoked with a zero-value TaskResult.
	s.onResult(TaskResult{})
}

func TestScheduler_FireDropsOverlappingRun(t *testing.T) {
	s, err := NewScheduler("0 3 * * *", Windows{}, Deps{}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	// fire() must return immediately (logging a warning) instead of
	// dereferencing the nil stores in Deps{}, which would panic.
	s.fire(nil) //nolint:staticcheck // nil context is fine; fire returns before using it

	s.mu.Lock()
	stillRunning := s.running
	s.mu.Unlock()
	if !stillRunning {
		t.Error("fire() should not have cleared the running flag for a skipped fire")
	}
}
