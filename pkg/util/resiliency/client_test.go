package resiliency

import (
	"context"
	"errors"
	"testing"
)

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier("test", 3)
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetrierOpensCircuitAfterThreshold(t *testing.T) {
	r := NewRetrier("test", 0)
	failing := func(ctx context.Context) error { return errors.New("fail") }

	for i := 0; i < 5; i++ {
		_ = r.Do(context.Background(), failing)
	}

	err := r.Do(context.Background(), failing)
	if err == nil {
		t.Fatal("expected circuit breaker to be open")
	}
}
