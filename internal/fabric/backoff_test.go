package fabric_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Dmitry19794/tproxy/internal/fabric"
)

func TestRetryWithBackoffSucceedsEventually(t *testing.T) {
	attempts := 0
	err := fabric.RetryWithBackoff(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithBackoff() error = %v, want nil", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryWithBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("permanent")
	err := fabric.RetryWithBackoff(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("RetryWithBackoff() error = %v, want %v", err, wantErr)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
