package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{Attempts: 3}, func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	cfg := Config{
		Attempts:     5,
		InitialDelay: time.Millisecond,
		Multiplier:   1.5,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("throttled")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_AttemptsExhausted(t *testing.T) {
	cfg := Config{Attempts: 3, InitialDelay: time.Millisecond}

	attempts := 0
	expectedErr := errors.New("persistent error")
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return expectedErr
	})

	if !errors.Is(err, expectedErr) {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), Config{}, func(ctx context.Context) error {
		attempts++
		return errors.New("fail")
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_Permanent(t *testing.T) {
	cfg := Config{Attempts: 5, InitialDelay: time.Millisecond}

	attempts := 0
	cause := errors.New("validation error")
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return Permanent(cause)
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if err != cause {
		t.Errorf("expected unwrapped cause, got %v", err)
	}
	if IsPermanent(err) {
		t.Error("returned error should no longer be marked permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Attempts: 10, InitialDelay: time.Hour}

	attempts := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, cfg, func(ctx context.Context) error {
			attempts++
			return errors.New("fail")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}
