package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Fixed(5, time.Millisecond), func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("Do = %v after %d calls", err, calls)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Fixed(4, time.Millisecond), func(context.Context) error {
			calls++
			return boom
		})
		if !errors.Is(err, ErrMaxRetries) || !errors.Is(err, boom) {
			t.Fatalf("Do = %v", err)
		}
		var re *Error
		if !errors.As(err, &re) || re.Attempts != 4 || calls != 4 {
			t.Errorf("attempts = %d, calls = %d", re.Attempts, calls)
		}
	})

	t.Run("not retryable", func(t *testing.T) {
		calls := 0
		err := Do(ctx, Fixed(4, time.Millisecond), func(context.Context) error {
			calls++
			return MarkNotRetryable(boom)
		})
		if !errors.Is(err, ErrNotRetryable) || calls != 1 {
			t.Fatalf("Do = %v after %d calls", err, calls)
		}
	})

	t.Run("custom classifier", func(t *testing.T) {
		cfg := Fixed(4, time.Millisecond)
		cfg.IsRetryable = func(err error) bool { return !errors.Is(err, boom) }
		calls := 0
		_ = Do(ctx, cfg, func(context.Context) error {
			calls++
			return boom
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := Do(cctx, Fixed(10, time.Hour), func(context.Context) error {
			calls++
			cancel()
			return boom
		})
		if !errors.Is(err, ErrContextCanceled) || calls != 1 {
			t.Fatalf("Do = %v after %d calls", err, calls)
		}
	})
}

func TestDoWithResult(t *testing.T) {
	n := 0
	v, err := DoWithResult(context.Background(), Fixed(3, time.Millisecond), func(context.Context) (int, error) {
		n++
		if n == 1 {
			return 0, MarkRetryable(errors.New("again"))
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("DoWithResult = %d, %v", v, err)
	}
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	n := 0
	if err := Poll(ctx, Fixed(5, time.Millisecond), func() bool { n++; return n == 3 }); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	err := Poll(ctx, Fixed(3, time.Millisecond), func() bool { return false })
	if !errors.Is(err, ErrMaxRetries) || !errors.Is(err, ErrConditionNotMet) {
		t.Fatalf("Poll = %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := applyDefaults(Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2})
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := backoff(cfg, i); got != w*time.Millisecond {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	if got := backoff(applyDefaults(Fixed(3, time.Second)), 5); got != time.Second {
		t.Errorf("fixed backoff = %v", got)
	}
}
