package retrying

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_DelaySchedule(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{20, 5 * time.Minute}, // capped
		{0, time.Second},      // floored to the first attempt
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, Multiplier: 2, Jitter: true}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %s outside ±20%% of 10s", d)
		}
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	boom := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the last failure", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2}

	boom := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return MarkPermanent(boom)
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want unwrapped cause", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, permanent errors must not retry", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, cancellation during backoff must stop retries", calls)
	}
}

func TestMarkPermanent_Nil(t *testing.T) {
	if MarkPermanent(nil) != nil {
		t.Error("MarkPermanent(nil) must be nil")
	}
}
