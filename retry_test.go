package stkboot

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRetryPolicyRun(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		max      int
		outcomes []attempt
		fail     int
		wantN    int
		wantRes  attempt
		wantErr  error
	}{
		{"first try", 5, []attempt{attemptOK}, -1, 1, attemptOK, nil},
		{"third try", 5, []attempt{attemptNoSync, attemptTimedOut, attemptOK}, -1, 3, attemptOK, nil},
		{"exhausted", 3, []attempt{attemptNoSync, attemptNoSync, attemptNoSync}, -1, 3, attemptNoSync, nil},
		{"error stops", 5, []attempt{attemptTimedOut, attemptTimedOut}, 1, 2, attemptTimedOut, boom},
		{"zero budget runs once", 0, []attempt{attemptTimedOut}, -1, 1, attemptTimedOut, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RetryPolicy{MaxAttempts: tt.max}
			n, res, err := p.run(context.Background(), func(n int) (attempt, error) {
				if n == tt.fail {
					return tt.outcomes[n], boom
				}
				return tt.outcomes[n], nil
			})
			if n != tt.wantN || res != tt.wantRes || err != tt.wantErr {
				t.Errorf("run() = %d, %v, %v; want %d, %v, %v", n, res, err, tt.wantN, tt.wantRes, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicyCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 10, Delay: time.Hour}
	calls := 0
	n, _, err := p.run(ctx, func(int) (attempt, error) {
		calls++
		cancel()
		return attemptNoSync, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run() error = %v, want context.Canceled", err)
	}
	if calls != 1 || n != 1 {
		t.Errorf("calls = %d, n = %d, want 1", calls, n)
	}
}

func TestAttemptErr(t *testing.T) {
	if attemptOK.err() != nil {
		t.Error("attemptOK.err() != nil")
	}
	if !errors.Is(attemptNoSync.err(), ErrSyncLost) || !errors.Is(attemptTimedOut.err(), ErrTimeout) {
		t.Error("attempt sentinels mismatch")
	}
}
