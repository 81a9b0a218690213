package velocity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/billscope/internal/cache"
	"github.com/opensource-finance/billscope/internal/domain"
)

func TestLimiter(t *testing.T) {
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	limiter := NewLimiter(lru, domain.RateLimitConfig{Enabled: true, Requests: 3, Window: time.Minute})
	ctx := context.Background()

	tests := []struct {
		name          string
		scope         string
		userID        string
		wantAllowed   bool
		wantRemaining int64
	}{
		{"First", "whatif", "user-1", true, 2},
		{"Second", "whatif", "user-1", true, 1},
		{"Third", "whatif", "user-1", true, 0},
		{"OverLimit", "whatif", "user-1", false, 0},
		{"OtherUser", "whatif", "user-2", true, 2},
		{"OtherScope", "anomalies", "user-1", true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := limiter.Allow(ctx, tt.scope, tt.userID)
			if err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Errorf("expected allowed=%v, got %v (count %d)", tt.wantAllowed, d.Allowed, d.Count)
			}
			if d.Remaining != tt.wantRemaining {
				t.Errorf("expected remaining %d, got %d", tt.wantRemaining, d.Remaining)
			}
		})
	}
}

func TestLimiterWindowExpires(t *testing.T) {
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	limiter := NewLimiter(lru, domain.RateLimitConfig{Enabled: true, Requests: 1, Window: 20 * time.Millisecond})
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "whatif", "user-1"); !d.Allowed {
		t.Fatal("expected first request allowed")
	}
	if d, _ := limiter.Allow(ctx, "whatif", "user-1"); d.Allowed {
		t.Fatal("expected second request limited")
	}

	time.Sleep(40 * time.Millisecond)

	if d, _ := limiter.Allow(ctx, "whatif", "user-1"); !d.Allowed {
		t.Error("expected request allowed after the window")
	}
}

func TestLimiterRequiresUser(t *testing.T) {
	limiter := NewLimiter(cache.NewLRUCache(10), domain.RateLimitConfig{Requests: 1})

	if _, err := limiter.Allow(context.Background(), "whatif", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if limiter.Window() != time.Minute {
		t.Errorf("expected default window of a minute, got %s", limiter.Window())
	}
}

func TestLimiterUnlimited(t *testing.T) {
	limiter := NewLimiter(cache.NewLRUCache(10), domain.RateLimitConfig{})

	for i := 0; i < 5; i++ {
		if d, err := limiter.Allow(context.Background(), "whatif", "user-1"); err != nil || !d.Allowed {
			t.Fatalf("expected unlimited limiter to allow, got %+v, %v", d, err)
		}
	}
}
