package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type tokenServer struct {
	srv       *httptest.Server
	calls     atomic.Int32
	ttl       int64
	delay     time.Duration
	failing   atomic.Bool
	gotSecret atomic.Value
}

func newTokenServer(t *testing.T, ttl int64, delay time.Duration) *tokenServer {
	t.Helper()
	ts := &tokenServer{ttl: ttl, delay: delay}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		n := ts.calls.Add(1)
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if ts.failing.Load() {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		ts.gotSecret.Store(r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   ts.ttl,
		})
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ts *tokenServer, clock *fakeClock) *TokenCache {
	c := NewTokenCache(ts.srv.URL, "client", "s3cret", time.Minute, 2*time.Second, nil, nil)
	c.Now = clock.Now
	return c
}

func TestTokenCacheReusesFreshCredential(t *testing.T) {
	ts := newTokenServer(t, 3600, 0)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := newTestCache(ts, clock)

	first, err := cache.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	clock.Advance(30 * time.Minute)
	second, err := cache.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	if first.Token != second.Token {
		t.Errorf("token changed from %q to %q while fresh", first.Token, second.Token)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
	if want := first.IssuedAt.Add(59 * time.Minute); !first.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", first.ExpiresAt, want)
	}
	if got := ts.gotSecret.Load(); got != "s3cret" {
		t.Errorf("client_secret sent = %v, want s3cret", got)
	}
}

func TestTokenCacheRefreshesInsideSafetyMargin(t *testing.T) {
	ts := newTokenServer(t, 3600, 0)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := newTestCache(ts, clock)

	first, _ := cache.GetToken(context.Background())
	clock.Advance(59*time.Minute + time.Second)
	second, err := cache.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if first.Token == second.Token {
		t.Fatal("stale credential was returned")
	}
	if !clock.Now().Before(second.ExpiresAt) {
		t.Errorf("returned credential expires at %v, not after now %v", second.ExpiresAt, clock.Now())
	}
}

func TestTokenCacheShortTTLClampsMargin(t *testing.T) {
	ts := newTokenServer(t, 60, 0)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := newTestCache(ts, clock)

	cred, err := cache.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if want := clock.Now().Add(30 * time.Second); !cred.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, want)
	}
}

func TestTokenCacheSingleFlight(t *testing.T) {
	ts := newTokenServer(t, 3600, 50*time.Millisecond)
	cache := NewTokenCache(ts.srv.URL, "client", "s3cret", time.Minute, 2*time.Second, nil, nil)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := cache.GetToken(context.Background())
			tokens[i], errs[i] = cred.Token, err
		}()
	}
	wg.Wait()

	if got := ts.calls.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d token = %q, want %q", i, tokens[i], tokens[0])
		}
	}
}

func TestTokenCacheFailureIsNotCached(t *testing.T) {
	ts := newTokenServer(t, 3600, 0)
	ts.failing.Store(true)
	cache := NewTokenCache(ts.srv.URL, "client", "wrong", time.Minute, 2*time.Second, nil, nil)

	_, err := cache.GetToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("GetToken() error = %v, want *AuthError", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", authErr.StatusCode)
	}

	ts.failing.Store(false)
	cred, err := cache.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken() after recovery error = %v", err)
	}
	if cred.Token != "tok-2" {
		t.Errorf("Token = %q, want tok-2", cred.Token)
	}
}

func TestTokenCacheCallerCancellation(t *testing.T) {
	ts := newTokenServer(t, 3600, 200*time.Millisecond)
	cache := NewTokenCache(ts.srv.URL, "client", "s3cret", time.Minute, 2*time.Second, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.GetToken(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetToken() error = %v, want deadline exceeded", err)
	}

	// The abandoned exchange still completes and is shared with later callers.
	cred, err := cache.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if cred.Token != "tok-1" {
		t.Errorf("Token = %q, want tok-1", cred.Token)
	}
}
