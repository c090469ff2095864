package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-for-session-tokens"

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(testSecret, "doorbell")

	valid, err := Issue(testSecret, "doorbell", "user-42", "reviewer", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	expired, err := Issue(testSecret, "doorbell", "user-42", "reviewer", -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	wrongSecret, err := Issue("another-secret", "doorbell", "user-42", "reviewer", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	wrongIssuer, err := Issue(testSecret, "someone-else", "user-42", "reviewer", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	noSubject, err := Issue(testSecret, "doorbell", "", "reviewer", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "expired", token: expired, wantErr: ErrExpiredToken},
		{name: "wrong secret", token: wrongSecret, wantErr: ErrInvalidToken},
		{name: "wrong issuer", token: wrongIssuer, wantErr: ErrInvalidToken},
		{name: "missing subject", token: noSubject, wantErr: ErrInvalidToken},
		{name: "alg none", token: unsigned, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not-a-token", wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(ctx, tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if id.SubjectID != "user-42" || id.Role != "reviewer" {
				t.Errorf("Verify() = %+v", id)
			}
			if id.ExpiresAt.IsZero() {
				t.Error("ExpiresAt not populated")
			}
		})
	}
}

func TestRemoteVerifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subjectId":"user-7","role":"admin"}`)) //nolint:errcheck // test server
		case "Bearer flaky":
			if calls.Load() < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"subjectId":"user-8","role":"member"}`)) //nolint:errcheck // test server
		case "Bearer down":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "Bearer empty":
			_, _ = w.Write([]byte(`{"role":"member"}`)) //nolint:errcheck // test server
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	v := NewRemoteVerifier(srv.URL, nil)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		calls.Store(0)
		id, err := v.Verify(ctx, "good")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if id.SubjectID != "user-7" || id.Role != "admin" {
			t.Errorf("Verify() = %+v", id)
		}
	})

	t.Run("rejected token is not retried", func(t *testing.T) {
		calls.Store(0)
		_, err := v.Verify(ctx, "bad")
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
		if calls.Load() != 1 {
			t.Errorf("auth service called %d times, want 1", calls.Load())
		}
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		calls.Store(0)
		id, err := v.Verify(ctx, "flaky")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if id.SubjectID != "user-8" {
			t.Errorf("Verify() = %+v", id)
		}
		if calls.Load() != 3 {
			t.Errorf("auth service called %d times, want 3", calls.Load())
		}
	})

	t.Run("persistent outage", func(t *testing.T) {
		calls.Store(0)
		_, err := v.Verify(ctx, "down")
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("Verify() error = %v, want ErrUnavailable", err)
		}
		if calls.Load() != remoteAttempts {
			t.Errorf("auth service called %d times, want %d", calls.Load(), remoteAttempts)
		}
	})

	t.Run("empty subject", func(t *testing.T) {
		_, err := v.Verify(ctx, "empty")
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestCachingVerifier(t *testing.T) {
	var calls atomic.Int32
	next := VerifierFunc(func(_ context.Context, token string) (Identity, error) {
		calls.Add(1)
		if token == "bad" {
			return Identity{}, ErrInvalidToken
		}
		return Identity{SubjectID: "user-" + token, Role: "member"}, nil
	})

	v := NewCachingVerifier(next, time.Minute)
	ctx := context.Background()

	for range 3 {
		id, err := v.Verify(ctx, "1")
		if err != nil || id.SubjectID != "user-1" {
			t.Fatalf("Verify() = %+v, %v", id, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("backend called %d times for one token, want 1", calls.Load())
	}

	for range 2 {
		if _, err := v.Verify(ctx, "bad"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(bad) error = %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("failures should not be cached: backend called %d times, want 3", calls.Load())
	}
	if v.Len() != 1 {
		t.Errorf("Len() = %d, want 1", v.Len())
	}
}

func TestCachingVerifierHonorsTokenExpiry(t *testing.T) {
	var calls atomic.Int32
	expiry := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	next := VerifierFunc(func(context.Context, string) (Identity, error) {
		calls.Add(1)
		return Identity{SubjectID: "user-1", ExpiresAt: expiry}, nil
	})

	v := NewCachingVerifier(next, time.Hour)
	v.now = func() time.Time { return expiry.Add(-time.Second) }
	if _, err := v.Verify(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("backend called %d times before expiry, want 1", calls.Load())
	}

	v.now = func() time.Time { return expiry.Add(time.Second) }
	if _, err := v.Verify(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("expired cached session was reused; backend calls = %d, want 2", calls.Load())
	}
}

func TestFromCookie(t *testing.T) {
	tests := []struct {
		name    string
		cookies []string
		want    string
		wantOK  bool
	}{
		{name: "plain", cookies: []string{"session=abc123"}, want: "abc123", wantOK: true},
		{name: "among others", cookies: []string{"theme=dark; session=tok; lang=en"}, want: "tok", wantOK: true},
		{name: "url encoded", cookies: []string{"session=a%2Fb%3Dc"}, want: "a/b=c", wantOK: true},
		{name: "plus is literal", cookies: []string{"session=a+b"}, want: "a+b", wantOK: true},
		{name: "extra whitespace", cookies: []string{"  theme=dark ;   session=tok  "}, want: "tok", wantOK: true},
		{name: "missing", cookies: []string{"theme=dark"}},
		{name: "no header"},
		{name: "empty value", cookies: []string{"session="}},
		{name: "bad escape", cookies: []string{"session=%zz"}},
		{name: "similar name", cookies: []string{"sessionid=tok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			for _, c := range tt.cookies {
				r.Header.Add("Cookie", c)
			}
			got, ok := FromCookie(r)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FromCookie() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFromRequestBearerFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if _, ok := FromRequest(r); ok {
		t.Error("FromRequest() ok with no credentials")
	}

	r.Header.Set("Authorization", "Bearer  tok-1 ")
	if got, ok := FromRequest(r); !ok || got != "tok-1" {
		t.Errorf("FromRequest() = %q, %v", got, ok)
	}

	r.Header.Set("Cookie", "session=tok-2")
	if got, _ := FromRequest(r); got != "tok-2" {
		t.Errorf("cookie should win over bearer, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, ok := FromRequest(r); ok {
		t.Error("FromRequest() accepted a Basic credential")
	}
}
