package store

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestSessions(t *testing.T, ttl time.Duration) *JWTSessionStore {
	t.Helper()
	redis := miniredis.RunT(t)
	s, err := NewJWTSessionStore("test-secret", redis.Addr(), "", ttl, JWTOptions{
		Issuer:   "microlab",
		Audience: "microlab-api",
	})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestSessions(t, time.Hour)
	token, err := s.NewSession(42)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a JWT, got %q", token)
	}
	uid, ok, err := s.GetUserIDByToken(token)
	if err != nil {
		t.Fatalf("get user by token: %v", err)
	}
	if !ok || uid != 42 {
		t.Fatalf("expected user 42, got %d (ok=%v)", uid, ok)
	}
}

func TestSessionRevocation(t *testing.T) {
	s := newTestSessions(t, time.Hour)
	token, err := s.NewSession(7)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err != nil || ok {
		t.Fatalf("expected revoked token to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestSessionRejectsGarbageAndForeignTokens(t *testing.T) {
	s := newTestSessions(t, time.Hour)
	if _, ok, _ := s.GetUserIDByToken("not-a-token"); ok {
		t.Fatalf("expected garbage token to be rejected")
	}

	other := newTestSessions(t, time.Hour)
	foreign, err := other.NewSession(1)
	if err != nil {
		t.Fatalf("new foreign session: %v", err)
	}
	// Same secret but different Redis: the jti is unknown here.
	if _, ok, _ := s.GetUserIDByToken(foreign); ok {
		t.Fatalf("expected foreign session token to be rejected")
	}
}
