package session

import (
	"context"
	"testing"
	"time"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
)

type fakeClient struct {
	profile domain.UserProfile
	err     error
}

func (f fakeClient) CurrentUser(ctx context.Context) (domain.UserProfile, error) {
	return f.profile, f.err
}

func factoryReturning(profile domain.UserProfile, err error) ClientFactory {
	return func(baseURL, token string) UserClient {
		return fakeClient{profile: profile, err: err}
	}
}

func TestCreate_ValidTokenSucceeds(t *testing.T) {
	store := New(time.Hour, time.Hour, factoryReturning(domain.UserProfile{ID: "1", Username: "alice"}, nil))
	defer store.Close()

	sess, err := store.Create(context.Background(), "https://gitlab.example.com", "tok")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sess.ID == "" {
		t.Error("expected a generated session id")
	}
	if sess.User.Username != "alice" {
		t.Errorf("expected cached profile, got %+v", sess.User)
	}
}

func TestCreate_RejectedTokenFailsBadCredentials(t *testing.T) {
	store := New(time.Hour, time.Hour, factoryReturning(domain.UserProfile{}, apperr.NotFoundf("no such user")))
	defer store.Close()

	_, err := store.Create(context.Background(), "https://gitlab.example.com", "bad-tok")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apperr.Is(err, apperr.KindBadCredentials) {
		t.Errorf("expected KindBadCredentials, got %v", apperr.KindOf(err))
	}
}

func TestGet_NeverReturnsToken(t *testing.T) {
	store := New(time.Hour, time.Hour, factoryReturning(domain.UserProfile{ID: "1"}, nil))
	defer store.Close()

	sess, _ := store.Create(context.Background(), "https://gitlab.example.com", "secret-token")
	got, err := store.Get(sess.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Token != "" {
		t.Error("Get must never return the bearer token")
	}
}

func TestWithToken_CallsFnWithActualToken(t *testing.T) {
	store := New(time.Hour, time.Hour, factoryReturning(domain.UserProfile{ID: "1"}, nil))
	defer store.Close()

	sess, _ := store.Create(context.Background(), "https://gitlab.example.com", "secret-token")

	var seenToken string
	err := store.WithToken(sess.ID, func(baseURL, token string) error {
		seenToken = token
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if seenToken != "secret-token" {
		t.Errorf("expected the real token to reach the callback, got %q", seenToken)
	}
}

func TestRevoke_SubsequentWithTokenFailsBadCredentials(t *testing.T) {
	store := New(time.Hour, time.Hour, factoryReturning(domain.UserProfile{ID: "1"}, nil))
	defer store.Close()

	sess, _ := store.Create(context.Background(), "https://gitlab.example.com", "tok")
	store.Revoke(sess.ID)

	err := store.WithToken(sess.ID, func(baseURL, token string) error { return nil })
	if err == nil {
		t.Fatal("expected an error after revoke")
	}
	if !apperr.Is(err, apperr.KindBadCredentials) {
		t.Errorf("expected KindBadCredentials, got %v", apperr.KindOf(err))
	}
}

func TestSweep_ReapsExpiredSessions(t *testing.T) {
	store := New(20*time.Millisecond, 10*time.Millisecond, factoryReturning(domain.UserProfile{ID: "1"}, nil))
	defer store.Close()

	sess, _ := store.Create(context.Background(), "https://gitlab.example.com", "tok")

	time.Sleep(80 * time.Millisecond)

	if _, err := store.Get(sess.ID); err == nil {
		t.Error("expected session to be reaped after idle TTL elapsed")
	}
}

func TestTouch_ResetsIdleClock(t *testing.T) {
	store := New(40*time.Millisecond, 10*time.Millisecond, factoryReturning(domain.UserProfile{ID: "1"}, nil))
	defer store.Close()

	sess, _ := store.Create(context.Background(), "https://gitlab.example.com", "tok")

	deadline := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		if err := store.Touch(sess.ID); err != nil {
			t.Fatalf("touch failed: %v", err)
		}
	}

	if _, err := store.Get(sess.ID); err != nil {
		t.Errorf("expected session kept alive by touches, got %v", err)
	}
}
