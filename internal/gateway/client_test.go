package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testAPIKey      = "anon-key"
	testAccessToken = "token-abc"
)

func newTestClient(t *testing.T, handler http.Handler, store TokenStore, clock func() time.Time) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	if store == nil {
		store = NewMemoryTokenStore(nil)
	}
	client, err := NewClient(ClientConfig{
		BaseURL:    server.URL,
		APIKey:     testAPIKey,
		HTTPClient: server.Client(),
		TokenStore: store,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client, server
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{TokenStore: NewMemoryTokenStore(nil)}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "example.com", TokenStore: NewMemoryTokenStore(nil)}); !errors.Is(err, errInvalidBaseURL) {
		t.Fatalf("expected invalid base url error, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://example.com"}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func TestSignInWithPasswordPersistsSessionAndPublishes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected grant type %q", r.URL.Query().Get("grant_type"))
		}
		if r.Header.Get(headerAPIKey) != testAPIKey {
			t.Errorf("expected api key header")
		}
		var body credentialsPayload
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Email != "ann@x.com" || body.Password != "pw" {
			t.Errorf("unexpected credentials %#v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": testAccessToken,
			"token_type":   "bearer",
			"expires_in":   3600,
			"user":         map[string]string{"id": "u1", "email": "ann@x.com"},
		})
	})
	store := NewMemoryTokenStore(nil)
	client, _ := newTestClient(t, mux, store, func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, unsubscribe := client.OnSessionChange(ctx)
	defer unsubscribe()

	response, err := client.SignInWithPassword(ctx, "ann@x.com", "pw")
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if response.User == nil || response.User.ID != "u1" {
		t.Fatalf("unexpected user %#v", response.User)
	}
	if response.Session == nil || !response.Session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected session %#v", response.Session)
	}

	stored, _ := store.Load()
	if stored == nil || stored.AccessToken != testAccessToken {
		t.Fatalf("expected session to be persisted, got %#v", stored)
	}

	select {
	case change := <-changes:
		if change.Type != ChangeSignedIn || change.Session == nil || change.Session.User.ID != "u1" {
			t.Fatalf("unexpected change %#v", change)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected signed-in change")
	}
}

func TestSignInPassesGatewayMessageThrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "invalid_credentials", "message": "Invalid login credentials"})
	})
	client, _ := newTestClient(t, mux, nil, nil)

	_, err := client.SignInWithPassword(context.Background(), "ann@x.com", "wrong")
	gatewayErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if gatewayErr.Message != "Invalid login credentials" || gatewayErr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected error %#v", gatewayErr)
	}
}

func TestSignUpWithoutSessionLeavesStoreEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user":    map[string]string{"id": "u2", "email": "bo@x.com"},
			"session": nil,
		})
	})
	store := NewMemoryTokenStore(nil)
	client, _ := newTestClient(t, mux, store, nil)

	response, err := client.SignUp(context.Background(), "bo@x.com", "pw")
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if response.User == nil || response.User.ID != "u2" {
		t.Fatalf("unexpected user %#v", response.User)
	}
	if response.Session != nil {
		t.Fatalf("expected no session, got %#v", response.Session)
	}
	if stored, _ := store.Load(); stored != nil {
		t.Fatalf("expected empty store, got %#v", stored)
	}
}

func TestGetSessionClearsExpiredSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryTokenStore(&Session{
		AccessToken: testAccessToken,
		ExpiresAt:   now.Add(-time.Minute),
		User:        User{ID: "u1"},
	})
	client, _ := newTestClient(t, http.NotFoundHandler(), store, func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, unsubscribe := client.OnSessionChange(ctx)
	defer unsubscribe()

	session, err := client.GetSession(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Fatalf("expected expired session to be dropped")
	}
	if stored, _ := store.Load(); stored != nil {
		t.Fatalf("expected store to be cleared")
	}
	select {
	case change := <-changes:
		if change.Type != ChangeSignedOut {
			t.Fatalf("unexpected change %s", change.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected signed-out change")
	}
}

func TestSignOutRevokesAndClears(t *testing.T) {
	revoked := false
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		revoked = true
		w.WriteHeader(http.StatusNoContent)
	})
	store := NewMemoryTokenStore(&Session{AccessToken: testAccessToken, User: User{ID: "u1"}})
	client, _ := newTestClient(t, mux, store, nil)

	if err := client.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	if !revoked {
		t.Fatalf("expected logout endpoint to be called")
	}
	session, _ := client.GetSession(context.Background())
	if session != nil {
		t.Fatalf("expected no session after sign out")
	}
}

func TestSignOutWithoutSessionSkipsGateway(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("logout must not be called without a session")
	})
	client, _ := newTestClient(t, mux, nil, nil)
	if err := client.SignOut(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProfileReturnsNilWhenNoRow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/profiles", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "eq.u9" {
			t.Errorf("unexpected filter %q", r.URL.Query().Get("id"))
		}
		_, _ = w.Write([]byte("[]"))
	})
	client, _ := newTestClient(t, mux, nil, nil)

	profile, err := client.Profile(context.Background(), "u9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile != nil {
		t.Fatalf("expected nil profile, got %#v", profile)
	}
}

func TestEventDecodesAggregate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "eq.e1" {
			t.Errorf("unexpected filter %q", r.URL.Query().Get("id"))
		}
		_, _ = w.Write([]byte(`[{
			"id": "e1",
			"title": "Meetup",
			"date": "2026-05-01",
			"time": "18:30",
			"location": "Hall",
			"max_attendees": 10,
			"current_attendees": 3,
			"image_url": null,
			"organizer": {"name": "Ann"},
			"registrations": [{"event_id": "e1", "user_id": "u1"}]
		}]`))
	})
	client, _ := newTestClient(t, mux, nil, nil)

	event, err := client.Event(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.CurrentAttendees != 3 || event.MaxAttendees == nil || *event.MaxAttendees != 10 {
		t.Fatalf("unexpected counts %#v", event)
	}
	if event.Organizer != "Ann" || event.ImageURL != "" {
		t.Fatalf("unexpected organizer or image %#v", event)
	}
	if !event.HasRegistration("u1") || event.HasRegistration("u2") {
		t.Fatalf("unexpected membership %#v", event.Registrations)
	}
}

func TestEventMissingRowIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/events", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	client, _ := newTestClient(t, mux, nil, nil)

	_, err := client.Event(context.Background(), "missing")
	gatewayErr, ok := AsError(err)
	if !ok || gatewayErr.Status != http.StatusNotFound || gatewayErr.Message != "Event not found" {
		t.Fatalf("expected not found gateway error, got %v", err)
	}
}

func TestTransportFailureIsGatewayError(t *testing.T) {
	client, server := newTestClient(t, http.NotFoundHandler(), nil, nil)
	server.Close()

	_, err := client.Events(context.Background())
	gatewayErr, ok := AsError(err)
	if !ok || gatewayErr.Code != codeTransport {
		t.Fatalf("expected transport gateway error, got %v", err)
	}
}
