package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/auth"
	"github.com/MarcoPoloResearchLab/eventboard/internal/catalog"
	"github.com/MarcoPoloResearchLab/eventboard/internal/database"
	"github.com/MarcoPoloResearchLab/eventboard/internal/events"
	"github.com/MarcoPoloResearchLab/eventboard/internal/gateway"
	"github.com/MarcoPoloResearchLab/eventboard/internal/registration"
	"github.com/MarcoPoloResearchLab/eventboard/internal/server"
	"github.com/MarcoPoloResearchLab/eventboard/internal/session"
	"github.com/MarcoPoloResearchLab/eventboard/internal/users"
)

const (
	integrationAPIKey        = "anon-key"
	integrationSigningSecret = "integration-secret"
	integrationPassword      = "hunter22"
)

type testBackend struct {
	server *httptest.Server
	users  *users.Service
}

func newTestBackend(t *testing.T, confirmEmail bool) testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "eventboard.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{
		Database:     db,
		IDProvider:   events.UUIDv7{},
		ConfirmEmail: confirmEmail,
		HashCost:     4,
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	eventsService, err := events.NewService(events.ServiceConfig{Database: db, IDProvider: events.UUIDv7{}})
	if err != nil {
		t.Fatalf("failed to build events service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(integrationSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(integrationSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer:      issuer,
		SessionValidator: validator,
		UsersService:     usersService,
		EventsService:    eventsService,
		APIKey:           integrationAPIKey,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return testBackend{server: httpServer, users: usersService}
}

type testClient struct {
	gateway    *gateway.Client
	controller *session.Controller
	store      *session.Store
	flow       *registration.Flow
	catalog    *catalog.Catalog
}

func newTestClient(t *testing.T, backend testBackend) testClient {
	t.Helper()
	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:    backend.server.URL,
		APIKey:     integrationAPIKey,
		TokenStore: gateway.NewMemoryTokenStore(nil),
	})
	if err != nil {
		t.Fatalf("failed to build gateway client: %v", err)
	}
	store := session.NewStore()
	controller, err := session.NewController(session.ControllerConfig{Gateway: client, Store: store})
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}
	flow, err := registration.NewFlow(registration.Config{Gateway: client, Identity: store})
	if err != nil {
		t.Fatalf("failed to build flow: %v", err)
	}
	directory, err := catalog.New(catalog.Config{Gateway: client, Identity: store})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	return testClient{gateway: client, controller: controller, store: store, flow: flow, catalog: directory}
}

func TestEventDirectoryRoundTrip(t *testing.T) {
	backend := newTestBackend(t, false)
	ctx := context.Background()

	alice := newTestClient(t, backend)
	alice.controller.Bootstrap(ctx)
	if alice.store.IsAuthenticated() {
		t.Fatalf("expected anonymous bootstrap")
	}
	if err := alice.controller.SignUp(ctx, "alice@example.com", integrationPassword, "Alice"); err != nil {
		t.Fatalf("alice sign up failed: %v", err)
	}
	identity, ok := alice.store.Identity()
	if !ok || identity.Name != "Alice" || identity.IsStaff {
		t.Fatalf("unexpected identity after sign up: %#v", identity)
	}

	if _, err := alice.catalog.Create(ctx, gateway.EventInput{Title: "Meetup", Date: "2099-06-01", Location: "Hall"}); err == nil {
		t.Fatalf("expected non-staff create to be refused")
	}
	if _, err := backend.users.SetStaff(ctx, "alice@example.com", true); err != nil {
		t.Fatalf("failed to grant staff: %v", err)
	}
	if err := alice.controller.SignIn(ctx, "alice@example.com", integrationPassword); err != nil {
		t.Fatalf("alice sign in failed: %v", err)
	}
	if identity, _ := alice.store.Identity(); !identity.IsStaff {
		t.Fatalf("expected staff identity after sign in")
	}

	capacity := 1
	created, err := alice.catalog.Create(ctx, gateway.EventInput{
		Title:        "Go Meetup",
		Description:  "Talks and pizza",
		Date:         "2099-06-01",
		Time:         "18:30",
		Location:     "Community Hall",
		MaxAttendees: &capacity,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Organizer != "Alice" || created.CurrentAttendees != 0 {
		t.Fatalf("unexpected created event %#v", created)
	}

	bob := newTestClient(t, backend)
	if err := bob.controller.SignUp(ctx, "bob@example.com", integrationPassword, "Bob"); err != nil {
		t.Fatalf("bob sign up failed: %v", err)
	}
	bobIdentity, _ := bob.store.Identity()
	if err := bob.flow.Register(ctx, created.ID, bobIdentity.ID); err != nil {
		t.Fatalf("bob register failed: %v", err)
	}
	view := bob.flow.Snapshot().View
	if view == nil || !view.IsRegistered(bobIdentity.ID) || view.Event.CurrentAttendees != 1 || !view.IsFull() {
		t.Fatalf("unexpected view after registration: %#v", view)
	}

	aliceIdentity, _ := alice.store.Identity()
	if err := alice.flow.Register(ctx, created.ID, aliceIdentity.ID); err == nil {
		t.Fatalf("expected full event to refuse registration")
	}
	snapshot := alice.flow.Snapshot()
	if snapshot.Error != "Event is full" || snapshot.Loading {
		t.Fatalf("unexpected flow snapshot %#v", snapshot)
	}

	if err := bob.flow.Register(ctx, created.ID, bobIdentity.ID); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if got := bob.flow.Snapshot().Error; got != "You are already registered for this event" {
		t.Fatalf("unexpected duplicate message %q", got)
	}

	if err := bob.flow.Unregister(ctx, created.ID, bobIdentity.ID); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if view := bob.flow.Snapshot().View; view.IsRegistered(bobIdentity.ID) || view.Event.CurrentAttendees != 0 {
		t.Fatalf("unexpected view after unregistration: %#v", view)
	}

	listings, err := bob.catalog.List(ctx)
	if err != nil || len(listings) != 1 {
		t.Fatalf("unexpected listings %#v (%v)", listings, err)
	}
	if listings[0].Status != catalog.StatusUpcoming || listings[0].Event.Organizer != "Alice" {
		t.Fatalf("unexpected listing %#v", listings[0])
	}

	previous, err := bob.gateway.GetSession(ctx)
	if err != nil || previous == nil {
		t.Fatalf("expected bob session, got %v (%v)", previous, err)
	}
	if err := bob.controller.SignOut(ctx); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	if bob.store.IsAuthenticated() {
		t.Fatalf("expected identity cleared after sign out")
	}
	request, _ := http.NewRequest(http.MethodGet, backend.server.URL+"/auth/v1/user", http.NoBody)
	request.Header.Set("apikey", integrationAPIKey)
	request.Header.Set("Authorization", "Bearer "+previous.AccessToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", response.StatusCode)
	}

	if err := alice.catalog.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := alice.flow.Load(ctx, created.ID); err == nil {
		t.Fatalf("expected deleted event to be missing")
	}
	if got := alice.flow.Snapshot().Error; got != "Event not found" {
		t.Fatalf("unexpected load error %q", got)
	}
}

func TestSignInReportsGatewayMessage(t *testing.T) {
	backend := newTestBackend(t, false)
	ctx := context.Background()

	client := newTestClient(t, backend)
	if err := client.controller.SignUp(ctx, "carol@example.com", integrationPassword, "Carol"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := client.controller.SignOut(ctx); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}

	if err := client.controller.SignIn(ctx, "carol@example.com", "wrong-password"); err == nil {
		t.Fatalf("expected sign in failure")
	}
	snapshot := client.store.Snapshot()
	if snapshot.Error != "Invalid login credentials" || snapshot.Identity != nil || snapshot.Loading {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}

	if err := client.controller.SignUp(ctx, "carol@example.com", integrationPassword, "Carol"); err == nil {
		t.Fatalf("expected duplicate sign up failure")
	}
	if got := client.store.Snapshot().Error; got != "User already registered" {
		t.Fatalf("unexpected duplicate sign up message %q", got)
	}
}

func TestSignUpAwaitingConfirmation(t *testing.T) {
	backend := newTestBackend(t, true)
	ctx := context.Background()

	client := newTestClient(t, backend)
	if err := client.controller.SignUp(ctx, "dana@example.com", integrationPassword, "Dana"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	snapshot := client.store.Snapshot()
	if snapshot.Identity != nil || snapshot.Message != session.MessageConfirmationSent || snapshot.Error != "" {
		t.Fatalf("unexpected snapshot after sign up %#v", snapshot)
	}

	if err := client.controller.SignIn(ctx, "dana@example.com", integrationPassword); err == nil {
		t.Fatalf("expected unconfirmed sign in to fail")
	}
	if got := client.store.Snapshot().Error; got != "Email not confirmed" {
		t.Fatalf("unexpected error %q", got)
	}

	if _, err := backend.users.Confirm(ctx, "dana@example.com"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if err := client.controller.SignIn(ctx, "dana@example.com", integrationPassword); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	identity, ok := client.store.Identity()
	if !ok || identity.Name != "Dana" {
		t.Fatalf("expected profile created during sign up, got %#v", identity)
	}
}

func TestWatchFollowsSignInFromAnotherController(t *testing.T) {
	backend := newTestBackend(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newTestClient(t, backend)
	if err := client.controller.SignUp(ctx, "erin@example.com", integrationPassword, "Erin"); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := client.controller.SignOut(ctx); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}

	watcherStore := session.NewStore()
	watcher, err := session.NewController(session.ControllerConfig{Gateway: client.gateway, Store: watcherStore})
	if err != nil {
		t.Fatalf("failed to build watcher: %v", err)
	}
	go watcher.Watch(ctx)
	time.Sleep(20 * time.Millisecond)

	if _, err := client.gateway.SignInWithPassword(ctx, "erin@example.com", integrationPassword); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot := watcherStore.Snapshot()
		if snapshot.Identity != nil && !snapshot.Loading {
			if snapshot.Identity.Name != "Erin" {
				t.Fatalf("unexpected identity %#v", snapshot.Identity)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher never resolved the identity")
}
