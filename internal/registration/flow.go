package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/gateway"
	"github.com/MarcoPoloResearchLab/eventboard/internal/session"
)

// ErrSignInRequired is returned, without contacting the gateway, when a
// registration change is attempted with no signed-in identity.
var ErrSignInRequired = errors.New("registration: sign in required")

var (
	errMissingGateway  = errors.New("gateway is required")
	errMissingIdentity = errors.New("identity source is required")
	noOpLogger         = zap.NewNop()
)

const (
	messageRegisterFailed   = "Registration failed"
	messageUnregisterFailed = "Unregistration failed"
	messageLoadFailed       = "Failed to load event"
)

// Gateway is the subset of the backend the flow needs.
type Gateway interface {
	Event(ctx context.Context, id string) (gateway.EventRow, error)
	Register(ctx context.Context, eventID, userID string) error
	Unregister(ctx context.Context, eventID, userID string) error
}

// IdentitySource reports the signed-in identity. *session.Store satisfies it.
type IdentitySource interface {
	Identity() (session.Identity, bool)
}

// Error carries the user-facing message of a failed step.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// View is the event aggregate as last read from the gateway.
type View struct {
	Event gateway.EventRow
}

// IsRegistered reports whether userID holds a registration for the event.
func (v View) IsRegistered(userID string) bool {
	return v.Event.HasRegistration(userID)
}

// IsFull reports whether a capped event has no free seats.
func (v View) IsFull() bool {
	return v.Event.MaxAttendees != nil && v.Event.CurrentAttendees >= *v.Event.MaxAttendees
}

// IsPast reports whether the event started before now. Unparseable dates
// count as not past.
func (v View) IsPast(now time.Time) bool {
	startsAt, err := v.Event.StartsAt()
	if err != nil {
		return false
	}
	return startsAt.Before(now)
}

// Snapshot is a point-in-time copy of the flow state.
type Snapshot struct {
	View    *View
	Loading bool
	Error   string
}

type Config struct {
	Gateway  Gateway
	Identity IdentitySource
	Logger   *zap.Logger
}

// Flow owns the state of one event detail view.
type Flow struct {
	gateway  Gateway
	identity IdentitySource
	logger   *zap.Logger

	mu       sync.RWMutex
	view     *View
	inflight int
	lastErr  string
}

func NewFlow(cfg Config) (*Flow, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Flow{gateway: cfg.Gateway, identity: cfg.Identity, logger: logger}, nil
}

// Snapshot returns a copy of the current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snapshot := Snapshot{Loading: f.inflight > 0, Error: f.lastErr}
	if f.view != nil {
		copied := *f.view
		copied.Event.Registrations = append([]gateway.RegistrationRow(nil), f.view.Event.Registrations...)
		snapshot.View = &copied
	}
	return snapshot
}

// Load reads the event aggregate into the view.
func (f *Flow) Load(ctx context.Context, eventID string) error {
	f.begin()
	defer f.finish()

	if err := f.refresh(ctx, eventID); err != nil {
		return f.fail("registration.load", eventID, err, messageLoadFailed)
	}
	return nil
}

// Register inserts the registration row and re-reads the aggregate.
func (f *Flow) Register(ctx context.Context, eventID, userID string) error {
	if _, ok := f.identity.Identity(); !ok {
		return ErrSignInRequired
	}

	f.begin()
	defer f.finish()

	if err := f.gateway.Register(ctx, eventID, userID); err != nil {
		return f.fail("registration.register", eventID, err, messageRegisterFailed)
	}
	if err := f.refresh(ctx, eventID); err != nil {
		return f.fail("registration.register", eventID, err, messageLoadFailed)
	}
	f.logger.Info("registered for event", zap.String("event_id", eventID), zap.String("user_id", userID))
	return nil
}

// Unregister deletes the registration row and re-reads the aggregate.
// A successful delete does not imply a row existed.
func (f *Flow) Unregister(ctx context.Context, eventID, userID string) error {
	if _, ok := f.identity.Identity(); !ok {
		return ErrSignInRequired
	}

	f.begin()
	defer f.finish()

	if err := f.gateway.Unregister(ctx, eventID, userID); err != nil {
		return f.fail("registration.unregister", eventID, err, messageUnregisterFailed)
	}
	if err := f.refresh(ctx, eventID); err != nil {
		return f.fail("registration.unregister", eventID, err, messageLoadFailed)
	}
	f.logger.Info("unregistered from event", zap.String("event_id", eventID), zap.String("user_id", userID))
	return nil
}

func (f *Flow) refresh(ctx context.Context, eventID string) error {
	event, err := f.gateway.Event(ctx, eventID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.view = &View{Event: event}
	f.mu.Unlock()
	return nil
}

func (f *Flow) begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight++
	f.lastErr = ""
}

func (f *Flow) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight > 0 {
		f.inflight--
	}
}

func (f *Flow) fail(operation, eventID string, err error, fallback string) error {
	message := fallback
	if gatewayErr, ok := gateway.AsError(err); ok && gatewayErr.Message != "" {
		message = gatewayErr.Message
	}
	f.logger.Warn("registration step failed",
		zap.String("operation", operation),
		zap.String("event_id", eventID),
		zap.Error(err),
	)
	f.mu.Lock()
	f.lastErr = message
	f.mu.Unlock()
	return &Error{Message: message, Err: err}
}
