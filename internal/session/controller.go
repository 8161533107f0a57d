package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/gateway"
)

// DefaultProfileTimeout bounds the profile fetch during identity resolution.
const DefaultProfileTimeout = 5 * time.Second

var (
	errMissingGateway = errors.New("gateway is required")
	errMissingStore   = errors.New("session store is required")
	noOpLogger        = zap.NewNop()
)

// Gateway is the subset of the remote backend the controller drives.
type Gateway interface {
	GetSession(ctx context.Context) (*gateway.Session, error)
	OnSessionChange(ctx context.Context) (<-chan gateway.SessionChange, func())
	SignInWithPassword(ctx context.Context, email, password string) (gateway.AuthResponse, error)
	SignUp(ctx context.Context, email, password string) (gateway.AuthResponse, error)
	SignOut(ctx context.Context) error
	Profile(ctx context.Context, id string) (*gateway.ProfileRow, error)
	InsertProfile(ctx context.Context, row gateway.ProfileRow) error
	Registrations(ctx context.Context, userID string) ([]gateway.RegistrationRow, error)
}

type ControllerConfig struct {
	Gateway        Gateway
	Store          *Store
	ProfileTimeout time.Duration
	Logger         *zap.Logger
}

// Controller drives the auth lifecycle and is the only writer of its Store.
type Controller struct {
	gateway        Gateway
	store          *Store
	profileTimeout time.Duration
	logger         *zap.Logger
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	store := cfg.Store
	if store == nil {
		return nil, errMissingStore
	}
	timeout := cfg.ProfileTimeout
	if timeout <= 0 {
		timeout = DefaultProfileTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Controller{
		gateway:        cfg.Gateway,
		store:          store,
		profileTimeout: timeout,
		logger:         logger,
	}, nil
}

// Store exposes the observable state.
func (c *Controller) Store() *Store {
	return c.store
}

// Bootstrap restores any persisted session and resolves its identity.
func (c *Controller) Bootstrap(ctx context.Context) {
	seq := c.store.begin(false)
	defer c.store.finish()

	session, err := c.gateway.GetSession(ctx)
	if err != nil {
		failure := classify(err, messageBootstrapFailed)
		c.logFailure("session.bootstrap", failure)
		c.store.commit(seq, setIdentityAndError(nil, failure.message))
		return
	}
	if session == nil {
		c.store.commit(seq, setIdentity(nil))
		return
	}

	identity, err := c.resolveIdentity(ctx, session.User)
	if err != nil {
		failure := classify(err, messageBootstrapFailed)
		c.logFailure("session.bootstrap", failure)
		c.store.commit(seq, setIdentityAndError(nil, failure.message))
		return
	}
	c.applyIdentity(seq, identity)
}

// OnExternalSessionChange reconciles the store with a session change that
// originated outside this controller. A nil session clears the identity.
func (c *Controller) OnExternalSessionChange(ctx context.Context, session *gateway.Session) {
	seq := c.store.begin(false)
	defer c.store.finish()

	if session == nil {
		c.store.commit(seq, setIdentity(nil))
		return
	}

	identity, err := c.resolveIdentity(ctx, session.User)
	if err != nil {
		if !c.sessionCurrent(ctx, session) {
			c.logger.Debug("stale session change discarded", zap.String("user_id", session.User.ID))
			return
		}
		failure := classify(err, messageChangeFailed)
		c.logFailure("session.external_change", failure)
		c.store.commit(seq, setIdentityAndError(nil, failure.message))
		return
	}
	c.applyIdentity(seq, identity)
}

// sessionCurrent reports whether session still belongs to the gateway's
// signed-in user. A lookup error leaves the change in force.
func (c *Controller) sessionCurrent(ctx context.Context, session *gateway.Session) bool {
	current, err := c.gateway.GetSession(ctx)
	if err != nil {
		return true
	}
	return current != nil && current.User.ID == session.User.ID
}

// Watch feeds gateway session changes into OnExternalSessionChange until ctx
// is cancelled or the gateway closes the stream.
func (c *Controller) Watch(ctx context.Context) {
	changes, unsubscribe := c.gateway.OnSessionChange(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.logger.Debug("session change received", zap.String("type", string(change.Type)))
			c.OnExternalSessionChange(ctx, change.Session)
		}
	}
}

// SignIn authenticates with email and password and resolves the identity.
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	seq := c.store.begin(true)
	defer c.store.finish()

	response, err := c.gateway.SignInWithPassword(ctx, email, password)
	if err != nil {
		return c.failAuthentication("session.sign_in", classify(err, messageSignInFailed))
	}
	if response.User == nil {
		return c.failAuthentication("session.sign_in", newError(ErrOperationFailed, messageSignInFailed, nil))
	}

	identity, err := c.resolveIdentity(ctx, *response.User)
	if err != nil {
		return c.failAuthentication("session.sign_in", classify(err, messageSignInFailed))
	}
	c.applyIdentity(seq, identity)
	return nil
}

// SignUp creates an account and its profile row. When the profile insert
// fails the fresh session is torn down before the failure is reported.
func (c *Controller) SignUp(ctx context.Context, email, password, name string) error {
	seq := c.store.begin(true)
	defer c.store.finish()

	response, err := c.gateway.SignUp(ctx, email, password)
	if err != nil {
		return c.failAuthentication("session.sign_up", classify(err, messageSignUpFailed))
	}
	if response.User == nil {
		return c.failAuthentication("session.sign_up", newError(ErrUserCreationFailed, messageUserCreation, nil))
	}
	user := *response.User

	if err := c.gateway.InsertProfile(ctx, gateway.ProfileRow{ID: user.ID, Name: name, IsStaff: false}); err != nil {
		c.compensateSignUp(ctx, user)
		return c.failAuthentication("session.sign_up", newError(ErrProfileCreationFailed, messageProfileCreation, err))
	}

	if response.Session == nil {
		c.store.commit(seq, setIdentity(nil))
		c.store.report("", MessageConfirmationSent)
		c.logger.Info("sign up awaiting email confirmation", zap.String("user_id", user.ID))
		return nil
	}

	identity, err := c.resolveIdentity(ctx, user)
	if err != nil {
		return c.failAuthentication("session.sign_up", classify(err, messageSignUpFailed))
	}
	c.applyIdentity(seq, identity)
	return nil
}

// SignOut ends the session. On failure the identity is left untouched.
func (c *Controller) SignOut(ctx context.Context) error {
	seq := c.store.begin(true)
	defer c.store.finish()

	if err := c.gateway.SignOut(ctx); err != nil {
		failure := classify(err, messageSignOutFailed)
		c.logFailure("session.sign_out", failure)
		c.store.report(failure.message, "")
		return failure
	}
	c.store.commit(seq, setIdentity(nil))
	return nil
}

// compensateSignUp revokes the session a sign-up may have established.
// Its own failure is logged; the caller still reports the sign-up failure.
func (c *Controller) compensateSignUp(ctx context.Context, user gateway.User) {
	ctx = context.WithoutCancel(ctx)
	if session, err := c.gateway.GetSession(ctx); err == nil && session == nil {
		c.logger.Debug("sign up compensation skipped", zap.String("user_id", user.ID))
		return
	}
	if err := c.gateway.SignOut(ctx); err != nil {
		c.logger.Error("sign up compensation failed",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return
	}
	c.logger.Warn("sign up rolled back", zap.String("user_id", user.ID))
}

// resolveIdentity joins the authenticated user with its profile and
// registrations. Registration lookup failures degrade to an empty list.
func (c *Controller) resolveIdentity(ctx context.Context, user gateway.User) (Identity, error) {
	profile, err := WithTimeout(ctx, c.profileTimeout, func(ctx context.Context) (*gateway.ProfileRow, error) {
		return c.gateway.Profile(ctx, user.ID)
	})
	switch {
	case errors.Is(err, ErrTimeout):
		return Identity{}, newError(ErrProfileFetchTimeout, messageProfileTimeout, err)
	case err != nil:
		return Identity{}, classify(err, messageProfileFetchFailed)
	case profile == nil:
		return Identity{}, newError(ErrProfileNotFound, messageProfileNotFound, nil)
	}

	events := []string{}
	rows, err := c.gateway.Registrations(ctx, user.ID)
	if err != nil {
		c.logger.Warn("registration lookup failed",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
	} else {
		seen := make(map[string]struct{}, len(rows))
		for _, row := range rows {
			if _, ok := seen[row.EventID]; ok {
				continue
			}
			seen[row.EventID] = struct{}{}
			events = append(events, row.EventID)
		}
	}

	return Identity{
		ID:      user.ID,
		Email:   user.Email,
		Name:    profile.Name,
		IsStaff: profile.IsStaff,
		Events:  events,
	}, nil
}

func (c *Controller) applyIdentity(seq uint64, identity Identity) {
	if !c.store.commit(seq, setIdentity(&identity)) {
		c.logger.Debug("superseded identity discarded", zap.String("user_id", identity.ID))
	}
}

// failAuthentication clears the identity and records the failure message.
// The write outranks every operation begun earlier, including feed
// resolutions the failed call triggered.
func (c *Controller) failAuthentication(operation string, failure *Error) error {
	c.logFailure(operation, failure)
	c.store.commit(c.store.supersede(), setFailure(failure.message))
	return failure
}

func (c *Controller) logFailure(operation string, failure *Error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("message", failure.message),
	}
	if failure.cause != nil {
		fields = append(fields, zap.Error(failure.cause))
	}
	c.logger.Warn("auth operation failed", fields...)
}
