package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	headerAPIKey          = "apikey"
	contentTypeJSON       = "application/json"

	pathSignUp        = "/auth/v1/signup"
	pathToken         = "/auth/v1/token"
	pathLogout        = "/auth/v1/logout"
	pathProfiles      = "/rest/v1/profiles"
	pathRegistrations = "/rest/v1/event_registrations"
	pathEvents        = "/rest/v1/events"

	codeTransport   = "transport_error"
	codeDecode      = "decode_error"
	codeNotFound    = "not_found"
	codeNoUserInRow = "missing_user"
)

var (
	errMissingBaseURL = errors.New("gateway: base url required")
	errInvalidBaseURL = errors.New("gateway: base url must be absolute")
	errMissingStore   = errors.New("gateway: token store required")
)

// ClientConfig describes how to reach the hosted gateway.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	TokenStore     TokenStore
	Feed           *SessionFeed
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Client speaks the hosted gateway's auth and table REST contract.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	tokens     TokenStore
	feed       *SessionFeed
	logger     *zap.Logger
	clock      func() time.Time

	mu      sync.Mutex
	loaded  bool
	session *Session
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, errInvalidBaseURL
	}
	if cfg.TokenStore == nil {
		return nil, errMissingStore
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	feed := cfg.Feed
	if feed == nil {
		feed = NewSessionFeed(logger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		tokens:     cfg.TokenStore,
		feed:       feed,
		logger:     logger,
		clock:      clock,
	}, nil
}

// GetSession returns the persisted session, or nil when none is usable. An
// expired session is cleared and reported to subscribers as a sign-out.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.loaded {
		stored, err := c.tokens.Load()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.session = stored
		c.loaded = true
	}
	current := cloneSession(c.session)
	if current == nil || !current.Expired(c.clock()) {
		c.mu.Unlock()
		return current, nil
	}
	c.session = nil
	if err := c.tokens.Clear(); err != nil {
		c.logger.Warn("failed to clear expired session", zap.Error(err))
	}
	c.mu.Unlock()

	c.logger.Info("stored session expired", zap.String("user_id", current.User.ID))
	c.feed.Publish(SessionChange{Type: ChangeSignedOut})
	return nil, nil
}

// OnSessionChange subscribes to out-of-band session transitions.
func (c *Client) OnSessionChange(ctx context.Context) (<-chan SessionChange, func()) {
	return c.feed.Subscribe(ctx)
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionPayload struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	ExpiresAt   int64        `json:"expires_at"`
	User        *userPayload `json:"user"`
}

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type signUpPayload struct {
	User    *userPayload    `json:"user"`
	Session *sessionPayload `json:"session"`
}

// SignInWithPassword exchanges credentials for a session and persists it.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (AuthResponse, error) {
	var payload sessionPayload
	query := url.Values{"grant_type": []string{"password"}}
	err := c.do(ctx, http.MethodPost, pathToken, query, credentialsPayload{Email: email, Password: password}, false, &payload)
	if err != nil {
		return AuthResponse{}, err
	}
	if payload.User == nil || payload.User.ID == "" {
		return AuthResponse{}, &Error{Status: http.StatusOK, Code: codeNoUserInRow, Message: "Sign in response missing user"}
	}
	session := c.toSession(payload, *payload.User)
	c.establish(session)
	user := session.User
	return AuthResponse{User: &user, Session: cloneSession(session)}, nil
}

// SignUp creates an account. When the gateway returns a session it is
// persisted and announced.
func (c *Client) SignUp(ctx context.Context, email, password string) (AuthResponse, error) {
	var payload signUpPayload
	if err := c.do(ctx, http.MethodPost, pathSignUp, nil, credentialsPayload{Email: email, Password: password}, false, &payload); err != nil {
		return AuthResponse{}, err
	}
	response := AuthResponse{}
	if payload.User != nil && payload.User.ID != "" {
		response.User = &User{ID: payload.User.ID, Email: payload.User.Email}
	}
	if payload.Session != nil && payload.Session.AccessToken != "" && response.User != nil {
		session := c.toSession(*payload.Session, *payload.User)
		c.establish(session)
		response.Session = cloneSession(session)
	}
	return response, nil
}

// SignOut revokes the current session at the gateway and forgets it locally.
// Without a session there is nothing to revoke.
func (c *Client) SignOut(ctx context.Context) error {
	session, err := c.GetSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, pathLogout, nil, nil, true, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = nil
	c.loaded = true
	clearErr := c.tokens.Clear()
	c.mu.Unlock()
	if clearErr != nil {
		c.logger.Warn("failed to clear session store", zap.Error(clearErr))
	}
	c.feed.Publish(SessionChange{Type: ChangeSignedOut})
	return nil
}

// Profile returns the profile row for id, or nil when no row exists.
func (c *Client) Profile(ctx context.Context, id string) (*ProfileRow, error) {
	var rows []ProfileRow
	query := url.Values{"id": []string{"eq." + id}, "select": []string{"*"}}
	if err := c.do(ctx, http.MethodGet, pathProfiles, query, nil, true, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	return &row, nil
}

// InsertProfile creates a profile row.
func (c *Client) InsertProfile(ctx context.Context, row ProfileRow) error {
	return c.do(ctx, http.MethodPost, pathProfiles, nil, row, true, nil)
}

// Registrations lists the registration rows for a user.
func (c *Client) Registrations(ctx context.Context, userID string) ([]RegistrationRow, error) {
	var rows []RegistrationRow
	query := url.Values{"user_id": []string{"eq." + userID}, "select": []string{"event_id,user_id"}}
	if err := c.do(ctx, http.MethodGet, pathRegistrations, query, nil, true, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Register inserts a registration row.
func (c *Client) Register(ctx context.Context, eventID, userID string) error {
	return c.do(ctx, http.MethodPost, pathRegistrations, nil, RegistrationRow{EventID: eventID, UserID: userID}, true, nil)
}

// Unregister deletes the registration row. Whether a missing row is an error
// is the gateway's decision.
func (c *Client) Unregister(ctx context.Context, eventID, userID string) error {
	query := url.Values{"event_id": []string{"eq." + eventID}, "user_id": []string{"eq." + userID}}
	return c.do(ctx, http.MethodDelete, pathRegistrations, query, nil, true, nil)
}

type organizerPayload struct {
	Name string `json:"name"`
}

type eventPayload struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Date             string            `json:"date"`
	Time             string            `json:"time"`
	Location         string            `json:"location"`
	MaxAttendees     *int              `json:"max_attendees"`
	CurrentAttendees *int              `json:"current_attendees"`
	ImageURL         *string           `json:"image_url"`
	OrganizerID      string            `json:"organizer_id"`
	Organizer        *organizerPayload `json:"organizer"`
	Registrations    []RegistrationRow `json:"registrations"`
}

func (p eventPayload) toRow() EventRow {
	row := EventRow{
		ID:            p.ID,
		Title:         p.Title,
		Description:   p.Description,
		Date:          p.Date,
		Time:          p.Time,
		Location:      p.Location,
		MaxAttendees:  p.MaxAttendees,
		OrganizerID:   p.OrganizerID,
		Registrations: p.Registrations,
	}
	if p.CurrentAttendees != nil {
		row.CurrentAttendees = *p.CurrentAttendees
	}
	if p.ImageURL != nil {
		row.ImageURL = *p.ImageURL
	}
	if p.Organizer != nil {
		row.Organizer = p.Organizer.Name
	}
	return row
}

// Events lists all events ordered by date ascending.
func (c *Client) Events(ctx context.Context) ([]EventRow, error) {
	var payloads []eventPayload
	query := url.Values{
		"select": []string{"id,title,description,date,time,location,max_attendees,current_attendees,image_url,organizer:profiles(name)"},
		"order":  []string{"date.asc"},
	}
	if err := c.do(ctx, http.MethodGet, pathEvents, query, nil, true, &payloads); err != nil {
		return nil, err
	}
	rows := make([]EventRow, 0, len(payloads))
	for _, payload := range payloads {
		rows = append(rows, payload.toRow())
	}
	return rows, nil
}

// Event fetches one event aggregate including its registrations.
func (c *Client) Event(ctx context.Context, id string) (EventRow, error) {
	var payloads []eventPayload
	query := url.Values{
		"id":     []string{"eq." + id},
		"select": []string{"*,organizer:profiles(name),registrations:event_registrations(event_id,user_id)"},
	}
	if err := c.do(ctx, http.MethodGet, pathEvents, query, nil, true, &payloads); err != nil {
		return EventRow{}, err
	}
	if len(payloads) == 0 {
		return EventRow{}, &Error{Status: http.StatusNotFound, Code: codeNotFound, Message: "Event not found"}
	}
	return payloads[0].toRow(), nil
}

// CreateEvent inserts an event and returns the stored row.
func (c *Client) CreateEvent(ctx context.Context, input EventInput) (EventRow, error) {
	return c.writeEvent(ctx, http.MethodPost, nil, input)
}

// UpdateEvent replaces the editable columns of an event.
func (c *Client) UpdateEvent(ctx context.Context, id string, input EventInput) (EventRow, error) {
	return c.writeEvent(ctx, http.MethodPatch, url.Values{"id": []string{"eq." + id}}, input)
}

// DeleteEvent removes an event and its registrations.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, pathEvents, url.Values{"id": []string{"eq." + id}}, nil, true, nil)
}

func (c *Client) writeEvent(ctx context.Context, method string, query url.Values, input EventInput) (EventRow, error) {
	var payloads []eventPayload
	if err := c.do(ctx, method, pathEvents, query, input, true, &payloads); err != nil {
		return EventRow{}, err
	}
	if len(payloads) == 0 {
		return EventRow{}, &Error{Status: http.StatusNotFound, Code: codeNotFound, Message: "Event not found"}
	}
	return payloads[0].toRow(), nil
}

func (c *Client) toSession(payload sessionPayload, user userPayload) *Session {
	expiresAt := time.Time{}
	switch {
	case payload.ExpiresAt > 0:
		expiresAt = time.Unix(payload.ExpiresAt, 0).UTC()
	case payload.ExpiresIn > 0:
		expiresAt = c.clock().Add(time.Duration(payload.ExpiresIn) * time.Second).UTC()
	}
	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &Session{
		AccessToken: payload.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   expiresAt,
		User:        User{ID: user.ID, Email: user.Email},
	}
}

func (c *Client) establish(session *Session) {
	c.mu.Lock()
	c.session = cloneSession(session)
	c.loaded = true
	err := c.tokens.Save(session)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("failed to persist session", zap.Error(err))
	}
	c.feed.Publish(SessionChange{Type: ChangeSignedIn, Session: cloneSession(session)})
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

type errorPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, authorized bool, out any) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	request.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}
	if c.apiKey != "" {
		request.Header.Set(headerAPIKey, c.apiKey)
	}
	if authorized {
		if token := c.accessToken(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("gateway request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return &Error{Code: codeTransport, Message: err.Error(), Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return decodeError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &Error{Status: response.StatusCode, Code: codeDecode, Message: "Unexpected gateway response", Err: err}
	}
	return nil
}

func decodeError(response *http.Response) error {
	var payload errorPayload
	raw, _ := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	_ = json.Unmarshal(raw, &payload)

	message := payload.Message
	if message == "" {
		message = payload.Msg
	}
	if message == "" {
		message = payload.ErrorDescription
	}
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	return &Error{
		Status:  response.StatusCode,
		Code:    payload.Code,
		Message: message,
	}
}
