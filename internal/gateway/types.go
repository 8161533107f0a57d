package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChangeType enumerates out-of-band session transitions reported by the gateway.
type ChangeType string

const (
	// ChangeSignedIn is published when a session becomes available.
	ChangeSignedIn ChangeType = "SIGNED_IN"
	// ChangeSignedOut is published when the session is revoked or expires.
	ChangeSignedOut ChangeType = "SIGNED_OUT"
)

const (
	dateLayout        = "2006-01-02"
	clockLayout       = "15:04"
	clockLayoutSecond = "15:04:05"
)

// ErrInvalidEventDate indicates the event row carries an unparseable date or time.
var ErrInvalidEventDate = errors.New("gateway: invalid event date")

// User is the account handle returned by credential operations.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is gateway-issued proof of authentication.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// AuthResponse is the result of sign-in and sign-up. Session is nil when the
// account still requires email confirmation.
type AuthResponse struct {
	User    *User
	Session *Session
}

// SessionChange is delivered to session feed subscribers.
type SessionChange struct {
	Type    ChangeType
	Session *Session
}

// ProfileRow mirrors a row of the profiles table.
type ProfileRow struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsStaff bool   `json:"is_staff"`
}

// RegistrationRow mirrors a row of the event_registrations table.
type RegistrationRow struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
}

// EventRow is the event aggregate as served by the gateway.
type EventRow struct {
	ID               string
	Title            string
	Description      string
	Date             string
	Time             string
	Location         string
	MaxAttendees     *int
	CurrentAttendees int
	ImageURL         string
	OrganizerID      string
	Organizer        string
	Registrations    []RegistrationRow
}

// StartsAt combines the date and time columns into a UTC instant. A missing
// time column means the start of the day.
func (e EventRow) StartsAt() (time.Time, error) {
	rawDate := strings.TrimSpace(e.Date)
	if rawDate == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrInvalidEventDate)
	}
	day, err := time.Parse(time.RFC3339, rawDate)
	if err != nil {
		day, err = time.Parse(dateLayout, rawDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidEventDate, rawDate)
		}
	}
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	rawTime := strings.TrimSpace(e.Time)
	if rawTime == "" {
		return start, nil
	}
	clock, err := time.Parse(clockLayout, rawTime)
	if err != nil {
		clock, err = time.Parse(clockLayoutSecond, rawTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time %q", ErrInvalidEventDate, rawTime)
		}
	}
	return start.Add(time.Duration(clock.Hour())*time.Hour +
		time.Duration(clock.Minute())*time.Minute +
		time.Duration(clock.Second())*time.Second), nil
}

// HasRegistration reports whether the user appears in the embedded registrations.
func (e EventRow) HasRegistration(userID string) bool {
	if userID == "" {
		return false
	}
	for _, registration := range e.Registrations {
		if registration.UserID == userID {
			return true
		}
	}
	return false
}

// EventInput carries the staff-editable event columns.
type EventInput struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Location     string `json:"location"`
	MaxAttendees *int   `json:"max_attendees,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
}

// Error is a failure reported by the gateway. Message is user facing and
// passed through verbatim.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a gateway error from the chain.
func AsError(err error) (*Error, bool) {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr, true
	}
	return nil, false
}
