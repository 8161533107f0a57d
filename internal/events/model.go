package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("events: invalid event id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("events: invalid user id")
	// ErrInvalidInput indicates that event columns failed validation.
	ErrInvalidInput = errors.New("events: invalid input")
	// ErrEventNotFound indicates that no event matches the identifier.
	ErrEventNotFound = errors.New("events: event not found")
	// ErrEventFull indicates that a capped event has no remaining seats.
	ErrEventFull = errors.New("events: event is full")
	// ErrAlreadyRegistered indicates that the user already holds a registration.
	ErrAlreadyRegistered = errors.New("events: already registered")
)

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEventID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEventID, maxIdentifierLength)
	}
	return EventID(trimmed), nil
}

func (id EventID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

func (id UserID) String() string {
	return string(id)
}

// Event is a persisted community event. CurrentAttendees is maintained by
// the registration transactions and never written by clients.
type Event struct {
	ID               string    `gorm:"column:id;primaryKey;size:190"`
	Title            string    `gorm:"column:title;size:320;not null"`
	Description      string    `gorm:"column:description;type:text"`
	Date             string    `gorm:"column:date;size:32;not null;index"`
	Time             string    `gorm:"column:time;size:16"`
	Location         string    `gorm:"column:location;size:320;not null"`
	MaxAttendees     *int      `gorm:"column:max_attendees"`
	CurrentAttendees int       `gorm:"column:current_attendees;not null;default:0"`
	ImageURL         string    `gorm:"column:image_url;size:1024"`
	OrganizerID      string    `gorm:"column:organizer_id;size:190;index"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing events.
func (Event) TableName() string {
	return "events"
}

// Registration links a user to an event; the pair is unique.
type Registration struct {
	EventID   string    `gorm:"column:event_id;primaryKey;size:190"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing registrations.
func (Registration) TableName() string {
	return "event_registrations"
}

// Details is an event joined with its organizer name and registrations.
type Details struct {
	Event
	OrganizerName string         `gorm:"column:organizer_name"`
	Registrations []Registration `gorm:"-"`
}

// Input carries the staff-editable columns.
type Input struct {
	Title        string
	Description  string
	Date         string
	Time         string
	Location     string
	MaxAttendees *int
	ImageURL     string
}

func (in Input) normalized() (Input, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Location = strings.TrimSpace(in.Location)
	in.Date = strings.TrimSpace(in.Date)
	in.Time = strings.TrimSpace(in.Time)
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	if in.Title == "" {
		return Input{}, fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if in.Date == "" {
		return Input{}, fmt.Errorf("%w: date required", ErrInvalidInput)
	}
	if in.Location == "" {
		return Input{}, fmt.Errorf("%w: location required", ErrInvalidInput)
	}
	if in.MaxAttendees != nil && *in.MaxAttendees <= 0 {
		return Input{}, fmt.Errorf("%w: max attendees must be positive", ErrInvalidInput)
	}
	return in, nil
}
