// Package catalog serves the event listing and staff event management.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/gateway"
	"github.com/MarcoPoloResearchLab/eventboard/internal/session"
)

const (
	unknownOrganizer = "Unknown Organizer"
	soonWindowDays   = 7
)

var (
	ErrStaffOnly    = errors.New("catalog: staff access required")
	ErrInvalidEvent = errors.New("catalog: invalid event")

	errMissingGateway  = errors.New("gateway is required")
	errMissingIdentity = errors.New("identity source is required")
	noOpLogger         = zap.NewNop()
)

// Status classifies an event relative to the current time.
type Status string

const (
	StatusPast     Status = "past"
	StatusSoon     Status = "soon"
	StatusUpcoming Status = "upcoming"
)

// Gateway is the subset of the backend the catalog needs.
type Gateway interface {
	Events(ctx context.Context) ([]gateway.EventRow, error)
	CreateEvent(ctx context.Context, input gateway.EventInput) (gateway.EventRow, error)
	UpdateEvent(ctx context.Context, id string, input gateway.EventInput) (gateway.EventRow, error)
	DeleteEvent(ctx context.Context, id string) error
}

// IdentitySource reports the signed-in identity.
type IdentitySource interface {
	Identity() (session.Identity, bool)
}

// Listing is one row of the event directory.
type Listing struct {
	Event    gateway.EventRow
	Status   Status
	Progress int
}

type Config struct {
	Gateway  Gateway
	Identity IdentitySource
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Catalog struct {
	gateway  Gateway
	identity IdentitySource
	clock    func() time.Time
	logger   *zap.Logger
}

func New(cfg Config) (*Catalog, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Catalog{gateway: cfg.Gateway, identity: cfg.Identity, clock: clock, logger: logger}, nil
}

// List returns every event ordered by start, with status and progress.
func (c *Catalog) List(ctx context.Context) ([]Listing, error) {
	rows, err := c.gateway.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	now := c.clock()
	listings := make([]Listing, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Organizer) == "" {
			row.Organizer = unknownOrganizer
		}
		if row.CurrentAttendees < 0 {
			row.CurrentAttendees = 0
		}
		listings = append(listings, Listing{
			Event:    row,
			Status:   StatusAt(row, now),
			Progress: Progress(row),
		})
	}

	sort.SliceStable(listings, func(i, j int) bool {
		left, leftErr := listings[i].Event.StartsAt()
		right, rightErr := listings[j].Event.StartsAt()
		switch {
		case leftErr != nil:
			return false
		case rightErr != nil:
			return true
		default:
			return left.Before(right)
		}
	})
	return listings, nil
}

// StatusAt classifies event at now. Events with an unreadable date are
// reported as upcoming.
func StatusAt(event gateway.EventRow, now time.Time) Status {
	startsAt, err := event.StartsAt()
	if err != nil {
		return StatusUpcoming
	}
	if startsAt.Before(now) {
		return StatusPast
	}
	if int(startsAt.Sub(now).Hours()/24) <= soonWindowDays {
		return StatusSoon
	}
	return StatusUpcoming
}

// Progress is the attendance percentage; uncapped events divide by one.
func Progress(event gateway.EventRow) int {
	capacity := 1
	if event.MaxAttendees != nil && *event.MaxAttendees > 0 {
		capacity = *event.MaxAttendees
	}
	return int(math.Round(float64(event.CurrentAttendees) / float64(capacity) * 100))
}

// Create publishes a new event. Staff only.
func (c *Catalog) Create(ctx context.Context, input gateway.EventInput) (gateway.EventRow, error) {
	identity, err := c.requireStaff()
	if err != nil {
		return gateway.EventRow{}, err
	}
	if err := validateInput(input); err != nil {
		return gateway.EventRow{}, err
	}
	row, err := c.gateway.CreateEvent(ctx, input)
	if err != nil {
		return gateway.EventRow{}, fmt.Errorf("create event: %w", err)
	}
	c.logger.Info("event created", zap.String("event_id", row.ID), zap.String("user_id", identity.ID))
	return row, nil
}

// Update replaces the editable columns of an event. Staff only.
func (c *Catalog) Update(ctx context.Context, id string, input gateway.EventInput) (gateway.EventRow, error) {
	identity, err := c.requireStaff()
	if err != nil {
		return gateway.EventRow{}, err
	}
	if err := validateInput(input); err != nil {
		return gateway.EventRow{}, err
	}
	row, err := c.gateway.UpdateEvent(ctx, id, input)
	if err != nil {
		return gateway.EventRow{}, fmt.Errorf("update event %s: %w", id, err)
	}
	c.logger.Info("event updated", zap.String("event_id", id), zap.String("user_id", identity.ID))
	return row, nil
}

// Delete removes an event. Staff only.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	identity, err := c.requireStaff()
	if err != nil {
		return err
	}
	if err := c.gateway.DeleteEvent(ctx, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	c.logger.Info("event deleted", zap.String("event_id", id), zap.String("user_id", identity.ID))
	return nil
}

func (c *Catalog) requireStaff() (session.Identity, error) {
	identity, ok := c.identity.Identity()
	if !ok || !identity.IsStaff {
		return session.Identity{}, ErrStaffOnly
	}
	return identity, nil
}

func validateInput(input gateway.EventInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(input.Location) == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidEvent)
	}
	if _, err := (gateway.EventRow{Date: input.Date, Time: input.Time}).StartsAt(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if input.MaxAttendees != nil && *input.MaxAttendees <= 0 {
		return fmt.Errorf("%w: max attendees must be positive", ErrInvalidEvent)
	}
	return nil
}
