package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "events.service.new"
	opList          = "events.list"
	opGet           = "events.get"
	opCreate        = "events.create"
	opUpdate        = "events.update"
	opDelete        = "events.delete"
	opRegistrations = "events.registrations"
	opRegister      = "events.register"
	opUnregister    = "events.unregister"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDv7 issues time-ordered UUID identifiers.
type UUIDv7 struct{}

func (UUIDv7) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// RegistrationFilter narrows a registration lookup; empty fields match all.
type RegistrationFilter struct {
	EventID string
	UserID  string
}

// List returns every event ordered by date, with organizer names.
func (s *Service) List(ctx context.Context) ([]Details, error) {
	var rows []Details
	if err := s.detailsQuery(ctx).
		Order("events.date ASC").
		Order("events.time ASC").
		Scan(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

// Get returns one event with its organizer name and registrations.
func (s *Service) Get(ctx context.Context, eventID EventID) (Details, error) {
	var rows []Details
	if err := s.detailsQuery(ctx).
		Where("events.id = ?", eventID.String()).
		Limit(1).
		Scan(&rows).Error; err != nil {
		s.logError(opGet, "query_failed", err, zap.String("event_id", eventID.String()))
		return Details{}, newServiceError(opGet, "query_failed", err)
	}
	if len(rows) == 0 {
		return Details{}, newServiceError(opGet, "not_found", ErrEventNotFound)
	}

	details := rows[0]
	registrations, err := s.Registrations(ctx, RegistrationFilter{EventID: eventID.String()})
	if err != nil {
		return Details{}, err
	}
	details.Registrations = registrations
	return details, nil
}

// Create stores a new event owned by organizerID.
func (s *Service) Create(ctx context.Context, organizerID UserID, input Input) (Details, error) {
	normalized, err := input.normalized()
	if err != nil {
		return Details{}, newServiceError(opCreate, "invalid_input", err)
	}
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Details{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	event := Event{
		ID:           eventID,
		Title:        normalized.Title,
		Description:  normalized.Description,
		Date:         normalized.Date,
		Time:         normalized.Time,
		Location:     normalized.Location,
		MaxAttendees: normalized.MaxAttendees,
		ImageURL:     normalized.ImageURL,
		OrganizerID:  organizerID.String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("event_id", eventID))
		return Details{}, newServiceError(opCreate, "insert_failed", err)
	}
	s.logger.Info("event created", zap.String("event_id", eventID), zap.String("user_id", organizerID.String()))
	return s.Get(ctx, EventID(eventID))
}

// Update replaces the editable columns of an event.
func (s *Service) Update(ctx context.Context, eventID EventID, input Input) (Details, error) {
	normalized, err := input.normalized()
	if err != nil {
		return Details{}, newServiceError(opUpdate, "invalid_input", err)
	}

	result := s.db.WithContext(ctx).
		Model(&Event{}).
		Where("id = ?", eventID.String()).
		Updates(map[string]any{
			"title":         normalized.Title,
			"description":   normalized.Description,
			"date":          normalized.Date,
			"time":          normalized.Time,
			"location":      normalized.Location,
			"max_attendees": normalized.MaxAttendees,
			"image_url":     normalized.ImageURL,
			"updated_at":    s.clock().UTC(),
		})
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.String("event_id", eventID.String()))
		return Details{}, newServiceError(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Details{}, newServiceError(opUpdate, "not_found", ErrEventNotFound)
	}
	return s.Get(ctx, eventID)
}

// Delete removes an event and its registrations.
func (s *Service) Delete(ctx context.Context, eventID EventID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ?", eventID.String()).Delete(&Registration{}).Error; err != nil {
			s.logError(opDelete, "registration_delete_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opDelete, "registration_delete_failed", err)
		}
		result := tx.Where("id = ?", eventID.String()).Delete(&Event{})
		if result.Error != nil {
			s.logError(opDelete, "event_delete_failed", result.Error, zap.String("event_id", eventID.String()))
			return newServiceError(opDelete, "event_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDelete, "not_found", ErrEventNotFound)
		}
		return nil
	})
}

// Registrations lists registration rows matching filter.
func (s *Service) Registrations(ctx context.Context, filter RegistrationFilter) ([]Registration, error) {
	query := s.db.WithContext(ctx).Model(&Registration{})
	if filter.EventID != "" {
		query = query.Where("event_id = ?", filter.EventID)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}

	registrations := []Registration{}
	if err := query.Order("created_at ASC").Find(&registrations).Error; err != nil {
		s.logError(opRegistrations, "query_failed", err)
		return nil, newServiceError(opRegistrations, "query_failed", err)
	}
	return registrations, nil
}

// Register seats userID at eventID. The event row is locked for the
// capacity check so concurrent registrants cannot overbook it.
func (s *Service) Register(ctx context.Context, eventID EventID, userID UserID) (Registration, error) {
	registration := Registration{
		EventID:   eventID.String(),
		UserID:    userID.String(),
		CreatedAt: s.clock().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event Event
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", eventID.String()).
			Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRegister, "not_found", ErrEventNotFound)
		}
		if err != nil {
			s.logError(opRegister, "event_select_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opRegister, "event_select_failed", err)
		}

		var existing int64
		if err := tx.Model(&Registration{}).
			Where("event_id = ? AND user_id = ?", eventID.String(), userID.String()).
			Count(&existing).Error; err != nil {
			s.logError(opRegister, "registration_select_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opRegister, "registration_select_failed", err)
		}
		if existing > 0 {
			return newServiceError(opRegister, "duplicate", ErrAlreadyRegistered)
		}
		if event.MaxAttendees != nil && event.CurrentAttendees >= *event.MaxAttendees {
			return newServiceError(opRegister, "full", ErrEventFull)
		}

		if err := tx.Create(&registration).Error; err != nil {
			s.logError(opRegister, "registration_insert_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opRegister, "registration_insert_failed", err)
		}
		if err := tx.Model(&Event{}).
			Where("id = ?", eventID.String()).
			Update("current_attendees", gorm.Expr("current_attendees + 1")).Error; err != nil {
			s.logError(opRegister, "counter_update_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opRegister, "counter_update_failed", err)
		}
		return nil
	})
	if err != nil {
		return Registration{}, err
	}

	s.logger.Info("registration created",
		zap.String("event_id", eventID.String()),
		zap.String("user_id", userID.String()))
	return registration, nil
}

// Unregister removes the registration if present and reports whether a row
// was deleted.
func (s *Service) Unregister(ctx context.Context, eventID EventID, userID UserID) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("event_id = ? AND user_id = ?", eventID.String(), userID.String()).
			Delete(&Registration{})
		if result.Error != nil {
			s.logError(opUnregister, "registration_delete_failed", result.Error, zap.String("event_id", eventID.String()))
			return newServiceError(opUnregister, "registration_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		removed = true
		if err := tx.Model(&Event{}).
			Where("id = ? AND current_attendees > 0", eventID.String()).
			Update("current_attendees", gorm.Expr("current_attendees - 1")).Error; err != nil {
			s.logError(opUnregister, "counter_update_failed", err, zap.String("event_id", eventID.String()))
			return newServiceError(opUnregister, "counter_update_failed", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *Service) detailsQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("events").
		Select("events.*, profiles.name AS organizer_name").
		Joins("LEFT JOIN profiles ON profiles.id = events.organizer_id")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("events service error", attrs...)
}
