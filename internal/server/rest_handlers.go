package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/eventboard/internal/events"
	"github.com/MarcoPoloResearchLab/eventboard/internal/users"
)

type profilePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsStaff bool   `json:"is_staff"`
}

type registrationPayload struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
}

type organizerResponse struct {
	Name string `json:"name"`
}

type eventResponse struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Date             string                `json:"date"`
	Time             string                `json:"time"`
	Location         string                `json:"location"`
	MaxAttendees     *int                  `json:"max_attendees"`
	CurrentAttendees int                   `json:"current_attendees"`
	ImageURL         *string               `json:"image_url"`
	OrganizerID      string                `json:"organizer_id"`
	Organizer        *organizerResponse    `json:"organizer"`
	Registrations    []registrationPayload `json:"registrations,omitempty"`
}

type eventRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Location     string `json:"location"`
	MaxAttendees *int   `json:"max_attendees"`
	ImageURL     string `json:"image_url"`
}

func (r eventRequest) input() events.Input {
	return events.Input{
		Title:        r.Title,
		Description:  r.Description,
		Date:         r.Date,
		Time:         r.Time,
		Location:     r.Location,
		MaxAttendees: r.MaxAttendees,
		ImageURL:     r.ImageURL,
	}
}

func newEventResponse(details events.Details, withRegistrations bool) eventResponse {
	response := eventResponse{
		ID:               details.ID,
		Title:            details.Title,
		Description:      details.Description,
		Date:             details.Date,
		Time:             details.Time,
		Location:         details.Location,
		MaxAttendees:     details.MaxAttendees,
		CurrentAttendees: details.CurrentAttendees,
		OrganizerID:      details.OrganizerID,
	}
	if details.ImageURL != "" {
		imageURL := details.ImageURL
		response.ImageURL = &imageURL
	}
	if details.OrganizerName != "" {
		response.Organizer = &organizerResponse{Name: details.OrganizerName}
	}
	if withRegistrations {
		response.Registrations = newRegistrationPayloads(details.Registrations)
	}
	return response
}

func newRegistrationPayloads(registrations []events.Registration) []registrationPayload {
	payloads := make([]registrationPayload, 0, len(registrations))
	for _, registration := range registrations {
		payloads = append(payloads, registrationPayload{EventID: registration.EventID, UserID: registration.UserID})
	}
	return payloads
}

func (h *httpHandler) handleListProfiles(c *gin.Context) {
	id, present, ok := eqFilter(c, "id")
	if !ok {
		return
	}
	profiles := []profilePayload{}
	if !present {
		c.JSON(http.StatusOK, profiles)
		return
	}
	profile, err := h.users.Profile(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to load profile", zap.String("user_id", id), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "profile_lookup_failed", "Profile lookup failed")
		return
	}
	if profile != nil {
		profiles = append(profiles, profilePayload{ID: profile.ID, Name: profile.Name, IsStaff: profile.IsStaff})
	}
	c.JSON(http.StatusOK, profiles)
}

// handleInsertProfile accepts the first profile row for an account. Without a
// bearer token the account must exist and still lack a profile, which covers
// sign-ups awaiting confirmation. The staff flag is never client writable.
func (h *httpHandler) handleInsertProfile(c *gin.Context) {
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ID == "" {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if _, authenticated := sessionClaims(c); authenticated && !bearerOwner(c, request.ID) {
		abortWithError(c, http.StatusForbidden, "forbidden", "Cannot create a profile for another user")
		return
	}
	if _, err := h.users.Account(c.Request.Context(), request.ID); err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			abortWithError(c, http.StatusForbidden, "forbidden", "Unknown user")
			return
		}
		h.logger.Error("failed to load account", zap.String("user_id", request.ID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "profile_insert_failed", "Profile creation failed")
		return
	}

	err := h.users.InsertProfile(c.Request.Context(), users.Profile{ID: request.ID, Name: request.Name})
	if errors.Is(err, users.ErrProfileExists) {
		abortWithError(c, http.StatusConflict, "duplicate_key", "Profile already exists")
		return
	}
	if err != nil {
		h.logger.Error("failed to insert profile", zap.String("user_id", request.ID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "profile_insert_failed", "Profile creation failed")
		return
	}
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleListRegistrations(c *gin.Context) {
	eventID, _, ok := eqFilter(c, "event_id")
	if !ok {
		return
	}
	userID, _, ok := eqFilter(c, "user_id")
	if !ok {
		return
	}
	registrations, err := h.events.Registrations(c.Request.Context(), events.RegistrationFilter{EventID: eventID, UserID: userID})
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "registration_lookup_failed", "Registration lookup failed")
		return
	}
	c.JSON(http.StatusOK, newRegistrationPayloads(registrations))
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registrationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	eventID, userID, ok := h.registrationTarget(c, request.EventID, request.UserID)
	if !ok {
		return
	}

	registration, err := h.events.Register(c.Request.Context(), eventID, userID)
	switch {
	case errors.Is(err, events.ErrEventNotFound):
		abortWithError(c, http.StatusNotFound, "not_found", "Event not found")
		return
	case errors.Is(err, events.ErrAlreadyRegistered):
		abortWithError(c, http.StatusConflict, "duplicate_key", "You are already registered for this event")
		return
	case errors.Is(err, events.ErrEventFull):
		abortWithError(c, http.StatusConflict, "event_full", "Event is full")
		return
	case err != nil:
		abortWithError(c, http.StatusInternalServerError, "registration_failed", "Registration failed")
		return
	}
	c.JSON(http.StatusCreated, []registrationPayload{{EventID: registration.EventID, UserID: registration.UserID}})
}

// handleUnregister deletes the caller's registration. Deleting an absent row
// succeeds, matching filter-based deletes.
func (h *httpHandler) handleUnregister(c *gin.Context) {
	rawEventID, eventPresent, ok := eqFilter(c, "event_id")
	if !ok {
		return
	}
	rawUserID, userPresent, ok := eqFilter(c, "user_id")
	if !ok {
		return
	}
	if !eventPresent || !userPresent {
		abortWithError(c, http.StatusBadRequest, "invalid_filter", "event_id and user_id filters are required")
		return
	}
	eventID, userID, ok := h.registrationTarget(c, rawEventID, rawUserID)
	if !ok {
		return
	}

	if _, err := h.events.Unregister(c.Request.Context(), eventID, userID); err != nil {
		abortWithError(c, http.StatusInternalServerError, "unregistration_failed", "Unregistration failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) registrationTarget(c *gin.Context, rawEventID, rawUserID string) (events.EventID, events.UserID, bool) {
	eventID, err := events.NewEventID(rawEventID)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid event id")
		return "", "", false
	}
	userID, err := events.NewUserID(rawUserID)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid user id")
		return "", "", false
	}
	if !bearerOwner(c, userID.String()) {
		abortWithError(c, http.StatusForbidden, "forbidden", "Cannot change another user's registrations")
		return "", "", false
	}
	return eventID, userID, true
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	rawID, present, ok := eqFilter(c, "id")
	if !ok {
		return
	}
	if !present {
		list, err := h.events.List(c.Request.Context())
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, "event_lookup_failed", "Failed to load events")
			return
		}
		response := make([]eventResponse, 0, len(list))
		for _, details := range list {
			response = append(response, newEventResponse(details, false))
		}
		c.JSON(http.StatusOK, response)
		return
	}

	eventID, err := events.NewEventID(rawID)
	if err != nil {
		c.JSON(http.StatusOK, []eventResponse{})
		return
	}
	details, err := h.events.Get(c.Request.Context(), eventID)
	if errors.Is(err, events.ErrEventNotFound) {
		c.JSON(http.StatusOK, []eventResponse{})
		return
	}
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "event_lookup_failed", "Failed to load event")
		return
	}
	c.JSON(http.StatusOK, []eventResponse{newEventResponse(details, true)})
}

func (h *httpHandler) handleCreateEvent(c *gin.Context) {
	var request eventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	claims, _ := sessionClaims(c)
	organizerID, err := events.NewUserID(claims.UserID)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	details, err := h.events.Create(c.Request.Context(), organizerID, request.input())
	if err != nil {
		h.writeEventError(c, err, "Failed to create event")
		return
	}
	c.JSON(http.StatusCreated, []eventResponse{newEventResponse(details, true)})
}

func (h *httpHandler) handleUpdateEvent(c *gin.Context) {
	eventID, ok := requiredEventID(c)
	if !ok {
		return
	}
	var request eventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	details, err := h.events.Update(c.Request.Context(), eventID, request.input())
	if err != nil {
		h.writeEventError(c, err, "Failed to update event")
		return
	}
	c.JSON(http.StatusOK, []eventResponse{newEventResponse(details, true)})
}

func (h *httpHandler) handleDeleteEvent(c *gin.Context) {
	eventID, ok := requiredEventID(c)
	if !ok {
		return
	}
	if err := h.events.Delete(c.Request.Context(), eventID); err != nil {
		h.writeEventError(c, err, "Failed to delete event")
		return
	}
	claims, _ := sessionClaims(c)
	h.logger.Info("event deleted", zap.String("event_id", eventID.String()), zap.String("user_id", claims.UserID))
	c.Status(http.StatusNoContent)
}

func requiredEventID(c *gin.Context) (events.EventID, bool) {
	rawID, present, ok := eqFilter(c, "id")
	if !ok {
		return "", false
	}
	if !present {
		abortWithError(c, http.StatusBadRequest, "invalid_filter", "id filter is required")
		return "", false
	}
	eventID, err := events.NewEventID(rawID)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "Invalid event id")
		return "", false
	}
	return eventID, true
}

func (h *httpHandler) writeEventError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, events.ErrInvalidInput):
		abortWithError(c, http.StatusBadRequest, "validation_failed", "Title, date and location are required")
	case errors.Is(err, events.ErrEventNotFound):
		abortWithError(c, http.StatusNotFound, "not_found", "Event not found")
	default:
		abortWithError(c, http.StatusInternalServerError, "event_write_failed", fallback)
	}
}
