// Package api is the HTTP boundary of the platform. It accepts event
// submissions and turns each one into a single AddEvent command.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/messaging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher hands a message to the dispatch gateway
type Publisher interface {
	Publish(ctx context.Context, msg contracts.Message) (messaging.Receipt, error)
}

// AddEventRequest is the body of POST /api/event
type AddEventRequest struct {
	EventID   string    `json:"eventId" validate:"required,uuid"`
	EventName string    `json:"eventName" validate:"required,max=200"`
	EventDate time.Time `json:"eventDate" validate:"required"`
}

// AddEventResponse is returned once the broker accepted the command
type AddEventResponse struct {
	MessageID string `json:"messageId"`
	EventID   string `json:"eventId"`
}

// APIError is the body of every non-2xx response
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// EventController serves the event submission endpoint
type EventController struct {
	publisher Publisher
	validate  *validator.Validate
	logger    *slog.Logger
	basePath  string
}

// Option configures the EventController
type Option func(*EventController)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *EventController) {
		c.logger = logger
	}
}

// NewEventController creates a controller publishing through p
func NewEventController(p Publisher, options ...Option) *EventController {
	c := &EventController{
		publisher: p,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    slog.Default(),
		basePath:  "/api",
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *EventController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("/event", c.AddEvent).Methods(http.MethodPost)
}

// AddEvent validates the submission and sends one AddEvent command. The
// response is 202 only after the broker accepted it.
func (c *EventController) AddEvent(w http.ResponseWriter, r *http.Request) {
	var req AddEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, APIError{Code: "INVALID_JSON", Message: "request body is not valid JSON"})
		return
	}
	if err := c.validate.Struct(req); err != nil {
		writeAPIError(w, http.StatusBadRequest, validationError(err))
		return
	}
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, APIError{Code: "VALIDATION_FAILED", Message: "eventId is not a UUID"})
		return
	}

	receipt, err := c.publisher.Publish(r.Context(), public.NewAddEvent(eventID, req.EventName, req.EventDate.UTC()))
	if err != nil {
		c.logger.Error("failed to send AddEvent",
			"eventId", req.EventID,
			"messageId", receipt.MessageID,
			"error", err,
		)
		if errors.Is(err, contracts.ErrSchemaViolation) {
			writeAPIError(w, http.StatusBadRequest, APIError{Code: "VALIDATION_FAILED", Message: err.Error()})
			return
		}
		writeAPIError(w, http.StatusServiceUnavailable, APIError{Code: "DISPATCH_FAILED", Message: "the command could not be sent, try again later"})
		return
	}

	c.logger.Info("AddEvent sent",
		"eventId", req.EventID,
		"messageId", receipt.MessageID,
		"destination", receipt.Destination,
	)
	writeJSON(w, http.StatusAccepted, AddEventResponse{MessageID: receipt.MessageID, EventID: eventID.String()})
}

func validationError(err error) APIError {
	out := APIError{Code: "VALIDATION_FAILED", Message: "validation failed"}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out.Message = err.Error()
		return out
	}
	out.Fields = make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out.Fields[jsonName(fe.Field())] = fe.Tag()
	}
	return out
}

func jsonName(field string) string {
	switch field {
	case "EventID":
		return "eventId"
	case "EventName":
		return "eventName"
	case "EventDate":
		return "eventDate"
	default:
		return field
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, e APIError) {
	writeJSON(w, status, e)
}
