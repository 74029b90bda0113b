package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/messaging"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg contracts.Message) (messaging.Receipt, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(messaging.Receipt), args.Error(1)
}

func newRouter(p Publisher) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(RouterConfig{
		Health:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") }),
		MetricsPath: "/metrics",
		Logger:      logger,
	}, NewEventController(p, WithLogger(logger)))
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/event", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"eventId":"0b6f1c9e-7f3a-4c1e-9a55-2f7f4a1d2c3b","eventName":"Concert","eventDate":"2025-07-14T20:00:00Z"}`

func TestAddEventAccepted(t *testing.T) {
	p := new(mockPublisher)
	p.On("Publish", mock.Anything, mock.MatchedBy(func(msg contracts.Message) bool {
		date, _ := msg.Field("EventDate")
		return msg.TypeName() == public.AddEvent &&
			msg.StringField("EventName") == "Concert" &&
			date.(time.Time).Equal(time.Date(2025, 7, 14, 20, 0, 0, 0, time.UTC))
	})).Return(messaging.Receipt{MessageID: "m-1", Destination: public.EventManagementEndpoint}, nil).Once()

	rec := post(newRouter(p), validBody)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"messageId":"m-1","eventId":"0b6f1c9e-7f3a-4c1e-9a55-2f7f4a1d2c3b"}`, rec.Body.String())
	p.AssertExpectations(t)
}

func TestAddEventRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "malformed json", body: `{"eventId":`},
		{name: "missing id", body: `{"eventName":"Concert","eventDate":"2025-07-14T20:00:00Z"}`, field: "eventId"},
		{name: "bad id", body: `{"eventId":"42","eventName":"Concert","eventDate":"2025-07-14T20:00:00Z"}`, field: "eventId"},
		{name: "missing name", body: `{"eventId":"0b6f1c9e-7f3a-4c1e-9a55-2f7f4a1d2c3b","eventDate":"2025-07-14T20:00:00Z"}`, field: "eventName"},
		{name: "missing date", body: `{"eventId":"0b6f1c9e-7f3a-4c1e-9a55-2f7f4a1d2c3b","eventName":"Concert"}`, field: "eventDate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := new(mockPublisher)

			rec := post(newRouter(p), tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			if tt.field != "" {
				assert.Contains(t, rec.Body.String(), `"`+tt.field+`"`)
			}
			p.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
		})
	}
}

func TestAddEventPublishFailure(t *testing.T) {
	t.Run("dispatch failure is unavailable", func(t *testing.T) {
		p := new(mockPublisher)
		p.On("Publish", mock.Anything, mock.Anything).Return(messaging.Receipt{MessageID: "m-1"}, &messaging.DispatchError{
			Kind: messaging.TransportUnavailable,
			Err:  errors.New("connection refused"),
		})

		rec := post(newRouter(p), validBody)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "messageId")
	})

	t.Run("schema violation is a bad request", func(t *testing.T) {
		p := new(mockPublisher)
		p.On("Publish", mock.Anything, mock.Anything).Return(messaging.Receipt{}, &contracts.SchemaViolationError{
			TypeName: public.AddEvent,
			Err:      errors.New("EventName too long"),
		})

		rec := post(newRouter(p), validBody)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouterOperationalEndpoints(t *testing.T) {
	h := newRouter(new(mockPublisher))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/event", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
