package platform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AcmeTickets/Platform/config"
	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/internal/journal"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/serialization"
	"github.com/AcmeTickets/Platform/transports/memory"
)

func testConfig() *config.Configuration {
	return &config.Configuration{
		ServiceName: "AcmeTickets.Platform.Test",
		Endpoint:    public.PlatformEndpoint,
		Transport:   config.TransportMemory,
		Send: config.SendOptions{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Timeout:        time.Second,
		},
		Handle: config.HandleOptions{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Timeout:        time.Second,
			Concurrency:    1,
		},
		Inbox:   config.InboxOptions{Backend: "memory", Retention: time.Hour},
		Journal: config.JournalOptions{Backend: "memory"},
		Metrics: config.MetricsOptions{Enabled: true, Path: "/metrics"},
	}
}

func newTestClient(t *testing.T, cfg *config.Configuration, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	client, err := NewClient(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// runUntil runs p in the background until cond holds
func runUntil(t *testing.T, client *Client, p *messaging.Processor, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx, p) }()

	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func attemptsOf(client *Client, messageID string, n int) func() bool {
	return func() bool {
		attempts, err := client.Journal().ByMessageID(context.Background(), messageID)
		return err == nil && len(attempts) == n
	}
}

func TestClientDeliversAddEvent(t *testing.T) {
	client := newTestClient(t, testConfig())
	eventID := uuid.New()
	date := time.Date(2025, 7, 14, 20, 0, 0, 0, time.UTC)

	receipt, err := client.Publish(context.Background(), public.NewAddEvent(eventID, "Concert", date))
	require.NoError(t, err)
	assert.Equal(t, public.EventManagementEndpoint, receipt.Destination)
	assert.Equal(t, contracts.KindCommand, receipt.Kind)
	assert.Equal(t, 1, receipt.Attempts)
	assert.NotEmpty(t, receipt.MessageID)

	var got contracts.Message
	p := client.NewProcessor(public.EventManagementEndpoint, messaging.HandlerFunc(func(_ context.Context, msg contracts.Message) messaging.Result {
		got = msg
		return messaging.Ack()
	}))
	runUntil(t, client, p, attemptsOf(client, receipt.MessageID, 1))

	assert.Equal(t, receipt.MessageID, got.ID())
	assert.Equal(t, public.AddEvent, got.TypeName())
	assert.Equal(t, "Concert", got.StringField("EventName"))

	attempts, err := client.Journal().ByMessageID(context.Background(), receipt.MessageID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, journal.OutcomeDelivered, attempts[0].Outcome)
	assert.Equal(t, public.EventManagementEndpoint, attempts[0].Endpoint)
}

func TestClientRetriesFailingHandler(t *testing.T) {
	client := newTestClient(t, testConfig())

	receipt, err := client.Publish(context.Background(), public.NewTicketRequested("t-1", "u-1"))
	require.NoError(t, err)
	assert.Equal(t, contracts.KindEvent, receipt.Kind)

	var calls int
	p := client.NewProcessor(public.PlatformEndpoint, messaging.ErrorHandler(func(context.Context, contracts.Message) error {
		calls++
		if calls < 3 {
			return errors.New("ticket store unavailable")
		}
		return nil
	}))
	runUntil(t, client, p, attemptsOf(client, receipt.MessageID, 3))

	attempts, err := client.Journal().ByMessageID(context.Background(), receipt.MessageID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, journal.OutcomeHandlerFailed, attempts[0].Outcome)
	assert.Equal(t, journal.OutcomeHandlerFailed, attempts[1].Outcome)
	assert.Equal(t, journal.OutcomeDelivered, attempts[2].Outcome)
	assert.Equal(t, 3, attempts[2].Number)

	dead, err := client.DeadLetters(context.Background(), public.PlatformEndpoint, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestClientDeadLettersExhaustedMessage(t *testing.T) {
	client := newTestClient(t, testConfig())

	receipt, err := client.Publish(context.Background(), public.NewFulfillmentCompleted("o-1", false))
	require.NoError(t, err)

	p := client.NewProcessor(public.PlatformEndpoint, messaging.HandlerFunc(func(context.Context, contracts.Message) messaging.Result {
		return messaging.Retry(errors.New("warehouse offline"))
	}))
	runUntil(t, client, p, func() bool {
		dead, err := client.DeadLetters(context.Background(), public.PlatformEndpoint, 10)
		return err == nil && len(dead) == 1
	})

	dead, err := client.DeadLetters(context.Background(), public.PlatformEndpoint, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, receipt.MessageID, dead[0].MessageID)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].Reason, "warehouse offline")
}

func TestClientPublishFailures(t *testing.T) {
	t.Run("unknown type is rejected without touching the transport", func(t *testing.T) {
		tr := memory.New(nil)
		client := newTestClient(t, testConfig(), WithTransport(tr))

		_, err := client.Publish(context.Background(), contracts.NewMessage("AcmeTickets.GhostCommand"))

		require.ErrorIs(t, err, contracts.ErrUnknownContract)
		assert.Empty(t, tr.Calls())
	})

	t.Run("transient send failures are retried", func(t *testing.T) {
		tr := memory.New(nil)
		client := newTestClient(t, testConfig(), WithTransport(tr))
		tr.FailNext(errors.New("connection reset"))

		receipt, err := client.Publish(context.Background(), public.NewAddEvent(uuid.New(), "Opera", time.Now().UTC()))

		require.NoError(t, err)
		assert.Equal(t, 2, receipt.Attempts)
		assert.Len(t, tr.Calls(), 2)
		assert.Equal(t, 1, tr.Pending(public.EventManagementEndpoint))
	})

	t.Run("permanent send failures are not retried", func(t *testing.T) {
		tr := memory.New(nil)
		client := newTestClient(t, testConfig(), WithTransport(tr))
		tr.FailNext(reliability.Permanent(errors.New("access refused")))

		_, err := client.Publish(context.Background(), public.NewAddEvent(uuid.New(), "Opera", time.Now().UTC()))

		require.Error(t, err)
		assert.Len(t, tr.Calls(), 1)
	})
}

func TestClientEndpointsAndTopology(t *testing.T) {
	client := newTestClient(t, testConfig())

	assert.ElementsMatch(t, []string{public.EventManagementEndpoint, public.PlatformEndpoint}, client.Endpoints())
	assert.NoError(t, client.DeclareTopology(context.Background()))
	assert.Equal(t, []string{public.AddEvent}, client.Resolver().CommandsFor(public.EventManagementEndpoint))
}

func TestClientLoadsTopologyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subscriptions:
  - endpoint: Reporting.Message
    type: AcmeTickets.PublicContracts.Events.EventManagement.TicketRequested
`), 0o600))

	cfg := testConfig()
	cfg.TopologyFile = path
	client := newTestClient(t, cfg)

	assert.Contains(t, client.Endpoints(), "Reporting.Message")
	assert.ElementsMatch(t, []string{public.PlatformEndpoint, "Reporting.Message"},
		client.Resolver().Subscribers(public.TicketRequested))
}

func TestNewClientRejectsMissingTopologyFile(t *testing.T) {
	cfg := testConfig()
	cfg.TopologyFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewClient(context.Background(), cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.Error(t, err)
}

func TestClientHandlers(t *testing.T) {
	client := newTestClient(t, testConfig())
	_, err := client.Publish(context.Background(), public.NewInventoryAdjusted("p-1", 4))
	require.NoError(t, err)

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "acmetickets_gateway_publish_total")
	})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		client.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "AcmeTickets.Platform.Test")
	})
}

func TestClientWithoutMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	client := newTestClient(t, cfg)
	_, err := client.Publish(context.Background(), public.NewInventoryAdjusted("p-1", 4))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.NotContains(t, rec.Body.String(), "acmetickets_gateway_publish_total")
}

func TestClientHandlerMiddleware(t *testing.T) {
	client := newTestClient(t, testConfig())
	d := messaging.NewMessageDispatcher(messaging.WithMiddleware(client.HandlerMiddleware()))
	require.NoError(t, d.RegisterHandlerFunc(public.TicketRequested, func(context.Context, contracts.Message) error {
		return errors.New("seat map locked")
	}))

	result := d.Handle(context.Background(), public.NewTicketRequested("t-1", "u-1").WithID("m-1"))
	assert.Equal(t, messaging.DispositionRetry, result.Disposition)

	rec := httptest.NewRecorder()
	client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "acmetickets_handler_messages_total")
	assert.Contains(t, rec.Body.String(), "acmetickets_handler_errors_total")
}

func TestClaimInterval(t *testing.T) {
	assert.Equal(t, 30*time.Second, claimInterval(200*time.Second))
	assert.Equal(t, 5*time.Second, claimInterval(20*time.Second))
	assert.Equal(t, time.Second, claimInterval(time.Second))
}

func TestClientGatewayCircuitBreaker(t *testing.T) {
	unavailable := errors.New("connection reset")
	tr := memory.New(nil)
	cfg := testConfig()
	cfg.Send.MaxAttempts = 5
	cfg.Send.BreakerThreshold = 2
	cfg.Send.BreakerOpenTimeout = time.Minute
	client := newTestClient(t, cfg, WithTransport(tr))
	tr.FailNext(unavailable, unavailable, unavailable)

	_, err := client.Publish(context.Background(), public.NewAddEvent(uuid.New(), "Opera", time.Now().UTC()))

	require.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.Len(t, tr.Calls(), 2)

	rec := httptest.NewRecorder()
	client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `acmetickets_circuit_breaker_state{breaker="gateway"} 1`)
}

func TestClientHandlerCircuitBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Handle.BreakerThreshold = 1
	cfg.Handle.BreakerOpenTimeout = time.Minute
	client := newTestClient(t, cfg)

	var calls int
	d := messaging.NewMessageDispatcher(messaging.WithMiddleware(client.HandlerMiddleware()))
	require.NoError(t, d.RegisterHandlerFunc(public.TicketRequested, func(context.Context, contracts.Message) error {
		calls++
		return errors.New("seat map locked")
	}))

	msg := public.NewTicketRequested("t-1", "u-1").WithID("m-1")
	first := d.Handle(context.Background(), msg)
	second := d.Handle(context.Background(), msg)

	assert.Equal(t, messaging.DispositionRetry, first.Disposition)
	assert.Equal(t, messaging.DispositionRetry, second.Disposition)
	assert.ErrorIs(t, second.Err, reliability.ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestClientProcessorDeadLettersUnroutedTypes(t *testing.T) {
	tr := memory.New(nil)
	client := newTestClient(t, testConfig(), WithTransport(tr))

	bound, _, err := client.Registry().Bind(public.NewTicketRequested("t-1", "u-1").WithID("m-stray"))
	require.NoError(t, err)
	env, err := serialization.NewCodec(client.Registry()).Encode(bound)
	require.NoError(t, err)

	var calls int
	p := client.NewProcessor(public.EventManagementEndpoint, messaging.HandlerFunc(func(context.Context, contracts.Message) messaging.Result {
		calls++
		return messaging.Ack()
	}))
	state, err := p.Process(context.Background(), env)

	require.NoError(t, err)
	assert.Equal(t, messaging.StateFailedPermanent, state)
	assert.Zero(t, calls)

	dead, err := client.DeadLetters(context.Background(), public.EventManagementEndpoint, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-stray", dead[0].MessageID)
	assert.Contains(t, dead[0].Reason, "message filtered")
}
