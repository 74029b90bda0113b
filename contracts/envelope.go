package contracts

import (
	"encoding/json"
	"time"
)

// Header keys shared by all transports
const (
	HeaderMessageID     = "x-message-id"
	HeaderMessageType   = "x-message-type"
	HeaderMessageKind   = "x-message-kind"
	HeaderCorrelationID = "x-correlation-id"
	HeaderDeadLetterErr = "x-dead-letter-reason"
	HeaderEndpoint      = "x-endpoint"
)

// Envelope wraps a message for transport
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Kind          Kind              `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body"`
}

// TransportHeaders returns the headers a broker should carry next to the body
func (e *Envelope) TransportHeaders() map[string]string {
	h := make(map[string]string, len(e.Headers)+4)
	for k, v := range e.Headers {
		h[k] = v
	}
	h[HeaderMessageID] = e.ID
	h[HeaderMessageType] = e.Type
	h[HeaderMessageKind] = e.Kind.String()
	if e.CorrelationID != "" {
		h[HeaderCorrelationID] = e.CorrelationID
	}
	return h
}
