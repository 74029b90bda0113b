package serialization

import (
	"fmt"

	"github.com/AcmeTickets/Platform/internal/reliability"
)

// MarshalFailed serializes a dead-letter record for brokers that store it as
// a message
func MarshalFailed(msg reliability.FailedMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// UnmarshalFailed parses data produced by MarshalFailed
func UnmarshalFailed(data []byte) (reliability.FailedMessage, error) {
	var msg reliability.FailedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return reliability.FailedMessage{}, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	if msg.MessageID == "" {
		return reliability.FailedMessage{}, fmt.Errorf("unmarshal dead letter: message id is required")
	}
	return msg, nil
}
