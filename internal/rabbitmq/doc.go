// Package rabbitmq wraps amqp091-go for the broker transport.
//
// It contains:
//   - ConnectionManager: one AMQP connection, re-dialed with backoff when the
//     broker drops it
//   - ChannelPool: confirm-mode channels shared by publishers
//   - Publisher: publishes and waits for the broker's confirm
//   - Consumer: consumes a queue and acks, requeues or rejects each delivery
//   - TopologyManager: declares exchanges, endpoint queues and dead-letter
//     queues
package rabbitmq
