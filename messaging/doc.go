// Package messaging sends outbound messages through a Gateway and processes
// inbound deliveries with a Processor.
//
// The Gateway looks up, validates and classifies a message before touching
// the transport. Commands go to their single destination, events are
// published to their topic. A failed lookup or validation never reaches the
// broker.
//
// A Processor runs one endpoint's handler over received envelopes. Each
// delivery moves through Received, Processing and then Delivered,
// Failed-Retryable or Failed-Permanent. Handlers answer with a Result:
//
//	func handle(ctx context.Context, msg contracts.Message) messaging.Result {
//		if err := store.Save(ctx, msg); err != nil {
//			return messaging.Retry(err)
//		}
//		return messaging.Ack()
//	}
//
// Completed message ids are kept in an Inbox so redeliveries of the same id
// produce the effect once.
package messaging
