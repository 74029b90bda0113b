// Package inbox stores the ids of messages an endpoint has finished
// processing, so that redelivered messages are recognized and skipped.
//
// Entries expire after a retention period. Redeliveries arriving after that
// window are processed again.
package inbox
