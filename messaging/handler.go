package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
)

// Disposition tells the processor what to do with a handled delivery
type Disposition int

const (
	DispositionAck Disposition = iota + 1
	DispositionRetry
	DispositionPoisonDiscard
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionRetry:
		return "retry"
	case DispositionPoisonDiscard:
		return "poison_discard"
	default:
		return "unknown"
	}
}

// Result is a handler's answer for one delivery attempt
type Result struct {
	Disposition Disposition
	Err         error
}

// Ack reports the message as handled
func Ack() Result {
	return Result{Disposition: DispositionAck}
}

// Retry asks for another attempt after the retry policy's delay
func Retry(err error) Result {
	return Result{Disposition: DispositionRetry, Err: err}
}

// PoisonDiscard moves the message to the dead-letter channel without
// further attempts
func PoisonDiscard(err error) Result {
	return Result{Disposition: DispositionPoisonDiscard, Err: err}
}

// ResultFromError maps nil to Ack, non-retryable errors to PoisonDiscard and
// anything else to Retry
func ResultFromError(err error) Result {
	switch {
	case err == nil:
		return Ack()
	case reliability.IsPermanent(err):
		return PoisonDiscard(err)
	default:
		return Retry(err)
	}
}

// Handler processes one inbound message
type Handler interface {
	Handle(ctx context.Context, msg contracts.Message) Result
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg contracts.Message) Result

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg contracts.Message) Result {
	return f(ctx, msg)
}

// ErrorHandler adapts an error-returning function with ResultFromError
func ErrorHandler(fn func(ctx context.Context, msg contracts.Message) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg contracts.Message) Result {
		return ResultFromError(fn(ctx, msg))
	})
}

// panicResult turns a recovered panic into a Result. A panic carrying a
// non-retryable error is poison; anything else is retried.
func panicResult(r any) Result {
	if err, ok := r.(error); ok {
		wrapped := fmt.Errorf("handler panic: %w", err)
		if reliability.IsPermanent(err) {
			return PoisonDiscard(wrapped)
		}
		return Retry(wrapped)
	}
	return Retry(fmt.Errorf("handler panic: %v", r))
}

// normalize fills in the error a non-ack result must carry
func (r Result) normalize() Result {
	switch r.Disposition {
	case DispositionAck:
		return r
	case DispositionRetry, DispositionPoisonDiscard:
		if r.Err == nil {
			r.Err = errors.New(r.Disposition.String() + " requested by handler")
		}
		return r
	default:
		return Retry(fmt.Errorf("handler returned invalid disposition %d", r.Disposition))
	}
}
