// Package reliability provides the retry, circuit breaker and dead-letter
// building blocks used by the dispatch gateway and the inbound processor.
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5)
//	attempts, err := reliability.Retry(ctx, policy, func(attempt int) error {
//	    return transport.Send(ctx, dest, env)
//	})
//
// Errors wrapped with Permanent stop a retry loop immediately.
package reliability
