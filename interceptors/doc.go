// Package interceptors adds cross-cutting concerns around message handlers.
//
// Interceptors wrap a messaging.Handler and see its Result, so they can log,
// measure or trace every delivery attempt without touching handler code:
//
//	chain := interceptors.NewBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithValidation(interceptors.RegistryValidator(registry)).
//		Build()
//
//	dispatcher := messaging.NewMessageDispatcher(
//		messaging.WithMiddleware(chain.Middleware()),
//	)
//
// Interceptors run in the order they are added, the final handler last.
package interceptors
