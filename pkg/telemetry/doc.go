// Package telemetry provides observability for the deployer.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and a session event publisher:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	op := tel.StartOperation(ctx, "run_plan", sessionID)
//	defer op.End(err)
//	op.Logger.Info().Msg("Planning")
//
// Metrics are registered on a private registry and exposed by Metrics.Serve.
// Recording on a disabled or nil *Metrics is a no-op, so callers never guard.
//
// The event publisher delivers session state changes and streamed apply
// output to subscribers in publication order:
//
//	unsubscribe := tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterBySession(sessionID))
//	defer unsubscribe()
package telemetry
