// Package telemetry carries the logging, tracing and metrics of the core.
//
// One Telemetry is built per process from a Config, usually via
// config.ToTelemetry, and its parts are handed to pool.Manager,
// txn.Coordinator, dispatch.Dispatcher and the monitor:
//
//	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Logging is zerolog behind Logger. Components log through a child:
//
//	log := tel.Logger.NewComponentLogger("txn").WithTxID(id)
//	log.WithPool("sql", "relational").Debug("Participant prepared")
//
// Tracing is OpenTelemetry with otlp (gRPC), stdout or no exporter. Every
// transaction, dispatched task and pool open gets a span.
//
// Metrics live in a private Prometheus registry. Pools, transactions, the
// dispatcher and the cache have fixed series; the performance monitor emits
// through IncCounter, SetGauge and ObserveHistogram, which register a vector
// the first time a name is seen.
//
// A nil *Metrics or *Tracer records nothing, so components accept either.
package telemetry
