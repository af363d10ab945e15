// Package stores provides the persistence layer of the coordination core.
// It includes a SQLite-based journal with WAL mode and embedded migrations
// that records the terminal state of every cross-backend transaction and the
// performance baselines established by the monitor.
package stores
