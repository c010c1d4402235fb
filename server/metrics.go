package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can forward the events to Prometheus, StatsD, or any other
// monitoring system.
//
// Methods are called synchronously from session goroutines and must not block.
// The server checks for a nil collector itself.
type MetricsCollector interface {
	// RecordCommand records one dispatched command.
	// verb is the upper-cased verb ("" for a blank line), code is the final
	// reply code sent for it.
	RecordCommand(verb string, code int, duration time.Duration)

	// RecordConnection records a control connection that was accepted or
	// turned away. reason is "accepted" or a short cause such as "shutdown".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records the outcome of a PASS command.
	RecordAuthentication(success bool, user string)

	// RecordListing records a LIST that reached the data channel.
	// entries is the number of names sent; ok is false when the directory
	// could not be read.
	RecordListing(entries int, ok bool, duration time.Duration)
}
