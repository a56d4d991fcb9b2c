// Package metrics provides interfaces and implementations for collecting
// DITM metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording DITM metrics, covering
// both the downwards POP3 session (connection/auth/command/message
// counters, following the teacher's shape) and the DITM-specific
// download/decrypt/reconciliation/API outcomes.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Authentication metrics (authenticated user's domain)
	AuthAttempt(authDomain string, success bool)

	// Command metrics
	CommandProcessed(command string)

	// Message retrieval metrics
	MessageRetrieved(userDomain string, sizeBytes int64)
	MessageDeleted(userDomain string)
	MessageListed(userDomain string)

	// MessageDownloaded records a completed download-pipeline run
	// (spec.md §4.7) with its outcome: "decrypted", "not4me",
	// "corrupted", or "unencrypted".
	MessageDownloaded(outcome string)

	// PeerReconciliation records a key_tool.update() call that actually
	// performed a list_devices round-trip (as opposed to one that
	// short-circuited per spec.md §4.8).
	PeerReconciliation(newPeers int)

	// APICall records a JSON-over-HTTPS API call and its outcome.
	APICall(command string, success bool)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
