// ABOUTME: Package documentation for the gateway package
// ABOUTME: Describes the HTTP collaborator surface over the conversation core

// Package gateway exposes the conversation core over HTTP.
//
// The core's boundary API is the ConversationService; this package is the
// transport collaborator that translates JSON requests into service calls
// and owns the server lifecycle. The auth middleware verifies the bearer
// token and supplies the acting user; request bodies never name the
// sender.
//
// # Endpoints
//
//	GET  /health               liveness (no auth)
//	POST /api/send             append a message and enqueue delivery
//	POST /api/receive          poll pending deliveries for the caller
//	POST /api/ack              acknowledge a delivered message
//	GET  /api/history          full ordered log of one conversation
//	GET  /api/conversations    all conversations involving the caller
//	GET  /api/deadletters      the caller's dead-lettered tickets
//
// Send accepts an optional idempotency key; network-level retries with
// the same key replay the original receipt instead of appending twice.
package gateway
