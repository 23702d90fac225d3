// Package api implements the local HTTP REST API and WebSocket server for
// melbridge.
//
// This package provides:
//   - REST endpoints for device inventory, displayed state, command issue
//     and the command journal
//   - WebSocket hub for real-time state, availability and command events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for deployments that want it
//
// # Architecture
//
// The API server sits between local consumers (dashboards, debugging tools,
// scripts) and the refresh coordinator. Writes become coordinator commands
// and follow the same optimistic/confirm lifecycle as MQTT writes; state
// changes flow back through the coordinator's subscription hub and are
// broadcast to WebSocket clients.
//
// The server is LAN-only and carries no auth layer. Bind it to a trusted
// interface, the same way the MQTT broker is deployed.
//
// # Graceful Degradation
//
// The server operates without the journal, history store or database
// handle. The affected endpoints return empty results or omit their metric
// sections, everything else keeps working.
package api
