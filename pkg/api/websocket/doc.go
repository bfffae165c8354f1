// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/contexts/:id/ws to receive context and
// task lifecycle events for one execution context.
package websocket
