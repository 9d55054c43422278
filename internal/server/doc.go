// Package server implements the relay's connection lifecycle over WebSocket.
//
// A request to /ws presents a bearer token (the "token" query parameter or an
// "Authorization: Bearer" header) and optionally a "username". The token is
// verified before the upgrade; a failure is answered with 401 and a JSON body
// naming the reason, and no session is created. On success the connection is
// upgraded, the identity is registered, and two goroutines serve the session:
// readPump handles inbound events in order and writePump flushes the
// session's outbound queue in order.
//
// The implementation is organized into files for sessions, the hub of live
// sessions, origin checks, HTTP handlers and routes.
package server
