// Package relay holds the in-memory state of the signaling relay: client
// sessions bound to WebSocket connections, and the registry mapping room
// identifiers to their current members.
package relay
