// Package signaling contains the WebSocket surface of the relay: the
// connection gateway that binds peers into rooms, the wire message schema,
// and the router that delivers envelopes between room members.
package signaling
