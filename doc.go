// Package pulse maintains long-lived AMQP consumer sessions.
//
// A Connection owns a single broker session and re-establishes it with
// jittered exponential backoff when it is lost. One or more Listeners share
// a Connection; each Listener declares its own queue, applies exchange
// bindings, and delivers decoded messages to registered handlers,
// acknowledging or rejecting each delivery based on handler outcome.
//
// Routing keys are built and parsed against structured field references by
// the routingkey package. The sockets package provides a websocket sibling
// transport with the same bind/message/error contract.
package pulse
