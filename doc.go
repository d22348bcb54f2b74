// Package coap implements the core of a CoAP (RFC 7252) endpoint with
// RFC 7959 blockwise transfer support, plus a companion event emitter that
// reliably delivers a coalesced set of event-type identifiers to a remote
// CoAP resource.
//
// # Architecture
//
// All protocol state (the pending-request table, the resource registry, the
// blockwise reassembly state, and the event emitter) is mutated exclusively
// on a single cooperative [Loop]. Callers on other goroutines reach the loop
// through [Loop.InvokeSync] and [Loop.InvokeAsync]; code already running on
// the loop (e.g. inside a [ResponseListener] or [ResourceHandler] callback)
// must not re-enter it synchronously.
//
// # Transport
//
// The endpoint is transport-agnostic: it is driven by a [DataSource]/
// [DataSink] pair supplied by the caller (a UDP socket, a DTLS session, a
// Gattlink-framed serial link, and so on). This package never opens a
// socket itself.
//
// # Thread Safety
//
// [Endpoint], [Registry], and [EventEmitter] are safe to call from any
// goroutine only through the [Loop] invocation primitives; direct field
// access is not safe outside the loop thread.
package coap
