// Package server hosts the Fiber application shared by every HTTP surface of
// the alert hub: the recover and request-id middleware chain, the JSON error
// handler that maps domain errors onto status codes, and the outbound HTTP
// client used for WebSub verification and delivery. Route registration lives
// in the routes subpackage so handlers can depend on this package without
// creating an import cycle.
package server
