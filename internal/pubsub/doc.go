// Package pubsub is the in-process topic broker for alert events. Subscribers
// register a synchronous Handler for exact topics, "prefix.*" wildcards or
// the alerts.all catch-all, optionally narrowed by payload filters; Publish
// records a bounded history and delivers to every match before returning.
// Consumers that need asynchronous delivery (live streams) wrap the broker
// with a Session, which adapts the handler contract onto a buffered channel.
package pubsub
